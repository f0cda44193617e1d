package audio

import "time"

// Framer slices an arbitrary-length sample stream into fixed-size [Chunk]s.
// Samples that do not fill a whole window are held until the next Write.
// Not safe for concurrent use.
type Framer struct {
	size int
	rate int
	seq  uint64
	pos  int64
	buf  []float32
}

// NewFramer returns a Framer emitting chunks of size samples at rate Hz.
// Non-positive values fall back to [ChunkSize] and [SampleRate].
func NewFramer(size, rate int) *Framer {
	if size <= 0 {
		size = ChunkSize
	}
	if rate <= 0 {
		rate = SampleRate
	}
	return &Framer{size: size, rate: rate, buf: make([]float32, 0, size)}
}

// Write appends samples and returns every chunk that became complete.
// Returned chunks own their sample slices.
func (f *Framer) Write(samples []float32) []Chunk {
	var out []Chunk
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) < f.size {
			break
		}
		out = append(out, Chunk{
			Samples:    f.buf,
			SampleRate: f.rate,
			Seq:        f.seq,
			Timestamp:  time.Duration(f.pos) * time.Second / time.Duration(f.rate),
		})
		f.seq++
		f.pos += int64(f.size)
		f.buf = make([]float32, 0, f.size)
	}
	return out
}

// Pending reports how many samples are buffered waiting for a full window.
func (f *Framer) Pending() int { return len(f.buf) }
