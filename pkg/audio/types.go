// Package audio defines the sample types that flow between a capture device
// and a transcription channel, together with the pure helpers that frame,
// convert and encode them.
//
// Samples are mono float32 in the nominal range [-1.0, 1.0]. The wire format
// sent to transcription services is 16-bit little-endian PCM, base64 encoded.
package audio

import "time"

const (
	// SampleRate is the capture rate requested from every device, in Hz.
	SampleRate = 16000

	// ChunkSize is the number of samples delivered per processing tick.
	ChunkSize = 4096

	// MIMEType labels encoded payloads. The rate parameter must match the
	// sample rate the samples were captured at.
	MIMEType = "audio/pcm;rate=16000"
)

// Chunk is one fixed-size window of mono float32 samples as delivered by a
// capture stream. Chunks are produced in capture order.
type Chunk struct {
	// Samples holds exactly the negotiated buffer size of mono samples.
	Samples []float32

	// SampleRate in Hz of Samples.
	SampleRate int

	// Seq is the zero-based position of this chunk within its stream.
	Seq uint64

	// Timestamp marks the start of the chunk relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Payload is the transport-ready form of a [Chunk].
type Payload struct {
	// Data is base64 (standard alphabet) of int16 little-endian PCM.
	Data string

	// MIMEType describes the encoding of Data, e.g. "audio/pcm;rate=16000".
	MIMEType string
}
