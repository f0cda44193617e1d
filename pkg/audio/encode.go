package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Quantize converts float samples to int16 by computing round(s*32768).
//
// Values are not clamped. A sample of exactly 1.0 yields 32768, which does not
// fit in int16 and wraps to -32768 the same way a two's-complement store
// would. Well-behaved capture sources stay within [-1.0, 1.0).
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = quantize(s)
	}
	return out
}

func quantize(s float32) int16 {
	v := math.Round(float64(s) * 32768)
	if math.IsNaN(v) {
		return 0
	}
	// Keep the float→int conversion within int64 so that the wrap below is
	// the only lossy step.
	v = math.Max(math.Min(v, math.MaxInt64/2), math.MinInt64/2)
	return int16(int64(v))
}

// EncodePCM16 quantizes samples and packs them as little-endian int16.
func EncodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(quantize(s)))
	}
	return buf
}

// Encode turns a chunk into its transport payload. It never fails: any
// sample slice, including an empty one, has a valid encoding.
func Encode(c Chunk) Payload {
	rate := c.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	return Payload{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(c.Samples)),
		MIMEType: MIMETypeForRate(rate),
	}
}

// MIMETypeForRate returns the raw PCM MIME type for the given sample rate.
func MIMETypeForRate(rate int) string {
	if rate == SampleRate {
		return MIMEType
	}
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// DecodePCM16 unpacks little-endian int16 PCM from a base64 payload. A
// trailing odd byte is ignored.
func DecodePCM16(p Payload) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode payload: %w", err)
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

// DecodeFloat32 interprets b as little-endian IEEE-754 float32 samples, the
// layout produced by ffmpeg's f32le muxer and by browser Float32Arrays. A
// trailing partial sample is ignored.
func DecodeFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
