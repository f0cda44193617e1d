package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// MonoConverter converts interleaved float32 audio of an arbitrary source
// format to mono at a target sample rate. It logs a warning on the first
// format mismatch. Create one per stream; not safe for concurrent use.
type MonoConverter struct {
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert downmixes then resamples samples from src to mono at TargetRate.
// When src already matches, the input slice is returned unchanged.
func (c *MonoConverter) Convert(samples []float32, src Format) []float32 {
	channels := max(src.Channels, 1)
	if len(samples)%channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: sample count not a multiple of channel count, truncating",
				"samples", len(samples),
				"format", src.String(),
			)
		})
		samples = samples[:len(samples)-len(samples)%channels]
	}

	if channels == 1 && src.SampleRate == c.TargetRate {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", Format{SampleRate: c.TargetRate, Channels: 1}.String(),
		)
	})

	// Downmix first so the resampler only touches one channel.
	if channels > 1 {
		samples = Downmix(samples, channels)
	}
	return ResampleMono(samples, src.SampleRate, c.TargetRate)
}

// Downmix averages each interleaved frame of the given channel count into a
// single mono sample.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleMono resamples mono float32 audio from srcRate to dstRate using
// linear interpolation. If the rates match or either is non-positive, the
// input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
