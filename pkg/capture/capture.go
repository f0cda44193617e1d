// Package capture defines the microphone abstraction used by a recording
// session.
//
// A [Device] grants access to an audio source and returns a [Stream] that
// delivers fixed-size mono chunks until it is closed. Implementations live in
// sub-packages:
//
//   - capture/ffmpeg: a local microphone read through an ffmpeg subprocess.
//   - capture/feed: audio pushed in by the caller, e.g. a browser
//     microphone streamed over a WebSocket.
//   - capture/mock: test doubles.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/lucidweaver/pkg/audio"
)

var (
	// ErrPermissionDenied indicates the user or the platform refused access
	// to the microphone.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable indicates no usable input device exists, or the
	// requested constraints cannot be satisfied.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrAlreadyOpen is returned by single-use devices on a second Open.
	ErrAlreadyOpen = errors.New("capture: device already open")
)

// DeviceAccessError reports that microphone access could not be obtained.
// It is never retried automatically.
type DeviceAccessError struct {
	// Device names the device that was asked, e.g. "ffmpeg:pulse:default".
	Device string

	// Err is [ErrPermissionDenied], [ErrDeviceUnavailable], or a wrapped
	// cause carrying one of them.
	Err error
}

func (e *DeviceAccessError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("microphone access failed: %v", e.Err)
	}
	return fmt.Sprintf("microphone access failed (%s): %v", e.Device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }

// Constraints describe what a recording session asks of the device.
type Constraints struct {
	// Audio must be true; a session without audio has nothing to capture.
	Audio bool

	// Video must be false. No device in this module captures video.
	Video bool

	// SampleRate of delivered chunks in Hz.
	SampleRate int

	// Channels of delivered chunks. Only mono (1) is supported.
	Channels int

	// BufferSize is the number of samples per delivered chunk.
	BufferSize int
}

// DefaultConstraints returns audio-only, 16 kHz mono capture in windows of
// 4096 samples.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio:      true,
		Video:      false,
		SampleRate: audio.SampleRate,
		Channels:   1,
		BufferSize: audio.ChunkSize,
	}
}

// Validate reports constraints no device can satisfy. The error wraps
// [ErrDeviceUnavailable].
func (c Constraints) Validate() error {
	switch {
	case !c.Audio:
		return fmt.Errorf("%w: audio capture not requested", ErrDeviceUnavailable)
	case c.Video:
		return fmt.Errorf("%w: video capture is not supported", ErrDeviceUnavailable)
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: invalid sample rate %d", ErrDeviceUnavailable, c.SampleRate)
	case c.Channels != 1:
		return fmt.Errorf("%w: only mono capture is supported, got %d channels", ErrDeviceUnavailable, c.Channels)
	case c.BufferSize <= 0:
		return fmt.Errorf("%w: invalid buffer size %d", ErrDeviceUnavailable, c.BufferSize)
	}
	return nil
}

// Device grants access to an audio input.
type Device interface {
	// Open requests the microphone and starts delivering chunks. Failure to
	// obtain access is reported as a *[DeviceAccessError].
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open capture. Chunks arrive on [Stream.Chunks] in capture
// order, each holding exactly Constraints.BufferSize samples.
type Stream interface {
	// Chunks returns the channel of captured chunks. It is closed when the
	// stream ends, either through Close or because the source stopped.
	Chunks() <-chan audio.Chunk

	// Close stops the source and releases it. It is idempotent; once it
	// returns no further chunks are delivered.
	Close() error
}
