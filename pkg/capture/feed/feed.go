// Package feed implements a [capture.Device] whose audio is pushed in by the
// caller rather than read from local hardware. The HTTP server uses it to
// record a browser microphone streamed over a WebSocket.
//
// A Source is single-use: it can be opened once, written to while open, and
// closed. Written samples may be in any mono or interleaved format; they are
// downmixed and resampled to the opened constraints before framing.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/capture"
)

var (
	// ErrNotOpen is returned by Write before the source has been opened.
	ErrNotOpen = errors.New("feed: source not open")

	// ErrClosed is returned by Write and Open after Close.
	ErrClosed = errors.New("feed: source closed")
)

const defaultBuffer = 16

var (
	_ capture.Device = (*Source)(nil)
	_ capture.Stream = (*Source)(nil)
)

// Source is a push-fed capture device and its own stream.
type Source struct {
	name   string
	format audio.Format

	mu     sync.Mutex
	opened bool
	closed bool
	conv   audio.MonoConverter
	framer *audio.Framer

	chunks    chan audio.Chunk
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Source that accepts samples in the given format. A zero
// Channels value means mono.
func New(name string, format audio.Format) *Source {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Source{
		name:   name,
		format: format,
		chunks: make(chan audio.Chunk, defaultBuffer),
		done:   make(chan struct{}),
	}
}

// Open accepts the constraints and starts delivering chunks. A source that
// has already been closed (e.g. the remote client went away) reports
// [capture.ErrDeviceUnavailable].
func (s *Source) Open(_ context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := c.Validate(); err != nil {
		return nil, &capture.DeviceAccessError{Device: s.name, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, &capture.DeviceAccessError{Device: s.name, Err: errors.Join(capture.ErrDeviceUnavailable, ErrClosed)}
	case s.opened:
		return nil, &capture.DeviceAccessError{Device: s.name, Err: errors.Join(capture.ErrDeviceUnavailable, capture.ErrAlreadyOpen)}
	}
	s.opened = true
	s.conv = audio.MonoConverter{TargetRate: c.SampleRate}
	s.framer = audio.NewFramer(c.BufferSize, c.SampleRate)
	return s, nil
}

// Format returns the format Write expects.
func (s *Source) Format() audio.Format { return s.format }

// Write converts samples to the opened format and delivers every completed
// chunk. It blocks while the consumer is behind and returns [ErrClosed] if
// the source is closed meanwhile.
func (s *Source) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.opened {
		return ErrNotOpen
	}
	mono := s.conv.Convert(samples, s.format)
	for _, c := range s.framer.Write(mono) {
		select {
		case s.chunks <- c:
		case <-s.done:
			return ErrClosed
		}
	}
	return nil
}

// Chunks returns the channel of framed chunks.
func (s *Source) Chunks() <-chan audio.Chunk { return s.chunks }

// Close stops delivery and closes the chunk channel. Chunks not yet received
// and samples short of a full chunk are discarded. Idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
	drain:
		for {
			select {
			case <-s.chunks:
			default:
				break drain
			}
		}
		close(s.chunks)
	})
	return nil
}
