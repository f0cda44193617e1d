// Package mock provides test doubles for the capture package interfaces.
//
// Use Device to control whether Open succeeds and to inspect the constraints
// it was called with. Use Stream to feed chunks to the consumer and to verify
// that Close was called.
//
// Example:
//
//	stream := mock.NewStream(4)
//	dev := &mock.Device{Stream: stream}
//	s, _ := dev.Open(ctx, capture.DefaultConstraints())
//	stream.Push(audio.Chunk{Samples: make([]float32, 4096)})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/capture"
)

// OpenCall records a single invocation of Device.Open.
type OpenCall struct {
	Ctx         context.Context
	Constraints capture.Constraints
}

// Device is a mock implementation of capture.Device.
type Device struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a new Stream with a
	// buffer of 16 chunks.
	Stream capture.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call and returns Stream, OpenErr.
func (d *Device) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Ctx: ctx, Constraints: c})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Stream == nil {
		d.Stream = NewStream(16)
	}
	return d.Stream, nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (d *Device) OpenCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

var _ capture.Device = (*Device)(nil)

// Stream is a mock implementation of capture.Stream. Chunks pushed with Push
// are delivered on Chunks until Close.
type Stream struct {
	mu     sync.Mutex
	ch     chan audio.Chunk
	closed bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream whose chunk channel buffers size chunks.
func NewStream(size int) *Stream {
	return &Stream{ch: make(chan audio.Chunk, size)}
}

// Push delivers c to the consumer. It reports false if the stream is closed.
// Push blocks when the buffer is full.
func (s *Stream) Push(c audio.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- c
	return true
}

// Chunks returns the chunk channel.
func (s *Stream) Chunks() <-chan audio.Chunk { return s.ch }

// Close records the call, closes the chunk channel once, and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseErr
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ capture.Stream = (*Stream)(nil)
