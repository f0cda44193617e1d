// Package mock provides test doubles for the transcribe package interfaces.
//
// Use Provider to control Connect's outcome and inspect the Config it
// received. Use Channel to script recognition events and to inspect which
// payloads were sent.
//
// Example:
//
//	ch := mock.NewChannel(16)
//	p := &mock.Provider{Channel: ch}
//	c, _ := p.Connect(ctx, transcribe.Config{})
//	ch.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg transcribe.Config
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Connect. If nil, a new Channel with a buffer of
	// 16 events is created on each call.
	Channel transcribe.Channel

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Channel, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg transcribe.Config) (transcribe.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Channel != nil {
		return p.Channel, nil
	}
	return NewChannel(16), nil
}

// ConnectCallCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

var _ transcribe.Provider = (*Provider)(nil)

// Channel is a mock implementation of transcribe.Channel.
type Channel struct {
	mu     sync.Mutex
	events chan transcribe.Event
	closed bool
	sent   []audio.Payload
	notify chan struct{}

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// ErrVal is returned by Err.
	ErrVal error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewChannel returns a Channel whose event channel buffers size events.
func NewChannel(size int) *Channel {
	return &Channel{
		events: make(chan transcribe.Event, size),
		notify: make(chan struct{}, 1),
	}
}

// Emit delivers ev to the consumer as if the remote service had sent it. It
// reports false if the channel is closed. Emit blocks when the buffer is full.
func (c *Channel) Emit(ev transcribe.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

// RemoteClose closes the event channel as if the service had hung up.
func (c *Channel) RemoteClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ErrVal = err
	close(c.events)
}

// Send records the payload and returns SendErr. After Close it returns
// transcribe.ErrClosed.
func (c *Channel) Send(p audio.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transcribe.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, p)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns a copy of every payload accepted by Send, in order.
func (c *Channel) Sent() []audio.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Payload(nil), c.sent...)
}

// SentNotify returns a channel that receives a value after Send accepts a
// payload. Notifications coalesce.
func (c *Channel) SentNotify() <-chan struct{} { return c.notify }

// Events returns the event channel.
func (c *Channel) Events() <-chan transcribe.Event { return c.events }

// Err returns ErrVal.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ErrVal
}

// Close records the call, closes the event channel once, and returns CloseErr.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return c.CloseErr
}

// CloseCount returns the number of Close calls. Thread-safe.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

var _ transcribe.Channel = (*Channel)(nil)
