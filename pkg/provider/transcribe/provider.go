// Package transcribe defines the interface for streaming speech-to-text
// services that transcribe a live audio stream as it is sent.
//
// A [Provider] opens a [Channel]. The caller sends encoded audio payloads in
// capture order with [Channel.Send] and consumes recognition progress from
// [Channel.Events]: partial text fragments for the turn in progress, and a
// turn-complete marker when the service decides the current turn is final.
//
// Implementations must be safe for concurrent use: Send may be called from
// the capture goroutine while Events is consumed elsewhere.
package transcribe

import (
	"context"
	"errors"

	"github.com/MrWong99/lucidweaver/pkg/audio"
)

// ErrClosed is returned by [Channel.Send] after the channel has been closed.
var ErrClosed = errors.New("transcribe: channel closed")

// Config holds the per-channel settings sent during setup.
type Config struct {
	// Model selects the recognition model. Empty uses the provider default.
	Model string

	// SampleRate of the audio that will be sent, in Hz.
	SampleRate int

	// Instructions is an optional system prompt for services that accept one.
	Instructions string
}

// EventKind classifies an [Event].
type EventKind int

const (
	// EventPartialText carries a fragment of text recognized for the current
	// turn. Fragments are appended in arrival order; they are not cumulative.
	EventPartialText EventKind = iota

	// EventTurnComplete marks the end of the current turn.
	EventTurnComplete

	// EventError reports a non-fatal streaming error. The channel stays open.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPartialText:
		return "partial_text"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification from a transcription channel.
type Event struct {
	Kind EventKind

	// Text is set for EventPartialText.
	Text string

	// Err is set for EventError.
	Err error
}

// Channel is an open, bidirectional transcription stream.
type Channel interface {
	// Send transmits one encoded audio chunk. It does not wait for the
	// service to acknowledge the chunk. Returns [ErrClosed] after Close.
	Send(p audio.Payload) error

	// Events returns the channel of recognition events. It is closed when the
	// remote side closes the stream or after Close.
	Events() <-chan Event

	// Err returns the error that terminated the stream, or nil if it ended
	// normally or is still open.
	Err() error

	// Close ends the stream and releases its resources. Idempotent.
	Close() error
}

// Provider opens transcription channels.
type Provider interface {
	// Connect opens a channel and returns once the service has acknowledged
	// the setup, i.e. the channel is ready to accept audio.
	Connect(ctx context.Context, cfg Config) (Channel, error)
}
