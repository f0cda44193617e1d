package recorder

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of a [Recorder].
type State int

const (
	// StateIdle means no session exists. Start is accepted.
	StateIdle State = iota

	// StateStarting means microphone access and the transcription channel
	// are being acquired.
	StateStarting

	// StateActive means audio is streaming and transcripts are accumulating.
	StateActive

	// StateStopping means teardown is in progress.
	StateStopping

	// StateFailed is entered briefly when Start fails, before returning to
	// StateIdle.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotIdle is returned by Start when a session is already starting,
	// active, or stopping.
	ErrNotIdle = errors.New("recorder: a recording session is already in progress")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("recorder: closed")
)

// ChannelError reports a failure of the remote transcription channel. When
// it occurs while a session is active it is reported through Hooks.OnError
// and the session keeps running.
type ChannelError struct {
	// Op is the channel operation that failed: "connect", "stream" or "close".
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("transcription channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
