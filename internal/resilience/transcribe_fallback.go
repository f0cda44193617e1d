package resilience

import (
	"context"

	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

// TranscribeFallback implements [transcribe.Provider] with failover across
// live transcription backends. Only connecting participates in failover; a
// channel that fails later reports through its own event stream.
type TranscribeFallback struct {
	group *FallbackGroup[transcribe.Provider]
}

var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscribeFallback {
	return &TranscribeFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcription provider.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying group for health reporting.
func (f *TranscribeFallback) Group() *FallbackGroup[transcribe.Provider] { return f.group }

// Connect opens a channel on the first healthy provider.
func (f *TranscribeFallback) Connect(ctx context.Context, cfg transcribe.Config) (transcribe.Channel, error) {
	return ExecuteWithResult(f.group, func(p transcribe.Provider) (transcribe.Channel, error) {
		return p.Connect(ctx, cfg)
	})
}
