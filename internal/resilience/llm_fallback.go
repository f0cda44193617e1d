package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
)

// ErrEmptyCompletion is recorded against a text backend that answered with
// nothing but whitespace.
var ErrEmptyCompletion = errors.New("resilience: empty completion")

// LLMFallback implements [llm.Provider] with failover across text backends.
//
// Beyond connection errors it fails over on two answers a dream analysis
// cannot use: a blank completion, and a stream whose very first chunk is an
// error. Once a stream has delivered text it is committed to its provider.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional text provider.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying group for health reporting.
func (f *LLMFallback) Group() *FallbackGroup[llm.Provider] { return f.group }

// Complete returns the first non-blank completion.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return nil, ErrEmptyCompletion
		}
		return resp, nil
	})
}

// StreamCompletion opens a stream on the first provider whose stream starts
// with something other than an error chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		first, ok := <-ch
		if !ok {
			return closedStream(), nil
		}
		if err := first.Err(); err != nil {
			go drain(ch)
			return nil, err
		}
		return prepend(ctx, first, ch), nil
	})
}

// prepend re-emits first ahead of the rest of ch.
func prepend(ctx context.Context, first llm.Chunk, ch <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		next := first
		for {
			select {
			case out <- next:
			case <-ctx.Done():
				drain(ch)
				return
			}
			var ok bool
			if next, ok = <-ch; !ok {
				return
			}
		}
	}()
	return out
}

func closedStream() <-chan llm.Chunk {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch
}

// drain discards the rest of a stream so its producer can exit.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
