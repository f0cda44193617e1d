// Package mock is a scripted [llm.Provider] for tests.
//
// Configure the answers up front, run the code under test, then inspect the
// recorded calls:
//
//	p := &mock.Provider{
//		CompleteResponse: &llm.CompletionResponse{Content: "A falling dream."},
//		StreamChunks:     []llm.Chunk{{Text: "Falling "}, {Text: "means letting go."}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers every request from its fields. Set them before use; the
// zero value answers with a nil response and a closed stream.
type Provider struct {
	// CompleteFunc, when set, answers Complete instead of CompleteResponse
	// and CompleteErr.
	CompleteFunc     func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// StreamChunks are sent, in order, on every stream. StreamErr fails
	// StreamCompletion before a stream is opened.
	StreamChunks []llm.Chunk
	StreamErr    error

	// StreamGate holds every stream open until it is closed or receives.
	StreamGate <-chan struct{}

	mu            sync.Mutex
	CompleteCalls []Call
	StreamCalls   []Call
}

// Complete records the call and answers it.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// StreamCompletion records the call and streams StreamChunks. The stream
// closes early when ctx ends.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if err := p.StreamErr; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	chunks, gate := append([]llm.Chunk(nil), p.StreamChunks...), p.StreamGate
	p.mu.Unlock()

	out := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(out)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CompleteCallCount reports how often Complete was called.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// StreamCallCount reports how often StreamCompletion was called.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
