// Package anyllm provides an LLM provider backed by
// github.com/mozilla-ai/any-llm-go, which speaks to OpenAI, Anthropic,
// Gemini, DeepSeek, Mistral, Groq and local servers (Ollama, llama.cpp,
// llamafile) through one interface.
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "", anyllmlib.WithAPIKey("sk-ant-..."))
//
// An empty model selects the backend's [DefaultModel].
package anyllm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
)

// backend describes one any-llm-go provider.
type backend struct {
	create func(...anyllmlib.Option) (anyllmlib.Provider, error)

	// model is used when the caller names none. Empty means the caller
	// must choose.
	model string
}

// backends maps the configuration name of each supported backend to its
// constructor.
var backends = map[string]backend{
	"openai":    {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) }, "gpt-4o-mini"},
	"anthropic": {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) }, "claude-3-5-haiku-latest"},
	"gemini":    {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) }, "gemini-2.5-flash"},
	"deepseek":  {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) }, "deepseek-chat"},
	"mistral":   {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) }, "mistral-small-latest"},
	"groq":      {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) }, "llama-3.3-70b-versatile"},
	"ollama":    {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) }, "llama3.2"},
	"llamacpp":  {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) }, ""},
	"llamafile": {func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) }, ""},
}

// Backends returns the supported backend names in sorted order.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// DefaultModel returns the model used for name when none is configured, or
// "" when the backend has no sensible default.
func DefaultModel(name string) string {
	return backends[strings.ToLower(name)].model
}

var _ llm.Provider = (*Provider)(nil)

// Provider implements [llm.Provider] on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New creates a Provider for the named backend (see [Backends]). opts are
// any-llm-go options such as anyllmlib.WithAPIKey; without a key, hosted
// backends read their usual environment variable (OPENAI_API_KEY, ...).
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("anyllm: backend name must not be empty")
	}
	b, ok := backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", name, strings.Join(Backends(), ", "))
	}
	if model == "" {
		model = b.model
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: backend %q needs a model", name)
	}

	be, err := b.create(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", name, err)
	}
	return &Provider{backend: be, name: strings.ToLower(name), model: model}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// Model returns the model name requests are sent to.
func (p *Provider) Model() string { return p.model }

// StreamCompletion implements [llm.Provider]. A backend failure after the
// stream started arrives as a final error chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			if !send(llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}) {
				return
			}
		}
		if err := <-errs; err != nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()
	return ch, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: response has no choices", p.name)
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// params converts req, sending the system prompt as the leading message.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}
