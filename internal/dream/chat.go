package dream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
)

var (
	// ErrEmptyMessage is returned by [Chat.Send] for blank input.
	ErrEmptyMessage = errors.New("dream: chat message is empty")

	// ErrBusy is returned by [Chat.Send] while a previous reply is streaming.
	ErrBusy = errors.New("dream: chat reply in progress")
)

// Chat is a follow-up conversation grounded in one dream. Only one message
// may be in flight at a time. Safe for concurrent use.
type Chat struct {
	llm     llm.Provider
	metrics *observe.Metrics
	system  string

	mu      sync.Mutex
	history []llm.Message
	busy    bool
}

// NewChat starts a conversation about transcript. history seeds previously
// exchanged messages, e.g. when resuming a saved journal entry.
func (a *Analyzer) NewChat(transcript string, history ...llm.Message) *Chat {
	return &Chat{
		llm:     a.llm,
		metrics: a.metrics,
		system:  chatSystemPrompt(transcript),
		history: slices.Clone(history),
	}
}

// History returns a copy of the completed exchanges so far.
func (c *Chat) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Send submits message and streams the reply. The returned channel is closed
// when the reply ends. The exchange is added to the history only when the
// stream finishes without an error chunk and ctx was not cancelled.
func (c *Chat) Send(ctx context.Context, message string) (<-chan llm.Chunk, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.busy = true
	user := llm.Message{Role: llm.RoleUser, Content: message}
	msgs := append(slices.Clone(c.history), user)
	c.mu.Unlock()

	c.metrics.ChatMessages.Add(ctx, 1)
	start := time.Now()
	src, err := c.llm.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: c.system,
		Messages:     msgs,
	})
	if err != nil {
		c.finish(nil)
		return nil, fmt.Errorf("dream: chat: %w", err)
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)

		var (
			reply  strings.Builder
			failed bool
		)
		for chunk := range src {
			if chunk.FinishReason == llm.FinishReasonError {
				failed = true
			} else {
				reply.WriteString(chunk.Text)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Keep draining so the provider can shut its stream down.
			}
		}
		c.metrics.RecordLLM(context.WithoutCancel(ctx), "chat", time.Since(start))

		if failed || ctx.Err() != nil {
			c.finish(nil)
			return
		}
		c.finish([]llm.Message{user, {Role: llm.RoleAssistant, Content: reply.String()}})
	}()
	return out, nil
}

func (c *Chat) finish(exchange []llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, exchange...)
	c.busy = false
}

// Collect drains a reply stream into a single string. A mid-stream failure
// is returned as an error alongside the text received so far.
func Collect(ch <-chan llm.Chunk) (string, error) {
	var (
		sb  strings.Builder
		err error
	)
	for chunk := range ch {
		if e := chunk.Err(); e != nil {
			err = e
			continue
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), err
}
