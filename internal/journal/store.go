// Package journal persists analysed dreams together with their follow-up
// conversations.
//
// Two implementations ship with Lucid Weaver: [MemStore] keeps everything in
// process memory and is the default; the postgres sub-package stores entries
// in PostgreSQL for deployments that want the journal to survive restarts.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/lucidweaver/internal/dream"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
)

// DefaultListLimit is used by List when limit is not positive.
const DefaultListLimit = 50

// ErrNotFound is returned when the requested entry does not exist.
var ErrNotFound = errors.New("journal: entry not found")

// ErrDuplicateID is returned by Save when an entry with the same ID exists.
var ErrDuplicateID = errors.New("journal: entry with that ID already exists")

// Message is one line of a follow-up conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is one analysed dream.
type Entry struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Transcription  string    `json:"transcription"`
	Interpretation string    `json:"interpretation"`
	ImagePrompt    string    `json:"image_prompt,omitempty"`
	ImageMIME      string    `json:"image_mime,omitempty"`
	Image          []byte    `json:"-"`
	Messages       []Message `json:"messages"`
}

// NewEntry builds an unsaved entry from an analysis.
func NewEntry(a *dream.Analysis) Entry {
	return Entry{
		Transcription:  a.Transcription,
		Interpretation: a.Interpretation,
		ImagePrompt:    a.ImagePrompt,
		ImageMIME:      a.Image.MIMEType,
		Image:          a.Image.Data,
	}
}

// ChatHistory converts the stored conversation into LLM messages.
func (e Entry) ChatHistory() []llm.Message {
	out := make([]llm.Message, 0, len(e.Messages))
	for _, m := range e.Messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Store persists journal entries. All implementations must be safe for
// concurrent use.
type Store interface {
	// Save stores a new entry. An empty ID is replaced by a generated one and
	// a zero CreatedAt by the current time. The stored entry is returned.
	// Returns [ErrDuplicateID] if the ID is taken.
	Save(ctx context.Context, e Entry) (Entry, error)

	// Get returns the entry with its image and messages.
	// Returns [ErrNotFound] when no entry with that ID exists.
	Get(ctx context.Context, id string) (Entry, error)

	// List returns up to limit entries, newest first. Listed entries carry
	// neither image bytes nor messages.
	List(ctx context.Context, limit int) ([]Entry, error)

	// AppendMessages adds messages to the conversation of entry id.
	// Returns [ErrNotFound] when no entry with that ID exists.
	AppendMessages(ctx context.Context, id string, msgs ...Message) error
}
