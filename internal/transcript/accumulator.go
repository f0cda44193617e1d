// Package transcript accumulates streamed speech recognition output into the
// running text of a recording session.
//
// Recognition arrives as partial fragments for the turn in progress ("live"
// text), followed by a turn-complete marker that commits the live text to
// the running transcript. [Accumulator] maintains both and can produce a
// snapshot at any moment.
package transcript

import (
	"strings"
	"sync"
)

// TurnSeparator is appended after every committed turn.
const TurnSeparator = " "

// Update is the accumulator state passed to listeners after each change.
type Update struct {
	// Committed is the text of all completed turns, each followed by
	// [TurnSeparator].
	Committed string

	// Live is the text of the turn in progress.
	Live string
}

// Text returns the full transcript, Committed followed by Live.
func (u Update) Text() string { return u.Committed + u.Live }

// Accumulator collects partial and committed transcript text for one
// recording session. All methods are safe for concurrent use; mutations are
// applied in call order.
//
// The zero value is ready to use.
type Accumulator struct {
	mu        sync.Mutex
	committed strings.Builder
	live      strings.Builder
	turns     int
	listener  func(Update)
}

// OnUpdate registers fn to be called after every mutation with the new state.
// fn runs synchronously on the mutating goroutine, outside the lock. Passing
// nil removes the listener.
func (a *Accumulator) OnUpdate(fn func(Update)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = fn
}

// OnPartialText appends a recognized fragment to the live text. Fragments are
// not cumulative: "hel" followed by "lo" yields "hello".
func (a *Accumulator) OnPartialText(text string) {
	a.mu.Lock()
	a.live.WriteString(text)
	u, fn := a.stateLocked(), a.listener
	a.mu.Unlock()
	notify(fn, u)
}

// OnTurnComplete commits the live text, followed by [TurnSeparator], to the
// running transcript and clears the live text. An empty turn still appends
// the separator.
func (a *Accumulator) OnTurnComplete() {
	a.mu.Lock()
	a.committed.WriteString(a.live.String())
	a.committed.WriteString(TurnSeparator)
	a.live.Reset()
	a.turns++
	u, fn := a.stateLocked(), a.listener
	a.mu.Unlock()
	notify(fn, u)
}

// Snapshot returns the committed text followed by the live text.
// Calling it has no side effects.
func (a *Accumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.String() + a.live.String()
}

// Committed returns the text of all completed turns.
func (a *Accumulator) Committed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.String()
}

// Live returns the text of the turn in progress.
func (a *Accumulator) Live() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live.String()
}

// Turns returns the number of completed turns.
func (a *Accumulator) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

// Reset clears both buffers for a new session. The listener is kept but not
// notified; it only hears about text arriving.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed.Reset()
	a.live.Reset()
	a.turns = 0
}

func (a *Accumulator) stateLocked() Update {
	return Update{Committed: a.committed.String(), Live: a.live.String()}
}

func notify(fn func(Update), u Update) {
	if fn != nil {
		fn(u)
	}
}
