package transcript_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/lucidweaver/internal/transcript"
)

func TestAccumulator_ReferenceSequence(t *testing.T) {
	t.Parallel()

	var a transcript.Accumulator
	a.OnPartialText("hello ")
	a.OnPartialText("world")
	if got := a.Live(); got != "hello world" {
		t.Fatalf("Live = %q, want %q", got, "hello world")
	}
	a.OnTurnComplete()
	if got := a.Committed(); got != "hello world " {
		t.Fatalf("Committed = %q, want %q", got, "hello world ")
	}
	if got := a.Live(); got != "" {
		t.Fatalf("Live after turn = %q, want empty", got)
	}
	a.OnPartialText("again")
	if got, want := a.Snapshot(), "hello world again"; got != want {
		t.Fatalf("Snapshot = %q, want %q", got, want)
	}
	if a.Turns() != 1 {
		t.Errorf("Turns = %d, want 1", a.Turns())
	}
}

func TestAccumulator_SnapshotIsCommittedPlusLive(t *testing.T) {
	t.Parallel()

	steps := []func(*transcript.Accumulator){
		func(a *transcript.Accumulator) { a.OnPartialText("a") },
		func(a *transcript.Accumulator) { a.OnTurnComplete() },
		func(a *transcript.Accumulator) { a.OnPartialText("b") },
		func(a *transcript.Accumulator) { a.OnPartialText("c") },
		func(a *transcript.Accumulator) { a.OnTurnComplete() },
		func(a *transcript.Accumulator) { a.OnTurnComplete() },
		func(a *transcript.Accumulator) { a.OnPartialText("d") },
	}
	var a transcript.Accumulator
	for i, step := range steps {
		step(&a)
		if got, want := a.Snapshot(), a.Committed()+a.Live(); got != want {
			t.Fatalf("step %d: Snapshot = %q, want %q", i, got, want)
		}
	}
	if got, want := a.Snapshot(), "a bc  d"; got != want {
		t.Errorf("final Snapshot = %q, want %q", got, want)
	}
}

func TestAccumulator_EmptyTurnsAppendSeparator(t *testing.T) {
	t.Parallel()

	var a transcript.Accumulator
	for range 3 {
		a.OnTurnComplete()
	}
	if got := a.Snapshot(); got != "   " {
		t.Errorf("Snapshot = %q, want three spaces", got)
	}
}

func TestAccumulator_SnapshotHasNoSideEffects(t *testing.T) {
	t.Parallel()

	var a transcript.Accumulator
	a.OnPartialText("x")
	first := a.Snapshot()
	second := a.Snapshot()
	if first != second || a.Live() != "x" || a.Committed() != "" {
		t.Errorf("Snapshot mutated state: %q %q live=%q committed=%q", first, second, a.Live(), a.Committed())
	}
}

func TestAccumulator_Reset(t *testing.T) {
	t.Parallel()

	var (
		a       transcript.Accumulator
		updates int
	)
	a.OnUpdate(func(transcript.Update) { updates++ })
	a.OnPartialText("old")
	a.OnTurnComplete()
	a.OnPartialText("stuff")
	a.Reset()
	if got := a.Snapshot(); got != "" {
		t.Fatalf("Snapshot after Reset = %q, want empty", got)
	}
	if a.Turns() != 0 {
		t.Errorf("Turns after Reset = %d, want 0", a.Turns())
	}
	if updates != 3 {
		t.Errorf("listener called %d times, want 3: Reset must not notify", updates)
	}
}

func TestAccumulator_OnUpdate(t *testing.T) {
	t.Parallel()

	var (
		a       transcript.Accumulator
		updates []transcript.Update
	)
	a.OnUpdate(func(u transcript.Update) { updates = append(updates, u) })
	a.OnPartialText("hi")
	a.OnTurnComplete()
	a.OnPartialText("there")

	want := []transcript.Update{
		{Committed: "", Live: "hi"},
		{Committed: "hi ", Live: ""},
		{Committed: "hi ", Live: "there"},
	}
	if len(updates) != len(want) {
		t.Fatalf("got %d updates, want %d", len(updates), len(want))
	}
	for i := range want {
		if updates[i] != want[i] {
			t.Errorf("update %d = %+v, want %+v", i, updates[i], want[i])
		}
	}
	if got := updates[2].Text(); got != "hi there" {
		t.Errorf("Text() = %q, want %q", got, "hi there")
	}

	a.OnUpdate(nil)
	a.OnPartialText("!")
	if len(updates) != len(want) {
		t.Error("listener called after removal")
	}
}

func TestAccumulator_ConcurrentUse(t *testing.T) {
	t.Parallel()

	var (
		a  transcript.Accumulator
		wg sync.WaitGroup
	)
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				a.OnPartialText("x")
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = a.Snapshot()
			}
		}()
	}
	wg.Wait()
	if got := len(a.Live()); got != 800 {
		t.Errorf("Live length = %d, want 800", got)
	}
}
