package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// newBackends builds a group over named backends sharing one breaker config.
func newBackends(maxFailures int, names ...string) *FallbackGroup[string] {
	cfg := FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour}}
	fg := NewFallbackGroup(names[0], names[0], cfg)
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   []string
		wantTried []string
		wantErr   bool
	}{
		{"primary succeeds", nil, []string{"imagen"}, false},
		{"primary fails", []string{"imagen"}, []string{"imagen", "openai"}, false},
		{"two fail", []string{"imagen", "openai"}, []string{"imagen", "openai", "local"}, false},
		{"all fail", []string{"imagen", "openai", "local"}, []string{"imagen", "openai", "local"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newBackends(3, "imagen", "openai", "local")

			var tried []string
			err := fg.Execute(func(v string) error {
				tried = append(tried, v)
				if slices.Contains(tt.failing, v) {
					return errors.New(v + " unavailable")
				}
				return nil
			})
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried %v, want %v", tried, tt.wantTried)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Errorf("err = %v, want ErrAllFailed", err)
				}
				if err == nil || err.Error() != "all providers failed: local unavailable" {
					t.Errorf("err = %v, want the last backend's error wrapped", err)
				}
			} else if err != nil {
				t.Errorf("Execute() error: %v", err)
			}
		})
	}
}

func TestFallbackGroup_OpenBreakerIsSkipped(t *testing.T) {
	t.Parallel()
	fg := newBackends(2, "gemini-live", "backup")

	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "gemini-live" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.States(); got["gemini-live"] != StateOpen || got["backup"] != StateClosed {
		t.Fatalf("States() = %v, want gemini-live open and backup closed", got)
	}
	if !fg.Available() {
		t.Error("Available() = false with a closed fallback")
	}
	if fg.Primary() != "gemini-live" {
		t.Errorf("Primary() = %q", fg.Primary())
	}

	var tried []string
	if err := fg.Execute(func(v string) error { tried = append(tried, v); return nil }); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !slices.Equal(tried, []string{"backup"}) {
		t.Errorf("tried %v, want only backup", tried)
	}
}

func TestFallbackGroup_AllOpen(t *testing.T) {
	t.Parallel()
	fg := newBackends(1, "a", "b")

	_ = fg.Execute(func(string) error { return errTest })
	if fg.Available() {
		t.Fatal("Available() = true with every breaker open")
	}

	called := false
	err := fg.Execute(func(string) error { called = true; return nil })
	if called {
		t.Error("fn called although every breaker is open")
	}
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
}

func TestFallbackGroup_DeadlineStopsWalk(t *testing.T) {
	t.Parallel()
	fg := newBackends(3, "a", "b")

	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want bare DeadlineExceeded", err)
	}
	if !slices.Equal(tried, []string{"a"}) {
		t.Errorf("tried %v, want only a", tried)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(16000, "wideband", FallbackConfig{})
	fg.AddFallback("narrowband", 8000)

	got, err := ExecuteWithResult(fg, func(rate int) (string, error) {
		if rate > 8000 {
			return "", errTest
		}
		return "8 kHz", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() error: %v", err)
	}
	if got != "8 kHz" {
		t.Errorf("result = %q, want 8 kHz", got)
	}
}

func TestFallbackGroup_OnFailover(t *testing.T) {
	t.Parallel()

	var served [][2]string
	fg := NewFallbackGroup("imagen", "imagen", FallbackConfig{
		OnFailover: func(primary, servedBy string) { served = append(served, [2]string{primary, servedBy}) },
	})
	fg.AddFallback("openai", "openai")

	if got := fg.Names(); !slices.Equal(got, []string{"imagen", "openai"}) {
		t.Errorf("Names() = %v", got)
	}

	_ = fg.Execute(func(string) error { return nil })
	if len(served) != 0 {
		t.Fatalf("failover reported for a primary success: %v", served)
	}
	_ = fg.Execute(func(v string) error {
		if v == "imagen" {
			return errTest
		}
		return nil
	})
	if want := [][2]string{{"imagen", "openai"}}; !slices.Equal(served, want) {
		t.Errorf("failovers = %v, want %v", served, want)
	}
}
