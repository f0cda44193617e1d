// Package health serves the liveness and readiness probes.
//
// /healthz always answers 200 with the process uptime. /readyz runs every
// registered [Checker] concurrently and answers with a [Report]:
//
//   - "ok" (200) when every check passes;
//   - "degraded" (200) when only optional checks fail, e.g. live
//     transcription is down but typed dreams can still be analysed;
//   - "fail" (503) when a required check fails.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single check.
const checkTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named probe of one dependency.
type Checker struct {
	// Name labels the check in the report, e.g. "journal".
	Name string

	// Check returns nil when the dependency is usable. It must respect ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

// Available adapts a boolean probe, such as a provider group's circuit
// breakers, into a [Checker] that fails with reason when ok returns false.
func Available(name string, ok func() bool, reason string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ok() {
				return nil
			}
			return errors.New(reason)
		},
	}
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Latency  string `json:"latency"`
}

// Report is the body of every probe response.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz for a fixed set of checkers.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New creates a [Handler] for checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), started: time.Now()}
}

// Check runs every checker concurrently and summarises the results.
func (h *Handler) Check(ctx context.Context) Report {
	var (
		mu     sync.Mutex
		eg     errgroup.Group
		report = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	)
	for _, c := range h.checkers {
		eg.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)

			res := CheckResult{Status: StatusOK, Optional: c.Optional, Latency: time.Since(start).Round(time.Millisecond).String()}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
				switch {
				case !c.Optional:
					report.Status = StatusFail
				case report.Status == StatusOK:
					report.Status = StatusDegraded
				}
			}
			report.Checks[c.Name] = res
			return nil
		})
	}
	_ = eg.Wait()
	return report
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status: StatusOK,
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())
	status := http.StatusOK
	if report.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
