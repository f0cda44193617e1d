// Package app wires all Lucid Weaver subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, Record runs a single
// console recording against the local microphone, and Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithJournal,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/lucidweaver/internal/config"
	"github.com/MrWong99/lucidweaver/internal/dream"
	"github.com/MrWong99/lucidweaver/internal/health"
	"github.com/MrWong99/lucidweaver/internal/journal"
	"github.com/MrWong99/lucidweaver/internal/journal/postgres"
	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/internal/server"
	"github.com/MrWong99/lucidweaver/pkg/capture"
	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Transcription     transcribe.Provider
	TranscriptionName string

	LLM     llm.Provider
	LLMName string

	Images     imagegen.Provider
	ImagesName string

	// Capture is the local microphone used by [App.Record].
	Capture capture.Device

	// Checks report provider availability on /readyz.
	Checks []health.Checker
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	journal  journal.Store
	analyzer *dream.Analyzer
	server   *server.Server
	checks   []health.Checker
	health   *health.Handler

	metricsHandler http.Handler

	mu         sync.Mutex
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects a journal store instead of creating one from config.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.journal = s }
}

// WithMetrics injects the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: journal connection and
// migration, analyzer construction and HTTP route assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Analyzer ──────────────────────────────────────────────────────
	if err := a.initAnalyzer(); err != nil {
		return nil, fmt.Errorf("app: init analyzer: %w", err)
	}

	// ── 3. HTTP routes ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initJournal connects to PostgreSQL when a DSN is configured and falls back
// to an in-memory journal otherwise.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil {
		return nil
	}

	dsn := a.cfg.Journal.PostgresDSN
	if dsn == "" {
		a.journal = journal.NewMemStore()
		slog.Info("journal: using in-memory store")
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.journal = store
	a.checks = append(a.checks, health.Checker{Name: "journal", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("journal: connected to postgres")
	return nil
}

func (a *App) initAnalyzer() error {
	if a.providers.LLM == nil {
		return errors.New("llm provider is required")
	}
	if a.providers.Images == nil {
		return errors.New("image provider is required")
	}
	analyzer, err := dream.NewAnalyzer(a.providers.LLM, a.providers.Images,
		dream.WithMetrics(a.metrics),
		dream.WithProviderNames(a.providers.LLMName, a.providers.ImagesName),
		dream.WithAspectRatio(a.cfg.Providers.Images.StringOption("aspect_ratio", imagegen.DefaultAspectRatio)),
		dream.WithMinTranscriptLength(a.cfg.Analysis.MinTranscriptLength),
	)
	if err != nil {
		return err
	}
	a.analyzer = analyzer
	return nil
}

func (a *App) initServer() error {
	a.health = health.New(slices.Concat(a.checks, a.providers.Checks)...)
	srv, err := server.New(server.Config{
		Analyzer:           a.analyzer,
		Journal:            a.journal,
		Transcription:      a.providers.Transcription,
		TranscriptionName:  a.providers.TranscriptionName,
		TranscriptionModel: a.cfg.Providers.Transcription.Model,
		Constraints:        a.constraints(),
		Health:             a.health,
		Metrics:            a.metrics,
		MetricsHandler:     a.metricsHandler,
		AllowedOrigins:     a.cfg.Server.AllowedOrigins,
		MaxRecordings:      a.cfg.Server.MaxRecordings,
	})
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// constraints converts the capture config into device constraints.
func (a *App) constraints() capture.Constraints {
	c := capture.DefaultConstraints()
	if a.cfg.Capture.SampleRate > 0 {
		c.SampleRate = a.cfg.Capture.SampleRate
	}
	if a.cfg.Capture.BufferSize > 0 {
		c.BufferSize = a.cfg.Capture.BufferSize
	}
	return c
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Journal returns the journal store in use.
func (a *App) Journal() journal.Store { return a.journal }

// Analyzer returns the dream analyzer.
func (a *App) Analyzer() *dream.Analyzer { return a.analyzer }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves HTTP until ctx is
// cancelled, then returns ctx.Err(). A listener failure is returned
// immediately.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Ready runs the readiness checks once.
func (a *App) Ready(ctx context.Context) health.Report { return a.health.Check(ctx) }

// Serve serves HTTP on ln until ctx is cancelled. Shutdown stops the server.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if r := a.Ready(ctx); r.Status != health.StatusOK {
		slog.Warn("serving while not fully ready", "status", r.Status, "checks", r.Checks)
	}

	hs := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.httpServer = hs
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		errCh <- hs.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: active recordings first, then
// the HTTP server, then the journal. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "recordings", a.server.Sessions().Count(), "closers", len(a.closers))

		// Recordings first so their clients hear about it.
		_ = a.server.Close()

		a.mu.Lock()
		hs := a.httpServer
		a.mu.Unlock()
		if hs != nil {
			if err := hs.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = err
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
