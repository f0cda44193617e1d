// Command lucidweaver records dreams, transcribes them live, and turns them
// into an image and an interpretation.
//
// Usage:
//
//	lucidweaver [-config config.yaml] [-env .env] serve
//	lucidweaver [-config config.yaml] [-env .env] record
//
// serve runs the HTTP and WebSocket API; record captures one dream from the
// local microphone in the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/lucidweaver/internal/app"
	"github.com/MrWong99/lucidweaver/internal/config"
	"github.com/MrWong99/lucidweaver/internal/health"
	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/internal/resilience"
	"github.com/MrWong99/lucidweaver/pkg/capture"
	"github.com/MrWong99/lucidweaver/pkg/capture/ffmpeg"
	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen/imagen"
	oaimage "github.com/MrWong99/lucidweaver/pkg/provider/imagegen/openai"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm/anyllm"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm/genai"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with API keys")
	imageDir := flag.String("images", ".", "directory for images saved by the record command")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: lucidweaver [flags] serve|record\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}
	if cmd != "serve" && cmd != "record" {
		flag.Usage()
		return 2
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "lucidweaver: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lucidweaver: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("lucidweaver starting",
		"command", cmd,
		"config", *configPath,
		"version", version,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serviceVersion := cfg.Telemetry.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = version
	}
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: serviceVersion,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if cmd == "record" {
		return runRecord(ctx, application, *imageDir)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if _, statErr := os.Stat(*configPath); statErr == nil {
		w, err := config.NewWatcher(ctx, *configPath)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go applyReloads(w.Reloads(), level)
		}
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReloads applies hot-reloadable changes and reports the rest until
// reloads is closed.
func applyReloads(reloads <-chan config.Reload, level *slog.LevelVar) {
	for r := range reloads {
		if r.Diff.LogLevelChanged {
			level.Set(r.Diff.NewLogLevel.Level())
			slog.Info("log level changed", "level", r.Diff.NewLogLevel)
		}
		if len(r.Diff.RestartRequired) > 0 {
			slog.Warn("config changed; restart to apply", "sections", r.Diff.RestartRequired)
		}
	}
}

// loadConfig reads path, or starts from defaults and the environment when the
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return cfg, err
}

func runRecord(ctx context.Context, application *app.App, imageDir string) int {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()
	err := application.Record(ctx, app.ConsoleConfig{In: os.Stdin, Out: os.Stdout, ImageDir: imageDir})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, app.ErrNoMicrophone):
		fmt.Fprintln(os.Stderr, "lucidweaver:", err)
		return 1
	default:
		slog.Debug("record failed", "err", err)
		return 1
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config entry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transcription ─────────────────────────────────────────────────────────
	reg.RegisterTranscription("gemini-live", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("genai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []genai.Option
		if entry.Model != "" {
			opts = append(opts, genai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		return genai.New(context.Background(), entry.APIKey, opts...)
	})

	// The any-llm backends share the same pattern: optional APIKey and
	// optional BaseURL. Local servers such as ollama only use BaseURL.
	for _, providerName := range anyllm.Backends() {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Images ────────────────────────────────────────────────────────────────
	reg.RegisterImages("imagen", func(entry config.ProviderEntry) (imagegen.Provider, error) {
		var opts []imagen.Option
		if entry.Model != "" {
			opts = append(opts, imagen.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, imagen.WithBaseURL(entry.BaseURL))
		}
		return imagen.New(context.Background(), entry.APIKey, opts...)
	})

	reg.RegisterImages("openai", func(entry config.ProviderEntry) (imagegen.Provider, error) {
		var opts []oaimage.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaimage.WithBaseURL(entry.BaseURL))
		}
		return oaimage.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Capture ───────────────────────────────────────────────────────────────
	reg.RegisterCapture("ffmpeg", func(c config.CaptureConfig) (capture.Device, error) {
		var opts []ffmpeg.Option
		if c.Binary != "" {
			opts = append(opts, ffmpeg.WithBinary(c.Binary))
		}
		if c.Format != "" {
			opts = append(opts, ffmpeg.WithInputFormat(c.Format))
		}
		if c.Input != "" {
			opts = append(opts, ffmpeg.WithInput(c.Input))
		}
		return ffmpeg.New(opts...), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// breakerConfig returns the per-provider circuit breaker settings. Breaker
// transitions and failovers are exported as metrics.
func breakerConfig(metrics *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
		OnFailover: func(primary, servedBy string) {
			metrics.RecordFailover(context.Background(), primary, servedBy)
		},
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Each remote provider is wrapped in a fallback group so that its
// circuit breaker state is reported on /readyz.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	fb := breakerConfig(metrics)

	// ── Transcription ─────────────────────────────────────────────────────────
	if entry := cfg.Providers.Transcription; entry.Configured() {
		p, err := reg.CreateTranscription(entry)
		if err != nil {
			return nil, fmt.Errorf("create transcription provider %q: %w", entry.Name, err)
		}
		group := resilience.NewTranscribeFallback(p, entry.Name, fb)
		ps.Transcription = group
		ps.TranscriptionName = entry.Name
		// Typed dreams still work without live transcription.
		check := health.Available("transcription", group.Group().Available, "all transcription providers unavailable")
		check.Optional = true
		ps.Checks = append(ps.Checks, check)
		slog.Info("provider created", "kind", "transcription", "name", entry.Name)
	}

	// ── LLM ───────────────────────────────────────────────────────────────────
	if entry := cfg.Providers.LLM; entry.Configured() {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		group := resilience.NewLLMFallback(p, entry.Name, fb)
		if fbEntry := cfg.Providers.LLMFallback; fbEntry.Configured() {
			fp, err := reg.CreateLLM(fbEntry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", fbEntry.Name, err)
			}
			group.AddFallback(fbEntry.Name+"-fallback", fp)
			slog.Info("provider created", "kind", "llm_fallback", "name", fbEntry.Name)
		}
		ps.LLM = group
		ps.LLMName = entry.Name
		ps.Checks = append(ps.Checks, health.Available("llm", group.Group().Available, "all llm providers unavailable"))
		slog.Info("provider created", "kind", "llm", "name", entry.Name)
	}

	// ── Images ────────────────────────────────────────────────────────────────
	if entry := cfg.Providers.Images; entry.Configured() {
		p, err := reg.CreateImages(entry)
		if err != nil {
			return nil, fmt.Errorf("create image provider %q: %w", entry.Name, err)
		}
		group := resilience.NewImageFallback(p, entry.Name, fb)
		if fbEntry := cfg.Providers.ImagesFallback; fbEntry.Configured() {
			fp, err := reg.CreateImages(fbEntry)
			if err != nil {
				return nil, fmt.Errorf("create image fallback %q: %w", fbEntry.Name, err)
			}
			group.AddFallback(fbEntry.Name+"-fallback", fp)
			slog.Info("provider created", "kind", "images_fallback", "name", fbEntry.Name)
		}
		ps.Images = group
		ps.ImagesName = entry.Name
		ps.Checks = append(ps.Checks, health.Available("images", group.Group().Available, "all image providers unavailable"))
		slog.Info("provider created", "kind", "images", "name", entry.Name)
	}

	// ── Capture ───────────────────────────────────────────────────────────────
	if name := cfg.Capture.Device; name != "" {
		d, err := reg.CreateCapture(cfg.Capture)
		if err != nil {
			return nil, fmt.Errorf("create capture device %q: %w", name, err)
		}
		ps.Capture = d
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Lucid Weaver startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Transcription", cfg.Providers.Transcription.Name, cfg.Providers.Transcription.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("LLM fallback", cfg.Providers.LLMFallback.Name, cfg.Providers.LLMFallback.Model)
	printProvider("Images", cfg.Providers.Images.Name, cfg.Providers.Images.Model)
	printProvider("Img fallback", cfg.Providers.ImagesFallback.Name, cfg.Providers.ImagesFallback.Model)
	journal := "memory"
	if cfg.Journal.PostgresDSN != "" {
		journal = "postgres"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", "Journal", journal)
	fmt.Printf("║  %-13s   : %-19d ║\n", "Recordings", cfg.Server.MaxRecordings)
	fmt.Printf("║  %-13s   : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", kind, value)
}
