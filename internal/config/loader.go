package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcription": {"gemini-live"},
	"llm":           {"genai", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"images":        {"imagen", "openai"},
	"capture":       {"ffmpeg"},
}

// apiKeyEnv lists, per provider name, the environment variables consulted in
// order when an entry has no api_key. Names not listed fall back to API_KEY.
var apiKeyEnv = map[string][]string{
	"gemini-live": {"GEMINI_API_KEY", "API_KEY"},
	"genai":       {"GEMINI_API_KEY", "API_KEY"},
	"gemini":      {"GEMINI_API_KEY", "API_KEY"},
	"imagen":      {"GEMINI_API_KEY", "API_KEY"},
	"openai":      {"OPENAI_API_KEY", "API_KEY"},
	"anthropic":   {"ANTHROPIC_API_KEY", "API_KEY"},
	"deepseek":    {"DEEPSEEK_API_KEY", "API_KEY"},
	"mistral":     {"MISTRAL_API_KEY", "API_KEY"},
	"groq":        {"GROQ_API_KEY", "API_KEY"},
}

// keyless providers run locally and never receive an API key from the
// environment.
var keyless = []string{"ollama", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and API keys
// from the process environment, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty provider API keys from the environment using lookup,
// which has the signature of [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, e := range []*ProviderEntry{
		&cfg.Providers.Transcription,
		&cfg.Providers.LLM,
		&cfg.Providers.LLMFallback,
		&cfg.Providers.Images,
		&cfg.Providers.ImagesFallback,
	} {
		if e.Name == "" || e.APIKey != "" || slices.Contains(keyless, e.Name) {
			continue
		}
		vars, ok := apiKeyEnv[e.Name]
		if !ok {
			vars = []string{"API_KEY"}
		}
		for _, v := range vars {
			if key, ok := lookup(v); ok && key != "" {
				e.APIKey = key
				break
			}
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("transcription", cfg.Providers.Transcription.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("images", cfg.Providers.Images.Name)
	validateProviderName("images", cfg.Providers.ImagesFallback.Name)
	validateProviderName("capture", cfg.Capture.Device)

	// A fallback identical to its primary adds nothing but a second breaker.
	if cfg.Providers.LLMFallback.Configured() && sameProvider(cfg.Providers.LLM, cfg.Providers.LLMFallback) {
		errs = append(errs, errors.New("providers.llm_fallback must differ from providers.llm"))
	}
	if cfg.Providers.ImagesFallback.Configured() && sameProvider(cfg.Providers.Images, cfg.Providers.ImagesFallback) {
		errs = append(errs, errors.New("providers.images_fallback must differ from providers.images"))
	}

	// API keys
	for _, k := range []struct {
		path  string
		entry ProviderEntry
	}{
		{"providers.transcription", cfg.Providers.Transcription},
		{"providers.llm", cfg.Providers.LLM},
		{"providers.images", cfg.Providers.Images},
	} {
		if k.entry.Configured() && k.entry.APIKey == "" && !slices.Contains(keyless, k.entry.Name) {
			slog.Warn("provider has no API key; set api_key or the matching environment variable",
				"provider", k.path,
				"name", k.entry.Name,
			)
		}
	}

	if v, ok := cfg.Providers.Images.Options["aspect_ratio"]; ok {
		if s, isString := v.(string); !isString || s == "" {
			errs = append(errs, fmt.Errorf("providers.images.options.aspect_ratio must be a non-empty string, got %v", v))
		}
	}

	if cfg.Server.MaxRecordings < 0 {
		errs = append(errs, fmt.Errorf("server.max_recordings %d must not be negative", cfg.Server.MaxRecordings))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("capture.buffer_size %d must be positive", cfg.Capture.BufferSize))
	}

	// Analysis
	if cfg.Analysis.MinTranscriptLength < 0 {
		errs = append(errs, fmt.Errorf("analysis.min_transcript_length %d must not be negative", cfg.Analysis.MinTranscriptLength))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0, 1]", r))
	}

	// Journal availability
	if cfg.Journal.PostgresDSN == "" {
		slog.Warn("journal.postgres_dsn is empty; dreams are kept in memory and lost on restart")
	}

	return errors.Join(errs...)
}

func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.Model == b.Model && a.BaseURL == b.BaseURL
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
