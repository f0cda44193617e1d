// Package dream turns a finished dream transcript into an illustrated,
// interpreted result and hosts the follow-up conversation about it.
//
// An [Analyzer] runs two independent generations concurrently: a surrealist
// image (via an intermediate image prompt) and a Jungian-style Markdown
// interpretation. Both must succeed for an [Analysis] to be returned.
package dream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
	"github.com/MrWong99/lucidweaver/pkg/provider/llm"
)

// DefaultMinTranscriptLength is the shortest trimmed transcript accepted for
// analysis.
const DefaultMinTranscriptLength = 10

var (
	// ErrTranscriptTooShort is returned when a recording produced too little
	// text to analyse.
	ErrTranscriptTooShort = errors.New("dream recording is too short")

	// ErrNoImage is returned when the image model produced no picture.
	ErrNoImage = errors.New("dream: no image generated")
)

// ValidateTranscript checks that text holds at least min characters once
// surrounding whitespace is removed. A non-positive min uses
// [DefaultMinTranscriptLength].
func ValidateTranscript(text string, min int) error {
	if min <= 0 {
		min = DefaultMinTranscriptLength
	}
	if len([]rune(strings.TrimSpace(text))) < min {
		return ErrTranscriptTooShort
	}
	return nil
}

// Analysis stages reported by [StageError].
const (
	StageImage          = "generate image"
	StageInterpretation = "interpret"
)

// StageError reports which half of an analysis failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return "dream: " + e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Analysis is the combined result for one dream.
type Analysis struct {
	Transcription  string
	ImagePrompt    string
	Image          imagegen.Image
	Interpretation string
}

// ─────────────────────────────────────────────────────────────────────────────
// Analyzer
// ─────────────────────────────────────────────────────────────────────────────

// Analyzer generates dream analyses and chat sessions from a text model and
// an image model. It is safe for concurrent use.
type Analyzer struct {
	llm         llm.Provider
	images      imagegen.Provider
	metrics     *observe.Metrics
	llmName     string
	imageName   string
	aspectRatio string
	minLength   int
}

// Option is a functional option for [NewAnalyzer].
type Option func(*Analyzer)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// WithProviderNames sets the provider labels used in metrics and logs.
func WithProviderNames(llmName, imageName string) Option {
	return func(a *Analyzer) {
		a.llmName = llmName
		a.imageName = imageName
	}
}

// WithAspectRatio overrides the image aspect ratio (default "3:4").
func WithAspectRatio(ratio string) Option {
	return func(a *Analyzer) { a.aspectRatio = ratio }
}

// WithMinTranscriptLength overrides [DefaultMinTranscriptLength].
func WithMinTranscriptLength(n int) Option {
	return func(a *Analyzer) { a.minLength = n }
}

// NewAnalyzer creates an Analyzer. Both providers are required.
func NewAnalyzer(text llm.Provider, images imagegen.Provider, opts ...Option) (*Analyzer, error) {
	if text == nil {
		return nil, errors.New("dream: llm provider is required")
	}
	if images == nil {
		return nil, errors.New("dream: image provider is required")
	}
	a := &Analyzer{
		llm:         text,
		images:      images,
		llmName:     "llm",
		imageName:   "images",
		aspectRatio: imagegen.DefaultAspectRatio,
		minLength:   DefaultMinTranscriptLength,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// MinTranscriptLength returns the configured minimum transcript length.
func (a *Analyzer) MinTranscriptLength() int { return a.minLength }

// Analyze validates transcript and generates the image and the
// interpretation concurrently. The first failure cancels the other
// generation and is returned.
func (a *Analyzer) Analyze(ctx context.Context, transcript string) (*Analysis, error) {
	if err := ValidateTranscript(transcript, a.minLength); err != nil {
		return nil, err
	}
	ctx, span := observe.StartSpan(ctx, "dream.analyze")
	defer span.End()

	start := time.Now()
	result := &Analysis{Transcription: transcript}

	eg, egCtx := errgroup.WithContext(ctx)

	// ── image ────────────────────────────────────────────────────────────────
	eg.Go(func() error {
		prompt, img, err := a.generateImage(egCtx, transcript)
		if err != nil {
			return &StageError{Stage: StageImage, Err: err}
		}
		result.ImagePrompt = prompt
		result.Image = *img
		return nil
	})

	// ── interpretation ───────────────────────────────────────────────────────
	eg.Go(func() error {
		text, err := a.interpret(egCtx, transcript)
		if err != nil {
			return &StageError{Stage: StageInterpretation, Err: err}
		}
		result.Interpretation = text
		return nil
	})

	if err := eg.Wait(); err != nil {
		observe.Fail(span, err)
		observe.Logger(ctx).Warn("dream analysis failed", "err", err, "elapsed", time.Since(start))
		return nil, err
	}
	a.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())
	observe.Logger(ctx).Info("dream analysed",
		"transcript_chars", len(transcript),
		"image_bytes", len(result.Image.Data),
		"elapsed", time.Since(start),
	)
	return result, nil
}

func (a *Analyzer) generateImage(ctx context.Context, transcript string) (string, *imagegen.Image, error) {
	prompt, err := a.complete(ctx, "image_prompt", llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: imagePromptRequest(transcript)}},
	})
	if err != nil {
		return "", nil, fmt.Errorf("image prompt: %w", err)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", nil, errors.New("image prompt: empty response")
	}

	start := time.Now()
	img, err := a.images.Generate(ctx, imagegen.Request{
		Prompt:      prompt,
		AspectRatio: a.aspectRatio,
		MIMEType:    imagegen.DefaultMIMEType,
	})
	a.metrics.ImageDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordProviderRequest(ctx, a.imageName, "image", "error")
		a.metrics.RecordProviderError(ctx, a.imageName, "image")
		if errors.Is(err, imagegen.ErrNoImage) {
			return "", nil, fmt.Errorf("%w: %w", ErrNoImage, err)
		}
		return "", nil, err
	}
	a.metrics.RecordProviderRequest(ctx, a.imageName, "image", "ok")
	if img == nil || len(img.Data) == 0 {
		return "", nil, ErrNoImage
	}
	return prompt, img, nil
}

func (a *Analyzer) interpret(ctx context.Context, transcript string) (string, error) {
	text, err := a.complete(ctx, "interpretation", llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: interpretationRequest(transcript)}},
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}

// complete runs one non-streaming LLM call with metrics.
func (a *Analyzer) complete(ctx context.Context, task string, req llm.CompletionRequest) (string, error) {
	start := time.Now()
	resp, err := a.llm.Complete(ctx, req)
	a.metrics.RecordLLM(ctx, task, time.Since(start))
	if err != nil {
		a.metrics.RecordProviderRequest(ctx, a.llmName, "llm", "error")
		a.metrics.RecordProviderError(ctx, a.llmName, "llm")
		return "", err
	}
	a.metrics.RecordProviderRequest(ctx, a.llmName, "llm", "ok")
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}
