// Package openai implements [imagegen.Provider] with the OpenAI Images API.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
)

// DefaultModel is the OpenAI image model used when none is configured.
const DefaultModel = "gpt-image-1"

var _ imagegen.Provider = (*Provider)(nil)

// Provider generates images with the OpenAI Images API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai images: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Generate implements imagegen.Provider.
func (p *Provider) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error) {
	req = req.WithDefaults()
	params, mime := p.buildParams(req)

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai images: generate: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, imagegen.ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai images: decode image: %w", err)
	}
	return &imagegen.Image{Data: data, MIMEType: mime}, nil
}

// buildParams maps a request onto the API parameters. GPT image models always
// return base64 and accept an output format; DALL·E needs response_format
// instead and only produces PNG.
func (p *Provider) buildParams(req imagegen.Request) (oai.ImageGenerateParams, string) {
	params := oai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  oai.ImageModel(p.model),
		N:      param.NewOpt[int64](1),
		Size:   oai.ImageGenerateParamsSize(sizeFor(p.model, req.AspectRatio)),
	}
	if isDallE(p.model) {
		params.ResponseFormat = oai.ImageGenerateParamsResponseFormat("b64_json")
		return params, "image/png"
	}

	format, mime := outputFormat(req.MIMEType)
	params.OutputFormat = oai.ImageGenerateParamsOutputFormat(format)
	return params, mime
}

func isDallE(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "dall-e")
}

// sizeFor picks the closest supported size for an aspect ratio.
func sizeFor(model, aspect string) string {
	w, h, ok := parseAspect(aspect)
	if !ok || w == h {
		return "1024x1024"
	}
	portrait := h > w
	if isDallE(model) {
		if portrait {
			return "1024x1792"
		}
		return "1792x1024"
	}
	if portrait {
		return "1024x1536"
	}
	return "1536x1024"
}

func parseAspect(s string) (w, h int, ok bool) {
	if _, err := fmt.Sscanf(s, "%d:%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func outputFormat(mime string) (format, normalized string) {
	switch strings.ToLower(mime) {
	case "image/png":
		return "png", "image/png"
	case "image/webp":
		return "webp", "image/webp"
	default:
		return "jpeg", "image/jpeg"
	}
}
