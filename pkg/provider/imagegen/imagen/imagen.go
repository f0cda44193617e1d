// Package imagen implements [imagegen.Provider] with Google's Imagen models
// through the Google Gen AI SDK.
package imagen

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
)

// DefaultModel is the Imagen model used when none is configured.
const DefaultModel = "imagen-4.0-generate-001"

var _ imagegen.Provider = (*Provider)(nil)

// imager is the subset of *genai.Models this package calls.
type imager interface {
	GenerateImages(ctx context.Context, model, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider generates images with Imagen.
type Provider struct {
	models  imager
	model   string
	baseURL string
}

// New creates a Provider for the Gemini Developer API.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("imagen: apiKey must not be empty")
	}
	p := &Provider{model: DefaultModel}
	for _, o := range opts {
		o(p)
	}
	if p.model == "" {
		p.model = DefaultModel
	}

	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if p.baseURL != "" {
		cfg.HTTPOptions.BaseURL = p.baseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("imagen: create client: %w", err)
	}
	p.models = client.Models
	return p, nil
}

// Generate implements imagegen.Provider. Exactly one image is requested.
func (p *Provider) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error) {
	req = req.WithDefaults()
	resp, err := p.models.GenerateImages(ctx, p.model, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    req.AspectRatio,
		OutputMIMEType: req.MIMEType,
	})
	if err != nil {
		return nil, fmt.Errorf("imagen: generate: %w", err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, imagegen.ErrNoImage
	}
	gen := resp.GeneratedImages[0]
	if gen.Image == nil || len(gen.Image.ImageBytes) == 0 {
		if gen.RAIFilteredReason != "" {
			return nil, fmt.Errorf("%w: %s", imagegen.ErrNoImage, gen.RAIFilteredReason)
		}
		return nil, imagegen.ErrNoImage
	}

	mime := gen.Image.MIMEType
	if mime == "" {
		mime = req.MIMEType
	}
	return &imagegen.Image{Data: gen.Image.ImageBytes, MIMEType: mime}, nil
}
