package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
)

// ImageFallback implements [imagegen.Provider] with failover across image
// backends.
type ImageFallback struct {
	group *FallbackGroup[imagegen.Provider]
}

var _ imagegen.Provider = (*ImageFallback)(nil)

// NewImageFallback creates an [ImageFallback] with primary as the preferred
// backend. A filtered prompt ([imagegen.ErrNoImage]) is a property of the
// prompt, not of the provider: it still fails over but never trips a breaker.
func NewImageFallback(primary imagegen.Provider, primaryName string, cfg FallbackConfig) *ImageFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return defaultIsFailure(err) && !errors.Is(err, imagegen.ErrNoImage)
		}
	}
	return &ImageFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional image provider.
func (f *ImageFallback) AddFallback(name string, provider imagegen.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying group for health reporting.
func (f *ImageFallback) Group() *FallbackGroup[imagegen.Provider] { return f.group }

// Generate renders the image on the first healthy provider.
func (f *ImageFallback) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error) {
	return ExecuteWithResult(f.group, func(p imagegen.Provider) (*imagegen.Image, error) {
		return p.Generate(ctx, req)
	})
}
