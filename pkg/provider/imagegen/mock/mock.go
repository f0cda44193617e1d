// Package mock provides a test double for the imagegen.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lucidweaver/pkg/provider/imagegen"
)

// Provider is a mock implementation of imagegen.Provider.
type Provider struct {
	mu sync.Mutex

	// Image is returned by Generate. May be nil.
	Image *imagegen.Image

	// Err, if non-nil, is returned from Generate.
	Err error

	// Requests records every request passed to Generate in order.
	Requests []imagegen.Request
}

// Generate records the request and returns Image, Err.
func (p *Provider) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Image, p.Err
}

// CallCount returns the number of Generate calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

var _ imagegen.Provider = (*Provider)(nil)
