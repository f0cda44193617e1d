// Package imagegen defines the Provider interface for text-to-image backends.
//
// Lucid Weaver turns a dream into a single illustration. Providers receive a
// prompt plus layout hints and return the encoded image bytes; callers never
// see SDK types.
package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
)

// Defaults applied by [Request.WithDefaults].
const (
	DefaultAspectRatio = "3:4"
	DefaultMIMEType    = "image/jpeg"
)

// ErrNoImage is returned when a backend answers successfully but without an
// image, typically because the prompt was filtered.
var ErrNoImage = errors.New("imagegen: no image returned")

// Request describes one image to generate.
type Request struct {
	// Prompt is the visual description of the scene.
	Prompt string

	// AspectRatio is a "W:H" string such as "3:4" or "1:1".
	AspectRatio string

	// MIMEType is the requested output encoding, e.g. "image/jpeg".
	MIMEType string
}

// WithDefaults fills unset fields with package defaults.
func (r Request) WithDefaults() Request {
	if r.AspectRatio == "" {
		r.AspectRatio = DefaultAspectRatio
	}
	if r.MIMEType == "" {
		r.MIMEType = DefaultMIMEType
	}
	return r
}

// Image is a generated picture.
type Image struct {
	Data     []byte
	MIMEType string
}

// DataURL renders the image as an RFC 2397 data URL suitable for an <img> tag.
func (i Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Provider generates images from text prompts.
// Implementations must be safe for concurrent use.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}
