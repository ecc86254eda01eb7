// Package ocr turns uploaded document blobs into plain text.
package ocr

import (
	"context"
	"mime"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/config"
	"github.com/sells-group/docintel/internal/model"
)

// Extractor extracts text content from a document blob of the given media type.
// Unsupported media types fail with model.ErrUnsupportedFormat.
type Extractor interface {
	ExtractText(ctx context.Context, blob []byte, mediaType string) (string, error)
}

// Router dispatches extraction by media type.
type Router struct {
	text   Extractor
	pdf    Extractor
	images Extractor // nil when no image-capable provider is configured
}

// NewExtractor creates a Router based on config. PDFs go to pdftotext unless
// the mistral provider is selected; images need mistral.
func NewExtractor(cfg config.OCRConfig) (*Router, error) {
	r := &Router{text: PlainText{}}
	switch cfg.Provider {
	case "local", "":
		r.pdf = NewPdfToText(cfg.PdfToTextPath)
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires ocr.mistral_key")
		}
		m := NewMistralOCR(cfg.MistralKey, cfg.MistralModel)
		r.pdf = m
		r.images = m
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
	return r, nil
}

// ExtractText implements Extractor.
func (r *Router) ExtractText(ctx context.Context, blob []byte, mediaType string) (string, error) {
	base, _ := splitMediaType(mediaType)
	var ext Extractor
	switch {
	case isTextType(base):
		ext = r.text
	case base == "application/pdf":
		ext = r.pdf
	case strings.HasPrefix(base, "image/") && isSupportedImage(base):
		ext = r.images
	}
	if ext == nil {
		return "", eris.Wrapf(model.ErrUnsupportedFormat, "ocr: %q", mediaType)
	}
	return ext.ExtractText(ctx, blob, mediaType)
}

// Supports reports whether the router can extract text from mediaType.
func (r *Router) Supports(mediaType string) bool {
	base, _ := splitMediaType(mediaType)
	switch {
	case isTextType(base):
		return true
	case base == "application/pdf":
		return r.pdf != nil
	case isSupportedImage(base):
		return r.images != nil
	}
	return false
}

func splitMediaType(mediaType string) (string, map[string]string) {
	base, params, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mediaType)), nil
	}
	return base, params
}

func isTextType(base string) bool {
	switch base {
	case "text/plain", "text/markdown", "text/csv", "text/html":
		return true
	}
	return false
}

func isSupportedImage(base string) bool {
	switch base {
	case "image/png", "image/jpeg", "image/webp", "image/tiff":
		return true
	}
	return false
}
