// Package extractor turns raw uploads into plain text for chunking.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ErrUnsupported is returned when no extractor in the chain can handle the
// input format.
var ErrUnsupported = errors.New("unsupported content format")

// Input describes one document to extract.
type Input struct {
	Filename    string
	ContentType string
	// URL is set for URL-registered documents; extractors that render
	// remotely use it instead of Body.
	URL  string
	Body io.Reader
}

// Result is the extracted plain text plus anything learned on the way.
type Result struct {
	Text     string
	Title    string
	Language string
}

// Extractor converts one input format into plain text.
type Extractor interface {
	// Supports reports whether this extractor can handle the input.
	Supports(in Input) bool

	// Extract produces plain text from the input.
	Extract(ctx context.Context, in Input) (*Result, error)
}

// Chain tries extractors in order and returns the first success. A failed
// attempt falls through to the next extractor that supports the input.
type Chain struct {
	extractors []Extractor
}

// NewChain builds an extractor chain. Order matters: cheap extractors first.
func NewChain(extractors ...Extractor) *Chain {
	return &Chain{extractors: extractors}
}

// Extract runs the chain.
func (c *Chain) Extract(ctx context.Context, in Input) (*Result, error) {
	var lastErr error
	for _, e := range c.extractors {
		if !e.Supports(in) {
			continue
		}
		result, err := e.Extract(ctx, in)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(result.Text) == "" {
			lastErr = fmt.Errorf("extractor produced empty text")
			continue
		}
		return result, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("extraction failed: %w", lastErr)
	}
	return nil, ErrUnsupported
}

// TextExtractor handles plain-text and markdown uploads.
type TextExtractor struct{}

// NewTextExtractor creates a plain-text extractor.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Supports reports whether the input looks like plain text.
func (e *TextExtractor) Supports(in Input) bool {
	if strings.HasPrefix(in.ContentType, "text/plain") || strings.HasPrefix(in.ContentType, "text/markdown") {
		return true
	}
	switch strings.ToLower(ext(in.Filename)) {
	case ".txt", ".md", ".markdown", ".csv", ".log":
		return true
	}
	return false
}

// Extract reads the body verbatim, rejecting binary payloads.
func (e *TextExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("body is not valid UTF-8 text")
	}
	return &Result{Text: string(data)}, nil
}

func ext(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}

var (
	_ Extractor = (*TextExtractor)(nil)
)
