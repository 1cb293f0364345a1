package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// HeadlessExtractor renders a URL in headless Chrome and extracts the text
// the browser actually displays. It sits at the tail of the chain for pages
// whose content only exists after JavaScript runs.
type HeadlessExtractor struct {
	timeout time.Duration
}

// HeadlessOption configures the headless extractor.
type HeadlessOption func(*HeadlessExtractor)

// WithHeadlessTimeout bounds one render.
func WithHeadlessTimeout(d time.Duration) HeadlessOption {
	return func(e *HeadlessExtractor) { e.timeout = d }
}

// NewHeadlessExtractor creates a headless-browser extractor.
func NewHeadlessExtractor(opts ...HeadlessOption) *HeadlessExtractor {
	e := &HeadlessExtractor{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports reports whether the input is a URL registration.
func (e *HeadlessExtractor) Supports(in Input) bool {
	return in.URL != ""
}

// Extract navigates to the URL, waits for the document to settle, and reads
// the rendered body text and title.
func (e *HeadlessExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	renderCtx, cancelRender := context.WithTimeout(browserCtx, e.timeout)
	defer cancelRender()

	var text, title string
	err := chromedp.Run(renderCtx,
		chromedp.Navigate(in.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", in.URL, err)
	}

	return &Result{Text: collapseBlank(text), Title: title}, nil
}

var _ Extractor = (*HeadlessExtractor)(nil)
