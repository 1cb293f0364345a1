package extractor

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// HTMLExtractor parses static HTML and strips it down to visible text.
type HTMLExtractor struct{}

// NewHTMLExtractor creates a static HTML extractor.
func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

// Supports reports whether the input looks like HTML.
func (e *HTMLExtractor) Supports(in Input) bool {
	if strings.HasPrefix(in.ContentType, "text/html") || strings.HasPrefix(in.ContentType, "application/xhtml") {
		return true
	}
	switch strings.ToLower(ext(in.Filename)) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	return false
}

// Extract walks the DOM collecting text nodes, skipping script, style, and
// other non-content subtrees. Block elements become paragraph breaks.
func (e *HTMLExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	doc, err := html.Parse(in.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var title string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "iframe", "svg", "head":
				if n.Data == "head" {
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						if c.Type == html.ElementNode && c.Data == "title" && c.FirstChild != nil {
							title = strings.TrimSpace(c.FirstChild.Data)
						}
					}
				}
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.Data) {
			sb.WriteString("\n\n")
		}
	}
	walk(doc)

	return &Result{
		Text:  collapseBlank(sb.String()),
		Title: title,
	}, nil
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "li", "tr", "br",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre":
		return true
	}
	return false
}

// collapseBlank squeezes runs of blank lines down to one paragraph break.
func collapseBlank(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

var _ Extractor = (*HTMLExtractor)(nil)
