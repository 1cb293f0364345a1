package vectorstore

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateContent(t *testing.T) {
	cases := []struct {
		name          string
		in            string
		wantTruncated bool
	}{
		{name: "short passes through", in: "hello", wantTruncated: false},
		{name: "exactly at limit", in: strings.Repeat("a", MaxContentBytes), wantTruncated: false},
		{name: "ascii over limit", in: strings.Repeat("a", MaxContentBytes+10), wantTruncated: true},
		// The limit lands inside the first multibyte rune, so the cut must
		// back up instead of splitting it.
		{name: "multibyte at boundary", in: strings.Repeat("a", MaxContentBytes-1) + "世界", wantTruncated: true},
		{name: "multibyte throughout", in: strings.Repeat("世", MaxContentBytes/3+10), wantTruncated: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, truncated := TruncateContent(c.in)
			if truncated != c.wantTruncated {
				t.Fatalf("truncated = %v, want %v", truncated, c.wantTruncated)
			}
			if len(got) > MaxContentBytes {
				t.Errorf("result exceeds cap: %d bytes", len(got))
			}
			if !utf8.ValidString(got) {
				t.Error("truncation split a code point")
			}
			if !truncated && got != c.in {
				t.Error("untruncated content must be unchanged")
			}
			if truncated && !strings.HasPrefix(c.in, got) {
				t.Error("truncated content must be a prefix of the input")
			}
		})
	}
}
