package graph

import (
	"strings"
	"testing"
)

func TestSanitizeRelationType(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"works for", "WORKS_FOR"},
		{"is-a", "IS_A"},
		{"  founded   by  ", "FOUNDED_BY"},
		{"acquired (2019)", "ACQUIRED_2019"},
		{"part_of", "PART_OF"},
		{"RELATED_TO", "RELATED_TO"},
		{"123", DefaultRelationType},
		{"", DefaultRelationType},
		{"---", DefaultRelationType},
	}

	for _, c := range cases {
		if got := SanitizeRelationType(c.in); got != c.want {
			t.Errorf("SanitizeRelationType(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizeRelationType_TruncatesLongLabels(t *testing.T) {
	got := SanitizeRelationType(strings.Repeat("verylongword ", 20))
	if len(got) > 64 {
		t.Errorf("label too long: %d chars", len(got))
	}
	if strings.HasSuffix(got, "_") || strings.HasPrefix(got, "_") {
		t.Errorf("label has dangling underscore: %q", got)
	}
}

func TestExtractionSanitize(t *testing.T) {
	ex := &extraction{
		Entities: []extractedEntity{
			{Name: " Alice ", Type: " Person "},
			{Name: "alice"}, // duplicate, case-insensitive
			{Name: "Acme Corp", Type: "organization"},
			{Name: ""},
		},
		Relations: []extractedRelation{
			{Source: "Alice", Target: "Acme Corp", Type: "works for", Weight: 0.9},
			{Source: "Alice", Target: "Alice", Type: "self"},          // self edge
			{Source: "Alice", Target: "Nobody", Type: "knows"},        // unknown target
			{Source: "Acme Corp", Target: "Alice", Type: "", Weight: 2}, // bad type and weight
		},
	}

	ex.sanitize()

	if len(ex.Entities) != 2 {
		t.Fatalf("expected 2 entities after sanitize, got %d", len(ex.Entities))
	}
	if ex.Entities[0].Name != "Alice" || ex.Entities[0].Type != "person" {
		t.Errorf("entity not normalized: %+v", ex.Entities[0])
	}

	if len(ex.Relations) != 2 {
		t.Fatalf("expected 2 relations after sanitize, got %d", len(ex.Relations))
	}
	if ex.Relations[0].Type != "WORKS_FOR" {
		t.Errorf("relation type not sanitized: %q", ex.Relations[0].Type)
	}
	if ex.Relations[1].Type != DefaultRelationType {
		t.Errorf("empty type should default, got %q", ex.Relations[1].Type)
	}
	if ex.Relations[1].Weight != 0.5 {
		t.Errorf("out-of-range weight should default to 0.5, got %v", ex.Relations[1].Weight)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"entities": []}`, `{"entities": []}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, c := range cases {
		if got := stripFences(c.in); got != c.want {
			t.Errorf("stripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
