package generation

import (
	"strings"
	"testing"
)

func TestScrubPII(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"email", "contact me at jane.doe+test@example.co.uk please", "[EMAIL]"},
		{"ssn", "my ssn is 123-45-6789 ok", "[SSN]"},
		{"card", "card 4111 1111 1111 1111 expires soon", "[CARD]"},
		{"phone", "call +1 (555) 123-4567 tomorrow", "[PHONE]"},
		{"ip", "server at 192.168.10.42 is down", "[IP]"},
	}

	for _, c := range cases {
		got := ScrubPII(c.input)
		if !strings.Contains(got, c.want) {
			t.Errorf("%s: expected %q in output, got %q", c.name, c.want, got)
		}
	}
}

func TestScrubPII_LeavesCleanTextAlone(t *testing.T) {
	input := "the retrieval engine fuses dense and graph results"
	if got := ScrubPII(input); got != input {
		t.Errorf("clean text changed: %q", got)
	}
}

func TestScrubPII_MultipleOccurrences(t *testing.T) {
	got := ScrubPII("a@b.com wrote to c@d.org")
	if strings.Count(got, "[EMAIL]") != 2 {
		t.Errorf("expected both emails scrubbed, got %q", got)
	}
}
