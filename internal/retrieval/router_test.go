package retrieval

import (
	"context"
	"testing"

	"github.com/amberhq/amber/internal/repository"
)

func TestRoute_RequestedModeWins(t *testing.T) {
	router := NewRouter(nil, nil)
	tenant := &repository.Tenant{}

	mode := router.Route(context.Background(), tenant, "what are the overall trends", "basic")
	if mode != ModeBasic {
		t.Errorf("expected requested BASIC to override heuristics, got %s", mode)
	}
}

func TestRouteHeuristic(t *testing.T) {
	cases := []struct {
		query   string
		want    SearchMode
		decided bool
	}{
		{"kubernetes networking", ModeBasic, true},
		{"error 503", ModeBasic, true},
		{"what are the main themes in the research", ModeGlobal, true},
		{"summarize everything we know", ModeGlobal, true},
		{"how do I rotate the signing key?", ModeHybrid, true},
		{"given the incidents last quarter and the follow-up actions we agreed on, what should the on-call rotation focus on next month", "", false},
	}

	for _, c := range cases {
		got, decided := routeHeuristic(c.query)
		if decided != c.decided {
			t.Errorf("%q: expected decided=%v, got %v", c.query, c.decided, decided)
			continue
		}
		if decided && got != c.want {
			t.Errorf("%q: expected %s, got %s", c.query, c.want, got)
		}
	}
}

func TestRoute_UndecidedWithoutLLMDefaultsHybrid(t *testing.T) {
	router := NewRouter(nil, nil)
	tenant := &repository.Tenant{}

	long := "given the incidents last quarter and the follow-up actions we agreed on, what should the on-call rotation focus on next month"
	if mode := router.Route(context.Background(), tenant, long, ""); mode != ModeHybrid {
		t.Errorf("expected HYBRID fallback without an LLM, got %s", mode)
	}
}

func TestValidMode(t *testing.T) {
	if mode, ok := ValidMode("drift"); !ok || mode != ModeDrift {
		t.Errorf("expected drift to parse, got %s %v", mode, ok)
	}
	if _, ok := ValidMode("turbo"); ok {
		t.Error("expected unknown mode to be rejected")
	}
	if _, ok := ValidMode(""); ok {
		t.Error("expected empty mode to be rejected")
	}
}
