package retrieval

import (
	"math"
	"testing"
)

func TestFuseRRF_WeightedScores(t *testing.T) {
	// With k=60, a chunk ranked first in both lists scores 2/61 while the
	// single-source chunks score 1/61 and 1/62.
	lists := []RankedList{
		{Source: "dense", Weight: 1.0, ChunkID: []string{"id1", "id2"}},
		{Source: "graph", Weight: 1.0, ChunkID: []string{"id2", "id3"}},
	}

	fused := FuseRRF(lists)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused candidates, got %d", len(fused))
	}

	if fused[0].ChunkID != "id2" {
		t.Errorf("expected id2 first, got %s", fused[0].ChunkID)
	}
	want := 1.0/62 + 1.0/61
	if math.Abs(fused[0].Score-want) > 1e-9 {
		t.Errorf("expected id2 score %v, got %v", want, fused[0].Score)
	}
	if fused[1].ChunkID != "id1" || fused[2].ChunkID != "id3" {
		t.Errorf("expected order [id2 id1 id3], got [%s %s %s]",
			fused[0].ChunkID, fused[1].ChunkID, fused[2].ChunkID)
	}
	if SourceLabel(fused[0].Sources) != "hybrid" {
		t.Errorf("expected id2 labeled hybrid, got %s", SourceLabel(fused[0].Sources))
	}
	if SourceLabel(fused[1].Sources) != "dense" {
		t.Errorf("expected id1 labeled dense, got %s", SourceLabel(fused[1].Sources))
	}
}

func TestFuseRRF_WeightBiasesRanking(t *testing.T) {
	// The graph list is down-weighted enough that the dense winner stays on top
	// even though the graph list ranks its own candidate first.
	lists := []RankedList{
		{Source: "dense", Weight: 1.0, ChunkID: []string{"a", "b"}},
		{Source: "graph", Weight: 0.1, ChunkID: []string{"b", "a"}},
	}

	fused := FuseRRF(lists)
	if fused[0].ChunkID != "a" {
		t.Errorf("expected dense-ranked candidate first under low graph weight, got %s", fused[0].ChunkID)
	}

	// Raising the graph weight flips the order.
	lists[1].Weight = 10.0
	fused = FuseRRF(lists)
	if fused[0].ChunkID != "b" {
		t.Errorf("expected graph-ranked candidate first under high graph weight, got %s", fused[0].ChunkID)
	}
}

func TestFuseRRF_ZeroWeightListIgnored(t *testing.T) {
	lists := []RankedList{
		{Source: "dense", Weight: 1.0, ChunkID: []string{"a"}},
		{Source: "graph", Weight: 0, ChunkID: []string{"b"}},
	}

	fused := FuseRRF(lists)
	if len(fused) != 1 || fused[0].ChunkID != "a" {
		t.Fatalf("expected only the weighted list's candidate, got %v", fused)
	}
}

func TestFuseRRF_TieBreakDeterministic(t *testing.T) {
	lists := []RankedList{
		{Source: "dense", Weight: 1.0, ChunkID: []string{"z"}},
		{Source: "sparse", Weight: 1.0, ChunkID: []string{"a"}},
	}

	// Equal scores break on chunk ID so repeated fusions agree.
	for i := 0; i < 5; i++ {
		fused := FuseRRF(lists)
		if fused[0].ChunkID != "a" || fused[1].ChunkID != "z" {
			t.Fatalf("expected deterministic tie-break [a z], got [%s %s]",
				fused[0].ChunkID, fused[1].ChunkID)
		}
	}
}

func TestSourceLabel_Empty(t *testing.T) {
	if got := SourceLabel(nil); got != "unknown" {
		t.Errorf("expected unknown for no sources, got %s", got)
	}
}
