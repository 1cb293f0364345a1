package repository

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCanTransition_ForwardEdges(t *testing.T) {
	order := []DocumentStatus{
		StatusIngested, StatusExtracting, StatusClassifying,
		StatusChunking, StatusEmbedding, StatusGraphSync, StatusReady,
	}

	for i := 0; i < len(order)-1; i++ {
		if !CanTransition(order[i], order[i+1]) {
			t.Errorf("%s -> %s should be legal", order[i], order[i+1])
		}
	}

	// No skipping stages, no going backward.
	if CanTransition(StatusIngested, StatusChunking) {
		t.Error("skipping stages must be illegal")
	}
	if CanTransition(StatusEmbedding, StatusChunking) {
		t.Error("backward transitions must be illegal")
	}
}

func TestCanTransition_FailedFromAnyNonTerminal(t *testing.T) {
	for _, from := range []DocumentStatus{
		StatusIngested, StatusExtracting, StatusClassifying,
		StatusChunking, StatusEmbedding, StatusGraphSync,
	} {
		if !CanTransition(from, StatusFailed) {
			t.Errorf("%s -> FAILED should be legal", from)
		}
	}
}

func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range []DocumentStatus{StatusReady, StatusFailed} {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range []DocumentStatus{StatusIngested, StatusReady, StatusFailed} {
			if CanTransition(from, to) {
				t.Errorf("%s -> %s should be illegal", from, to)
			}
		}
	}
}

func TestChunkID(t *testing.T) {
	docID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	if got := ChunkID(docID, 7); got != "11111111-2222-3333-4444-555555555555:7" {
		t.Errorf("unexpected chunk ID %q", got)
	}
}

func TestCollectionName_QdrantSafe(t *testing.T) {
	name := CollectionName(uuid.New())
	if !strings.HasPrefix(name, "amber_") {
		t.Errorf("missing prefix: %q", name)
	}
	if strings.Contains(name, "-") {
		t.Errorf("hyphens must be replaced: %q", name)
	}
}
