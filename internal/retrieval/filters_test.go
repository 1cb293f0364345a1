package retrieval

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseFilters_Hashtags(t *testing.T) {
	cleaned, filters := ParseFilters("deployment steps #Kubernetes #prod.")

	if cleaned != "deployment steps" {
		t.Errorf("expected cleaned query 'deployment steps', got %q", cleaned)
	}
	if len(filters.Hashtags) != 2 {
		t.Fatalf("expected 2 hashtags, got %v", filters.Hashtags)
	}
	if filters.Hashtags[0] != "kubernetes" || filters.Hashtags[1] != "prod" {
		t.Errorf("expected lowercased trimmed hashtags, got %v", filters.Hashtags)
	}
}

func TestParseFilters_DocumentID(t *testing.T) {
	id := uuid.New()
	cleaned, filters := ParseFilters("summary doc:" + id.String())

	if cleaned != "summary" {
		t.Errorf("expected cleaned query 'summary', got %q", cleaned)
	}
	if len(filters.DocumentIDs) != 1 || filters.DocumentIDs[0] != id {
		t.Errorf("expected document filter %s, got %v", id, filters.DocumentIDs)
	}
}

func TestParseFilters_InvalidDocTokenKept(t *testing.T) {
	cleaned, filters := ParseFilters("explain doc:not-a-uuid")

	if cleaned != "explain doc:not-a-uuid" {
		t.Errorf("expected unparseable token kept in query, got %q", cleaned)
	}
	if !filters.Empty() {
		t.Errorf("expected no filters, got %+v", filters)
	}
}

func TestParseFilters_DateRange(t *testing.T) {
	_, filters := ParseFilters("incidents date:>2024-01-02 date:<2024-06-01")

	if filters.After == nil || !filters.After.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected after 2024-01-02, got %v", filters.After)
	}
	if filters.Before == nil || !filters.Before.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected before 2024-06-01, got %v", filters.Before)
	}
}

func TestParseFilters_BadDateKept(t *testing.T) {
	cleaned, filters := ParseFilters("report date:yesterday")

	if cleaned != "report date:yesterday" {
		t.Errorf("expected bad date token kept, got %q", cleaned)
	}
	if !filters.Empty() {
		t.Errorf("expected no filters, got %+v", filters)
	}
}

func TestParseFilters_PlainQuery(t *testing.T) {
	cleaned, filters := ParseFilters("how does the scheduler work")

	if cleaned != "how does the scheduler work" {
		t.Errorf("query changed unexpectedly: %q", cleaned)
	}
	if !filters.Empty() {
		t.Errorf("expected empty filters, got %+v", filters)
	}
}
