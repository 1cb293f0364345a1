package retrieval

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Filters are the structured constraints parsed out of a query string.
type Filters struct {
	Hashtags    []string
	DocumentIDs []uuid.UUID
	After       *time.Time
	Before      *time.Time
}

// Empty reports whether no filters were present.
func (f Filters) Empty() bool {
	return len(f.Hashtags) == 0 && len(f.DocumentIDs) == 0 && f.After == nil && f.Before == nil
}

// ParseFilters extracts inline filter syntax from a query and returns the
// cleaned query text:
//
//	#tag           restrict to documents tagged "tag"
//	doc:<uuid>     restrict to one document
//	date:>2024-01-02 / date:<2024-06-01   restrict by document date
//
// Unparseable filter tokens are left in the query as ordinary words.
func ParseFilters(query string) (string, Filters) {
	var filters Filters
	var kept []string

	for _, token := range strings.Fields(query) {
		switch {
		case strings.HasPrefix(token, "#") && len(token) > 1:
			filters.Hashtags = append(filters.Hashtags,
				strings.ToLower(strings.Trim(token[1:], ".,;:!?")))

		case strings.HasPrefix(token, "doc:"):
			id, err := uuid.Parse(token[4:])
			if err != nil {
				kept = append(kept, token)
				continue
			}
			filters.DocumentIDs = append(filters.DocumentIDs, id)

		case strings.HasPrefix(token, "date:"):
			spec := token[5:]
			op := byte(0)
			if len(spec) > 0 && (spec[0] == '>' || spec[0] == '<') {
				op = spec[0]
				spec = spec[1:]
			}
			t, err := time.Parse("2006-01-02", spec)
			if err != nil {
				kept = append(kept, token)
				continue
			}
			switch op {
			case '<':
				filters.Before = &t
			default:
				filters.After = &t
			}

		default:
			kept = append(kept, token)
		}
	}
	return strings.Join(kept, " "), filters
}
