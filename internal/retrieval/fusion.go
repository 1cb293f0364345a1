package retrieval

import "sort"

// rrfK is the rank-smoothing constant in reciprocal rank fusion. 60 is the
// value from the original RRF paper and keeps low ranks from dominating.
const rrfK = 60

// RankedList is one source's ordered candidate list with its fusion weight.
type RankedList struct {
	Source  string
	Weight  float64
	ChunkID []string
}

// FusedCandidate is one chunk after fusion across sources.
type FusedCandidate struct {
	ChunkID string
	Score   float64
	Sources []string
}

// FuseRRF combines ranked lists with weighted reciprocal rank fusion:
// score(c) = sum over lists containing c of weight / (k + rank). A candidate
// appearing in more than one source is labeled "hybrid".
func FuseRRF(lists []RankedList) []FusedCandidate {
	scores := make(map[string]float64)
	sources := make(map[string][]string)

	for _, list := range lists {
		if list.Weight <= 0 {
			continue
		}
		for rank, id := range list.ChunkID {
			scores[id] += list.Weight / float64(rrfK+rank+1)
			sources[id] = append(sources[id], list.Source)
		}
	}

	fused := make([]FusedCandidate, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, FusedCandidate{
			ChunkID: id,
			Score:   score,
			Sources: dedupe(sources[id]),
		})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})
	return fused
}

// SourceLabel names the provenance of a fused candidate.
func SourceLabel(sources []string) string {
	if len(sources) > 1 {
		return "hybrid"
	}
	if len(sources) == 1 {
		return sources[0]
	}
	return "unknown"
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
