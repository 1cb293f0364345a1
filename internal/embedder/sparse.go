package embedder

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/amberhq/amber/internal/vectorstore"
)

// SparseVectorizer builds hashed bag-of-words vectors for the keyword side
// of hybrid search. Terms are lowercased, stopwords dropped, and hashed into
// a fixed index space; values are log-scaled term frequencies.
type SparseVectorizer struct {
	dimensions uint32
}

// NewSparseVectorizer creates a vectorizer with the default index space.
func NewSparseVectorizer() *SparseVectorizer {
	return &SparseVectorizer{dimensions: 1 << 20}
}

// Vectorize converts text into a sparse vector. Empty or all-stopword text
// yields a nil vector, which disables the sparse leg of the query.
func (v *SparseVectorizer) Vectorize(text string) *vectorstore.SparseVector {
	counts := make(map[uint32]float32)
	for _, term := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(term))
		counts[h.Sum32()%v.dimensions]++
	}
	if len(counts) == 0 {
		return nil
	}

	sv := &vectorstore.SparseVector{
		Indices: make([]uint32, 0, len(counts)),
		Values:  make([]float32, 0, len(counts)),
	}
	for idx, count := range counts {
		sv.Indices = append(sv.Indices, idx)
		sv.Values = append(sv.Values, float32(1+math.Log(float64(count))))
	}
	return sv
}

// Tokenize splits text into lowercase terms, dropping stopwords and
// single-character fragments.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "were": true, "will": true, "with": true,
}
