package embedder

import "testing"

func TestTokenize(t *testing.T) {
	terms := Tokenize("The quick BROWN fox, and a dog! 42")

	want := []string{"quick", "brown", "fox", "dog", "42"}
	if len(terms) != len(want) {
		t.Fatalf("expected %v, got %v", want, terms)
	}
	for i := range want {
		if terms[i] != want[i] {
			t.Errorf("term %d: expected %q, got %q", i, want[i], terms[i])
		}
	}
}

func TestVectorize_TermFrequency(t *testing.T) {
	v := NewSparseVectorizer()

	sv := v.Vectorize("cache cache cache miss")
	if sv == nil {
		t.Fatal("expected a sparse vector")
	}
	if len(sv.Indices) != 2 || len(sv.Values) != 2 {
		t.Fatalf("expected 2 distinct terms, got %d", len(sv.Indices))
	}

	// The repeated term must carry more weight than the single occurrence.
	var high, low float32
	if sv.Values[0] > sv.Values[1] {
		high, low = sv.Values[0], sv.Values[1]
	} else {
		high, low = sv.Values[1], sv.Values[0]
	}
	if high <= low {
		t.Errorf("expected log-scaled frequency to separate terms, got %v", sv.Values)
	}
	if low != 1 {
		t.Errorf("expected single-occurrence weight 1, got %v", low)
	}
}

func TestVectorize_StopwordsOnly(t *testing.T) {
	v := NewSparseVectorizer()

	if sv := v.Vectorize("the and of to"); sv != nil {
		t.Errorf("expected nil vector for stopword-only text, got %v", sv)
	}
	if sv := v.Vectorize(""); sv != nil {
		t.Errorf("expected nil vector for empty text, got %v", sv)
	}
}

func TestVectorize_Deterministic(t *testing.T) {
	v := NewSparseVectorizer()

	a := v.Vectorize("hybrid retrieval engine")
	b := v.Vectorize("hybrid retrieval engine")
	if len(a.Indices) != len(b.Indices) {
		t.Fatal("expected identical vectors for identical text")
	}
	seen := make(map[uint32]float32)
	for i, idx := range a.Indices {
		seen[idx] = a.Values[i]
	}
	for i, idx := range b.Indices {
		if seen[idx] != b.Values[i] {
			t.Errorf("index %d differs between runs", idx)
		}
	}
}
