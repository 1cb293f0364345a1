// Package reranker re-scores retrieval candidates with a cross-encoder-style
// LLM pass: the model sees query and document together, which separates
// near-duplicates that embed almost identically.
//
// Reranking is a per-tenant option (TenantConfig.RerankerEnabled). It adds a
// model call per query and roughly doubles token spend, in exchange for
// noticeably better precision when the top candidates score close together.
// The retrieval engine also skips it automatically in degraded mode.
package reranker

import (
	"context"

	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

// Reranker re-orders candidate texts by relevance to the query.
type Reranker interface {
	// Rerank scores each document against the query and returns entries
	// ordered by descending score, truncated to topK. On model failure
	// implementations fall back to input order rather than erroring.
	Rerank(ctx context.Context, tenant *repository.Tenant, query string, docs []string, topK int) ([]provider.RerankedDocument, error)
}
