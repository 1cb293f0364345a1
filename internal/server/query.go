package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/amberhq/amber/internal/auth"
	"github.com/amberhq/amber/internal/capacity"
	"github.com/amberhq/amber/internal/generation"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/retrieval"
	"github.com/amberhq/amber/internal/tuning"
)

type queryRequest struct {
	Query        string `json:"query"`
	Mode         string `json:"mode,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

type queryResponse struct {
	Answer    string              `json:"answer"`
	Sources   []generation.Source `json:"sources"`
	FollowUps []string            `json:"follow_ups,omitempty"`
	Model     string              `json:"model,omitempty"`
	Mode      string              `json:"mode"`
	Degraded  bool                `json:"degraded,omitempty"`
	FromCache bool                `json:"from_cache,omitempty"`
	LatencyMs int64               `json:"latency_ms"`
}

func decodeQueryRequest(w http.ResponseWriter, r *http.Request) (*queryRequest, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return nil, false
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, codeValidation, "query is required")
		return nil, false
	}
	return &req, true
}

// handleRetrieve runs hybrid retrieval without generation.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	req, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	result, err := s.deps.Engine.Retrieve(r.Context(), tenant, retrieval.Request{
		Query: req.Query,
		Mode:  req.Mode,
		TopK:  req.TopK,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "retrieval failed")
		s.logger.Error("retrieval failed", "tenant_id", tenant.ID, "error", err)
		return
	}

	s.metrics.ObserveQuery(string(result.Mode), result.Degraded)
	writeJSON(w, http.StatusOK, result)
}

// handleQuery answers a question end to end: admission, retrieval, grounded
// generation.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	req, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	lease, err := s.deps.Capacity.Acquire(r.Context(), tenant.ID, capacity.ClassChat)
	if err != nil {
		if errors.Is(err, capacity.ErrCapacityExhausted) {
			w.Header().Set("Retry-After", "5")
			writeError(w, r, http.StatusServiceUnavailable, codeCapacity, "service is at capacity, retry shortly")
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, "admission failed")
		return
	}
	defer lease.Release(r.Context())

	start := time.Now()
	result, err := s.deps.Engine.Retrieve(r.Context(), tenant, retrieval.Request{
		Query: req.Query,
		Mode:  req.Mode,
		TopK:  req.TopK,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "retrieval failed")
		s.logger.Error("retrieval failed", "tenant_id", tenant.ID, "error", err)
		return
	}
	s.metrics.ObserveQuery(string(result.Mode), result.Degraded)

	answer, err := s.deps.Generator.Generate(r.Context(), tenant, generation.Request{
		Query:        req.Query,
		UserID:       userID(r),
		SessionID:    req.SessionID,
		Candidates:   result.Candidates,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, provider.ErrAllProvidersFailed) {
			writeError(w, r, http.StatusServiceUnavailable, codeProviderFailure, "all language model providers are unavailable")
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, "generation failed")
		s.logger.Error("generation failed", "tenant_id", tenant.ID, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Answer:    answer.Text,
		Sources:   answer.Sources,
		FollowUps: answer.FollowUps,
		Model:     answer.Model,
		Mode:      string(result.Mode),
		Degraded:  result.Degraded,
		FromCache: result.FromCache,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

// handleQueryStream is the SSE variant: sources first, then tokens, then one
// done or error frame.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	req, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	lease, err := s.deps.Capacity.Acquire(r.Context(), tenant.ID, capacity.ClassChat)
	if err != nil {
		if errors.Is(err, capacity.ErrCapacityExhausted) {
			w.Header().Set("Retry-After", "5")
			writeError(w, r, http.StatusServiceUnavailable, codeCapacity, "service is at capacity, retry shortly")
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, "admission failed")
		return
	}
	defer lease.Release(r.Context())

	result, err := s.deps.Engine.Retrieve(r.Context(), tenant, retrieval.Request{
		Query: req.Query,
		Mode:  req.Mode,
		TopK:  req.TopK,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "retrieval failed")
		s.logger.Error("retrieval failed", "tenant_id", tenant.ID, "error", err)
		return
	}
	s.metrics.ObserveQuery(string(result.Mode), result.Degraded)

	events, err := s.deps.Generator.GenerateStream(r.Context(), tenant, generation.Request{
		Query:        req.Query,
		UserID:       userID(r),
		SessionID:    req.SessionID,
		Candidates:   result.Candidates,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, provider.ErrAllProvidersFailed) {
			writeError(w, r, http.StatusServiceUnavailable, codeProviderFailure, "all language model providers are unavailable")
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, "generation failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for event := range events {
		writeSSE(w, string(event.Type), event)
		flusher.Flush()
	}
}

type feedbackRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	Positive  bool     `json:"positive"`
	Comment   string   `json:"comment,omitempty"`
	Snippets  []string `json:"snippets,omitempty"`
}

// handleFeedback records an answer rating and, for negative feedback, runs
// the cause analysis.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid feedback body")
		return
	}

	analysis, err := s.deps.Feedback.Analyze(r.Context(), tenant, tuning.Feedback{
		RequestID: req.RequestID,
		Positive:  req.Positive,
		Comment:   req.Comment,
		Snippets:  req.Snippets,
	})
	if err != nil {
		s.logger.Warn("feedback analysis failed", "tenant_id", tenant.ID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true})
		return
	}

	resp := map[string]any{"recorded": true}
	if analysis != nil {
		resp["analysis"] = analysis
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// userID pulls the JWT user identity, if any, for memory scoping.
func userID(r *http.Request) string {
	return auth.UserFromContext(r.Context())
}
