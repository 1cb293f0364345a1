package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/amberhq/amber/internal/repository"
)

type factResponse struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Importance float32 `json:"importance"`
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	user := userID(r)
	if user == "" {
		user = r.URL.Query().Get("user_id")
	}
	if user == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "user identity required")
		return
	}

	facts := s.deps.Memory.Facts(r.Context(), tenant, user)
	out := make([]factResponse, len(facts))
	for i, fact := range facts {
		out[i] = factResponse{
			ID:         fact.ID.String(),
			Content:    fact.Content,
			Importance: fact.Importance,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": out})
}

type saveFactRequest struct {
	UserID     string  `json:"user_id,omitempty"`
	Content    string  `json:"content"`
	Importance float32 `json:"importance,omitempty"`
}

func (s *Server) handleSaveFact(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	var req saveFactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "content is required")
		return
	}
	user := userID(r)
	if user == "" {
		user = req.UserID
	}
	if user == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "user identity required")
		return
	}
	if req.Importance == 0 {
		req.Importance = 0.5
	}

	fact := &repository.UserFact{
		TenantID:   tenant.ID,
		UserID:     user,
		Content:    req.Content,
		Importance: req.Importance,
	}
	if err := s.deps.Memory.SaveFact(r.Context(), fact); err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to save fact")
		s.logger.Error("saving user fact failed", "tenant_id", tenant.ID, "error", err)
		return
	}
	writeJSON(w, http.StatusCreated, factResponse{
		ID:         fact.ID.String(),
		Content:    fact.Content,
		Importance: fact.Importance,
	})
}

// handleEndSession summarizes and persists a conversation, then drops its
// working memory.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.deps.Memory.EndSession(r.Context(), tenant, userID(r), sessionID); err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to end session")
		s.logger.Error("ending session failed", "tenant_id", tenant.ID, "session_id", sessionID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "ended"})
}
