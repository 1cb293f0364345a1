package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/tuning"
)

type tenantResponse struct {
	ID        uuid.UUID               `json:"id"`
	Name      string                  `json:"name"`
	APIKey    string                  `json:"api_key,omitempty"`
	Active    bool                    `json:"active"`
	Config    repository.TenantConfig `json:"config"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func toTenantResponse(t *repository.Tenant, includeKey bool) tenantResponse {
	resp := tenantResponse{
		ID:        t.ID,
		Name:      t.Name,
		Active:    t.Active,
		Config:    t.Config,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if includeKey {
		resp.APIKey = t.APIKey
	}
	return resp
}

type createTenantRequest struct {
	Name   string                   `json:"name"`
	ID     string                   `json:"id,omitempty"`
	Config *repository.TenantConfig `json:"config,omitempty"`
}

// handleCreateTenant provisions a tenant with defaults and a fresh API key.
// The key is only ever returned from this call.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "name is required")
		return
	}

	tenantID := uuid.New()
	if req.ID != "" {
		var err error
		tenantID, err = uuid.Parse(req.ID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid tenant ID")
			return
		}
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to generate API key")
		return
	}

	cfg := s.defaultTenantConfig()
	if req.Config != nil {
		cfg = mergeTenantConfig(cfg, *req.Config)
	}
	if err := validateTenantConfig(cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	tenant := &repository.Tenant{
		ID:     tenantID,
		Name:   req.Name,
		APIKey: apiKey,
		Active: true,
		Config: cfg,
	}
	if err := s.deps.Tenants.Create(r.Context(), tenant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, codeConflict, "tenant already exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to create tenant")
		s.logger.Error("tenant creation failed", "name", req.Name, "error", err)
		return
	}

	// Collection setup is retried lazily on first ingest, so a vector store
	// outage does not block provisioning.
	if s.deps.Vectors != nil {
		dims := cfg.EmbeddingDimensions
		if err := s.deps.Vectors.EnsureCollection(r.Context(), tenant.ID, dims); err != nil {
			s.logger.Warn("failed to create vector collection", "tenant_id", tenant.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, toTenantResponse(tenant, true))
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)
	tenants, total, err := s.deps.Tenants.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to list tenants")
		return
	}

	out := make([]tenantResponse, len(tenants))
	for i, t := range tenants {
		out[i] = toTenantResponse(t, false)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": out,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.adminTenant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toTenantResponse(tenant, false))
}

type updateWeightsRequest struct {
	VectorWeight float64 `json:"vector_weight"`
	GraphWeight  float64 `json:"graph_weight"`
}

func (s *Server) handleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.adminTenant(w, r)
	if !ok {
		return
	}

	var req updateWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid weights body")
		return
	}

	err := s.deps.Tuning.UpdateWeights(r.Context(), tenant.ID, "admin", tuning.Weights{
		VectorWeight: req.VectorWeight,
		GraphWeight:  req.GraphWeight,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":     tenant.ID,
		"vector_weight": req.VectorWeight,
		"graph_weight":  req.GraphWeight,
	})
}

type issueTokenRequest struct {
	UserID string `json:"user_id"`
}

// handleIssueToken mints a user-scoped JWT for a tenant.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.adminTenant(w, r)
	if !ok {
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid token request")
		return
	}

	token, err := s.deps.JWT.GenerateToken(tenant.ID, tenant.Name, req.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) adminTenant(w http.ResponseWriter, r *http.Request) (*repository.Tenant, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid tenant ID")
		return nil, false
	}

	tenant, err := s.deps.Tenants.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "tenant not found")
		} else {
			writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to load tenant")
		}
		return nil, false
	}
	return tenant, true
}

// generateAPIKey returns "amber_" plus 32 random hex characters.
func generateAPIKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "amber_" + hex.EncodeToString(buf), nil
}

func (s *Server) defaultTenantConfig() repository.TenantConfig {
	cfg := s.deps.AppConfig
	return repository.TenantConfig{
		LLMProvider:         cfg.DefaultLLMProvider,
		LLMModel:            cfg.DefaultLLMModel,
		EmbeddingProvider:   cfg.DefaultEmbeddingProvider,
		EmbeddingModel:      cfg.DefaultEmbeddingModel,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		Chunker: repository.ChunkerConfig{
			Method:     cfg.DefaultChunkMethod,
			TargetSize: cfg.ChunkTargetSize,
			MaxSize:    cfg.ChunkMaxSize,
			Overlap:    cfg.ChunkOverlap,
		},
		TopK:         cfg.DefaultTopK,
		MinScore:     cfg.DefaultMinScore,
		VectorWeight: 1.0,
		GraphWeight:  1.0,
	}
}

// mergeTenantConfig overlays non-zero request fields onto the defaults.
func mergeTenantConfig(base, override repository.TenantConfig) repository.TenantConfig {
	if override.LLMProvider != "" {
		base.LLMProvider = override.LLMProvider
	}
	if override.LLMModel != "" {
		base.LLMModel = override.LLMModel
	}
	if override.Temperature != nil {
		base.Temperature = override.Temperature
	}
	if override.EmbeddingProvider != "" {
		base.EmbeddingProvider = override.EmbeddingProvider
	}
	if override.EmbeddingModel != "" {
		base.EmbeddingModel = override.EmbeddingModel
	}
	if override.EmbeddingDimensions > 0 {
		base.EmbeddingDimensions = override.EmbeddingDimensions
	}
	if len(override.LLMSteps) > 0 {
		base.LLMSteps = override.LLMSteps
	}
	if override.Chunker.Method != "" {
		base.Chunker.Method = override.Chunker.Method
	}
	if override.Chunker.TargetSize > 0 {
		base.Chunker.TargetSize = override.Chunker.TargetSize
	}
	if override.Chunker.MaxSize > 0 {
		base.Chunker.MaxSize = override.Chunker.MaxSize
	}
	if override.Chunker.Overlap > 0 {
		base.Chunker.Overlap = override.Chunker.Overlap
	}
	if override.TopK > 0 {
		base.TopK = override.TopK
	}
	if override.MinScore > 0 {
		base.MinScore = override.MinScore
	}
	if override.SystemPrompt != "" {
		base.SystemPrompt = override.SystemPrompt
	}
	if override.RerankerEnabled {
		base.RerankerEnabled = true
	}
	if override.VectorWeight > 0 {
		base.VectorWeight = override.VectorWeight
	}
	if override.GraphWeight > 0 {
		base.GraphWeight = override.GraphWeight
	}
	return base
}

func validateTenantConfig(cfg repository.TenantConfig) error {
	if cfg.EmbeddingModel == "" {
		return fmt.Errorf("embedding_model is required")
	}
	if cfg.LLMModel == "" {
		return fmt.Errorf("llm_model is required")
	}
	if err := validateChunker(cfg.Chunker); err != nil {
		return err
	}
	if cfg.TopK < 0 {
		return fmt.Errorf("top_k cannot be negative")
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		return fmt.Errorf("min_score must be between 0 and 1")
	}
	if cfg.VectorWeight < 0 || cfg.GraphWeight < 0 {
		return fmt.Errorf("fusion weights cannot be negative")
	}
	return nil
}

func validateChunker(c repository.ChunkerConfig) error {
	validMethods := map[string]bool{"fixed": true, "semantic": true, "sentence": true}
	if c.Method != "" && !validMethods[c.Method] {
		return fmt.Errorf("invalid chunker method: %s", c.Method)
	}
	if c.TargetSize < 0 || c.MaxSize < 0 || c.Overlap < 0 {
		return fmt.Errorf("chunker sizes cannot be negative")
	}
	if c.TargetSize > 0 && c.MaxSize > 0 && c.TargetSize > c.MaxSize {
		return fmt.Errorf("chunker target_size cannot exceed max_size")
	}
	return nil
}
