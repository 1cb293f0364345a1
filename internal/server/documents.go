package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/ingestion"
	"github.com/amberhq/amber/internal/repository"
)

// processTimeout bounds one background ingestion run.
const processTimeout = 30 * time.Minute

type documentResponse struct {
	ID           uuid.UUID         `json:"id"`
	Filename     string            `json:"filename"`
	ContentHash  string            `json:"content_hash"`
	Status       string            `json:"status"`
	Domain       string            `json:"domain,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	DocumentType string            `json:"document_type,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	Hashtags     []string          `json:"hashtags,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ChunkCount   int               `json:"chunk_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Deduplicated bool              `json:"deduplicated,omitempty"`
}

func toDocumentResponse(doc *repository.Document, deduplicated bool) documentResponse {
	return documentResponse{
		ID:           doc.ID,
		Filename:     doc.Filename,
		ContentHash:  doc.ContentHash,
		Status:       string(doc.Status),
		Domain:       doc.Domain,
		Summary:      doc.Summary,
		DocumentType: doc.DocumentType,
		Keywords:     doc.Keywords,
		Hashtags:     doc.Hashtags,
		ErrorMessage: doc.ErrorMessage,
		ChunkCount:   doc.ChunkCount,
		Metadata:     doc.Metadata,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		Deduplicated: deduplicated,
	}
}

// handleUpload accepts a multipart upload and registers it for ingestion.
// Oversized uploads are rejected with 413 before the body is consumed.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, codeTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "missing file field")
		return
	}
	defer file.Close()

	content, err := ingestion.ReadAll(file, s.cfg.MaxUploadBytes)
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeTooLarge, err.Error())
		return
	}

	metadata := map[string]string{}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, "metadata must be a JSON object of strings")
			return
		}
	}

	contentType := header.Header.Get("Content-Type")
	doc, created, err := s.deps.Pipeline.Register(r.Context(), tenant.ID, header.Filename, content, contentType, metadata)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to register document")
		s.logger.Error("document registration failed", "tenant_id", tenant.ID, "error", err)
		return
	}

	if created {
		s.startProcessing(doc.ID)
		s.metrics.ObserveTransition(string(repository.StatusIngested))
	}
	writeJSON(w, http.StatusAccepted, toDocumentResponse(doc, !created))
}

type registerURLRequest struct {
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterURL(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	var req registerURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "url is required")
		return
	}

	doc, created, err := s.deps.Pipeline.RegisterURL(r.Context(), tenant.ID, req.URL, req.Metadata)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to register URL")
		s.logger.Error("url registration failed", "tenant_id", tenant.ID, "error", err)
		return
	}

	if created {
		s.startProcessing(doc.ID)
	}
	writeJSON(w, http.StatusAccepted, toDocumentResponse(doc, !created))
}

// startProcessing runs the pipeline in the background; the upload response
// does not wait for ingestion.
func (s *Server) startProcessing(documentID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		if err := s.deps.Pipeline.Process(ctx, documentID); err != nil {
			s.logger.Error("ingestion failed", "document_id", documentID, "error", err)
		}
	}()
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r, 50)
	status := repository.DocumentStatus(r.URL.Query().Get("status"))

	docs, total, err := s.deps.Pipeline.List(r.Context(), tenant.ID, status, limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to list documents")
		return
	}

	out := make([]documentResponse, len(docs))
	for i, doc := range docs {
		out[i] = toDocumentResponse(doc, false)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": out,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	doc, ok := s.documentForTenant(w, r, tenant)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc, false))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	doc, ok := s.documentForTenant(w, r, tenant)
	if !ok {
		return
	}

	if err := s.deps.Pipeline.Delete(r.Context(), doc.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to delete document")
		s.logger.Error("document deletion failed", "document_id", doc.ID, "error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDocumentStatus streams status transitions as SSE until the document
// reaches a terminal state or the client disconnects.
func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	doc, ok := s.documentForTenant(w, r, tenant)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	events, err := s.deps.Events.SubscribeStatus(r.Context(), doc.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to subscribe")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Current state first so slow subscribers do not miss the transition
	// that happened before they connected.
	writeSSE(w, "status", map[string]any{
		"document_id": doc.ID,
		"status":      string(doc.Status),
	})
	flusher.Flush()
	if doc.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			writeSSE(w, "status", event)
			flusher.Flush()
			if event.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) documentForTenant(w http.ResponseWriter, r *http.Request, tenant *repository.Tenant) (*repository.Document, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid document ID")
		return nil, false
	}

	doc, err := s.deps.Pipeline.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "document not found")
		} else {
			writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to load document")
		}
		return nil, false
	}
	if doc.TenantID != tenant.ID {
		// Cross-tenant probing looks identical to a missing document.
		writeError(w, r, http.StatusNotFound, codeNotFound, "document not found")
		return nil, false
	}
	return doc, true
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	if limit <= 0 || limit > 200 {
		limit = defaultLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		fmt.Sscanf(v, "%d", &offset)
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
