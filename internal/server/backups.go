package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/backup"
)

// maxRestoreBytes caps how large a restore archive may be.
const maxRestoreBytes = 1 << 30

// handleCreateBackup streams a zip archive of the tenant's data.
func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	scope := backup.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = backup.ScopeUserData
	}
	if scope != backup.ScopeUserData && scope != backup.ScopeFullSystem {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "scope must be user_data or full_system")
		return
	}

	filename := fmt.Sprintf("backup_%s_%s.zip", tenant.ID, time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if _, err := s.deps.Backup.Create(r.Context(), tenant, scope, w); err != nil {
		// Headers are gone; the truncated archive is the only error signal.
		s.logger.Error("backup failed", "tenant_id", tenant.ID, "scope", scope, "error", err)
	}
}

// handleRestore ingests a previously created archive.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	mode := backup.RestoreMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = backup.RestoreMerge
	}
	if mode != backup.RestoreMerge && mode != backup.RestoreReplace {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "mode must be merge or replace")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRestoreBytes)
	var archive io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid multipart form")
			return
		}
		file, _, err := r.FormFile("archive")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, "missing archive field")
			return
		}
		defer file.Close()
		archive = file
	}

	data, err := io.ReadAll(archive)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "failed to read archive")
		return
	}

	if err := s.deps.Backup.Restore(r.Context(), tenant, bytes.NewReader(data), int64(len(data)), mode); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		s.logger.Error("restore failed", "tenant_id", tenant.ID, "mode", mode, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": true, "mode": mode})
}

type exportConversationRequest struct {
	SessionID   string   `json:"session_id"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// handleExportConversation bundles a session transcript with its referenced
// documents into a downloadable archive.
func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOr401(w, r)
	if !ok {
		return
	}

	var req exportConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "session_id is required")
		return
	}

	docIDs := make([]uuid.UUID, 0, len(req.DocumentIDs))
	for _, raw := range req.DocumentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("invalid document ID %q", raw))
			return
		}
		docIDs = append(docIDs, id)
	}

	export := backup.ConversationExport{
		SessionID:   req.SessionID,
		UserID:      userID(r),
		Messages:    s.deps.Memory.Transcript(req.SessionID),
		DocumentIDs: docIDs,
	}
	if len(export.Messages) == 0 {
		writeError(w, r, http.StatusNotFound, codeNotFound, "session has no messages")
		return
	}

	filename := fmt.Sprintf("conversation_%s.zip", req.SessionID)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.deps.Backup.ExportConversation(r.Context(), tenant, export, w); err != nil {
		s.logger.Error("conversation export failed", "tenant_id", tenant.ID, "session_id", req.SessionID, "error", err)
	}
}
