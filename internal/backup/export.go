package backup

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/memory"
	"github.com/amberhq/amber/internal/repository"
)

// ConversationExport describes one session export request.
type ConversationExport struct {
	SessionID string
	UserID    string
	Messages  []memory.Message
	// DocumentIDs are documents referenced during the conversation; their
	// raw files are bundled alongside the transcript.
	DocumentIDs []uuid.UUID
}

type exportMetadata struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ExportedAt time.Time `json:"exported_at"`
	Messages   int       `json:"messages"`
	Documents  []string  `json:"documents"`
}

// ExportConversation writes a session transcript archive: transcript.txt,
// metadata.json, and the referenced documents' raw files. A document whose
// stored file has gone missing becomes a placeholder entry instead of
// failing the export.
func (s *Service) ExportConversation(ctx context.Context, tenant *repository.Tenant, export ConversationExport, w io.Writer) error {
	zw := zip.NewWriter(w)

	transcript, err := zw.Create("transcript.txt")
	if err != nil {
		return fmt.Errorf("creating transcript: %w", err)
	}
	if _, err := io.WriteString(transcript, memory.FormatForPrompt(export.Messages)); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}

	var docNames []string
	for _, docID := range export.DocumentIDs {
		doc, err := s.docs.GetByID(ctx, docID)
		if err != nil {
			slog.Warn("export skipping unknown document", "document_id", docID, "error", err)
			continue
		}
		docNames = append(docNames, doc.Filename)

		if err := s.exportDocumentFile(ctx, zw, doc); err != nil {
			return err
		}
	}

	if err := writeJSONEntry(zw, "metadata.json", exportMetadata{
		SessionID:  export.SessionID,
		UserID:     export.UserID,
		TenantID:   tenant.ID,
		ExportedAt: time.Now().UTC(),
		Messages:   len(export.Messages),
		Documents:  docNames,
	}); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing export: %w", err)
	}
	return nil
}

func (s *Service) exportDocumentFile(ctx context.Context, zw *zip.Writer, doc *repository.Document) error {
	body, err := s.objects.Get(ctx, doc.StoragePath)
	if err != nil {
		placeholder, perr := zw.Create("documents/" + doc.Filename + ".missing.txt")
		if perr != nil {
			return fmt.Errorf("creating placeholder: %w", perr)
		}
		fmt.Fprintf(placeholder, "The original file %q could not be retrieved: %v\n", doc.Filename, err)
		return nil
	}
	defer body.Close()

	entry, err := zw.Create("documents/" + doc.Filename)
	if err != nil {
		return fmt.Errorf("creating document entry: %w", err)
	}
	if _, err := io.Copy(entry, body); err != nil {
		return fmt.Errorf("copying %s: %w", doc.Filename, err)
	}
	return nil
}
