package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/vectorstore"
)

// RestoreMode controls how a restore treats existing tenant data.
type RestoreMode string

const (
	// RestoreMerge keeps existing data; archive documents that collide on
	// content hash are skipped.
	RestoreMerge RestoreMode = "merge"

	// RestoreReplace clears the tenant's user data before loading.
	RestoreReplace RestoreMode = "replace"
)

// vectorBatchSize bounds each upsert during vector restore.
const vectorBatchSize = 128

// Restore loads an archive into the tenant. The archive's manifest tenant
// must match; restoring one tenant's archive into another is refused.
func (s *Service) Restore(ctx context.Context, tenant *repository.Tenant, r io.ReaderAt, size int64, mode RestoreMode) error {
	if mode != RestoreMerge && mode != RestoreReplace {
		return fmt.Errorf("unknown restore mode %q", mode)
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	manifest, err := readManifest(zr)
	if err != nil {
		return err
	}
	if manifest.TenantID != tenant.ID {
		return fmt.Errorf("archive belongs to tenant %s, not %s", manifest.TenantID, tenant.ID)
	}
	if manifest.Version > ManifestVersion {
		return fmt.Errorf("archive version %d is newer than supported %d", manifest.Version, ManifestVersion)
	}

	if mode == RestoreReplace {
		if err := s.clearTenant(ctx, tenant.ID); err != nil {
			return fmt.Errorf("clearing tenant data: %w", err)
		}
	}

	skipped, err := s.restoreDocuments(ctx, tenant, zr, mode)
	if err != nil {
		return err
	}
	if err := s.restoreChunks(ctx, zr, skipped); err != nil {
		return err
	}
	if err := s.restoreVectors(ctx, tenant, zr, skipped); err != nil {
		return err
	}
	if err := s.restoreGraph(ctx, tenant.ID, zr); err != nil {
		return err
	}
	if err := s.restoreMemory(ctx, zr, mode); err != nil {
		return err
	}

	slog.Info("restore complete",
		"tenant_id", tenant.ID,
		"job_id", manifest.JobID,
		"mode", mode,
		"skipped_documents", len(skipped),
	)
	return nil
}

func readManifest(zr *zip.Reader) (*Manifest, error) {
	var manifest Manifest
	if err := readJSONEntry(zr, entryManifest, &manifest); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return &manifest, nil
}

func (s *Service) clearTenant(ctx context.Context, tenantID uuid.UUID) error {
	documents, err := s.allDocuments(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, doc := range documents {
		if err := s.docs.Delete(ctx, doc.ID); err != nil {
			return fmt.Errorf("deleting document %s: %w", doc.ID, err)
		}
	}
	if err := s.chunks.DeleteByTenant(ctx, tenantID); err != nil {
		return err
	}
	if err := s.objects.DeleteByTenant(ctx, tenantID); err != nil {
		return err
	}
	exists, err := s.vectors.CollectionExists(ctx, tenantID)
	if err != nil {
		return err
	}
	if exists {
		if err := s.vectors.DeleteCollection(ctx, tenantID); err != nil {
			return err
		}
	}
	if s.graph != nil {
		if err := s.graph.DeleteByTenant(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

// restoreDocuments loads document rows and their raw files. It returns the
// set of archive document IDs that were skipped (merge collisions), so later
// stages can skip their chunks and vectors too.
func (s *Service) restoreDocuments(ctx context.Context, tenant *repository.Tenant, zr *zip.Reader, mode RestoreMode) (map[uuid.UUID]bool, error) {
	var documents []*repository.Document
	if err := readJSONEntry(zr, entryDocumentsMeta, &documents); err != nil {
		return nil, fmt.Errorf("reading document metadata: %w", err)
	}

	files := make(map[string]*zip.File)
	for _, f := range zr.File {
		files[f.Name] = f
	}

	skipped := make(map[uuid.UUID]bool)
	for _, doc := range documents {
		if mode == RestoreMerge {
			existing, err := s.docs.GetByHash(ctx, tenant.ID, doc.ContentHash)
			if err == nil && existing != nil {
				skipped[doc.ID] = true
				continue
			}
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("checking document hash: %w", err)
			}
		}

		if f, ok := files[filesPrefix+"root/"+doc.ID.String()+"_"+doc.Filename]; ok {
			body, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("opening archived file: %w", err)
			}
			path, err := s.objects.Put(ctx, tenant.ID, doc.ID, doc.Filename, body, int64(f.UncompressedSize64), doc.Metadata["content_type"])
			body.Close()
			if err != nil {
				return nil, fmt.Errorf("storing %s: %w", doc.Filename, err)
			}
			doc.StoragePath = path
		}

		doc.TenantID = tenant.ID
		if err := s.docs.Create(ctx, doc); err != nil {
			return nil, fmt.Errorf("creating document %s: %w", doc.ID, err)
		}
	}
	return skipped, nil
}

func (s *Service) restoreChunks(ctx context.Context, zr *zip.Reader, skipped map[uuid.UUID]bool) error {
	var chunks []*repository.Chunk
	if err := readJSONEntry(zr, entryChunks, &chunks); err != nil {
		if errors.Is(err, errEntryMissing) {
			return nil
		}
		return fmt.Errorf("reading chunks: %w", err)
	}

	kept := chunks[:0]
	for _, c := range chunks {
		if !skipped[c.DocumentID] {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if err := s.chunks.CreateBatch(ctx, kept); err != nil {
		return fmt.Errorf("restoring chunks: %w", err)
	}
	return nil
}

func (s *Service) restoreVectors(ctx context.Context, tenant *repository.Tenant, zr *zip.Reader, skipped map[uuid.UUID]bool) error {
	entry := findEntry(zr, entryVectors)
	if entry == nil {
		return nil
	}
	body, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening vectors entry: %w", err)
	}
	defer body.Close()

	ensured := false
	var batch []vectorstore.Point
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.vectors.Upsert(ctx, tenant.ID, batch); err != nil {
			return fmt.Errorf("restoring vectors: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	dec := json.NewDecoder(body)
	for {
		var rec vectorRecord
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decoding vector record: %w", err)
		}
		if skipped[rec.DocumentID] {
			continue
		}

		if !ensured {
			if err := s.vectors.EnsureCollection(ctx, tenant.ID, len(rec.Vector)); err != nil {
				return fmt.Errorf("ensuring collection: %w", err)
			}
			ensured = true
		}

		batch = append(batch, vectorstore.Point{
			ChunkID:      rec.ChunkID,
			DocumentID:   rec.DocumentID,
			TenantID:     tenant.ID,
			Content:      rec.Content,
			Vector:       rec.Vector,
			SparseVector: rec.SparseVector,
			Metadata:     rec.Metadata,
		})
		if len(batch) >= vectorBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (s *Service) restoreGraph(ctx context.Context, tenantID uuid.UUID, zr *zip.Reader) error {
	if s.graph == nil {
		return nil
	}
	entry := findEntry(zr, entryGraph)
	if entry == nil {
		return nil
	}
	body, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening graph entry: %w", err)
	}
	defer body.Close()

	var entities []graphstore.Entity
	var relations []graphstore.Relation
	dec := json.NewDecoder(body)
	for {
		var rec graphRecord
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decoding graph record: %w", err)
		}
		if rec.Entity != nil {
			entities = append(entities, *rec.Entity)
		}
		if rec.Relation != nil {
			relations = append(relations, *rec.Relation)
		}
	}

	if len(entities) > 0 {
		if err := s.graph.UpsertEntities(ctx, tenantID, entities); err != nil {
			return fmt.Errorf("restoring entities: %w", err)
		}
	}
	if len(relations) > 0 {
		if err := s.graph.UpsertRelations(ctx, tenantID, relations); err != nil {
			return fmt.Errorf("restoring relations: %w", err)
		}
	}
	return nil
}

func (s *Service) restoreMemory(ctx context.Context, zr *zip.Reader, mode RestoreMode) error {
	var facts []*repository.UserFact
	if err := readJSONEntry(zr, entryUserFacts, &facts); err != nil && !errors.Is(err, errEntryMissing) {
		return fmt.Errorf("reading user facts: %w", err)
	}
	for _, fact := range facts {
		if err := s.mem.SaveFact(ctx, fact); err != nil {
			// Merge restores can collide on primary key; that is fine.
			if mode == RestoreMerge {
				slog.Debug("skipping existing fact", "fact_id", fact.ID, "error", err)
				continue
			}
			return fmt.Errorf("restoring fact: %w", err)
		}
	}

	var summaries []*repository.ConversationSummary
	if err := readJSONEntry(zr, entryConversations, &summaries); err != nil && !errors.Is(err, errEntryMissing) {
		return fmt.Errorf("reading conversation summaries: %w", err)
	}
	for _, summary := range summaries {
		if err := s.mem.SaveSummary(ctx, summary); err != nil {
			if mode == RestoreMerge {
				slog.Debug("skipping existing summary", "summary_id", summary.ID, "error", err)
				continue
			}
			return fmt.Errorf("restoring summary: %w", err)
		}
	}
	return nil
}
