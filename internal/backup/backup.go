// Package backup creates and restores tenant data archives. An archive is a
// zip with a manifest plus JSON exports of documents, chunks, memory,
// vectors, and the knowledge graph, and the raw uploaded files.
package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/objectstore"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/vectorstore"
)

// ManifestVersion identifies the archive layout.
const ManifestVersion = 1

// Scope selects what a backup covers.
type Scope string

const (
	ScopeUserData   Scope = "user_data"
	ScopeFullSystem Scope = "full_system"
)

// Archive entry names.
const (
	entryManifest      = "manifest.json"
	entryDocumentsMeta = "documents/metadata.json"
	entryChunks        = "ingestion/chunks.json"
	entryUserFacts     = "memory/user_facts.json"
	entryConversations = "conversations/conversations.json"
	entryVectors       = "vectors/vectors.jsonl"
	entryGraph         = "graph/graph.jsonl"
	entryTenantConfig  = "config/tenant.json"
	filesPrefix        = "documents/files/"
)

// Manifest is the archive's self-description.
type Manifest struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Scope     Scope     `json:"scope"`
	JobID     uuid.UUID `json:"job_id"`
}

// vectorRecord is one vectors.jsonl line.
type vectorRecord struct {
	ChunkID      string                   `json:"chunk_id"`
	DocumentID   uuid.UUID                `json:"document_id"`
	Content      string                   `json:"content"`
	Vector       []float32                `json:"vector"`
	SparseVector *vectorstore.SparseVector `json:"sparse_vector,omitempty"`
	Metadata     map[string]string        `json:"metadata,omitempty"`
}

// graphRecord is one graph.jsonl line: exactly one of entity or relation.
type graphRecord struct {
	Entity   *graphstore.Entity   `json:"entity,omitempty"`
	Relation *graphstore.Relation `json:"relation,omitempty"`
}

// Service creates and restores tenant archives.
type Service struct {
	tenants repository.TenantRepository
	docs    repository.DocumentRepository
	chunks  repository.ChunkRepository
	mem     repository.MemoryRepository
	objects objectstore.ObjectStore
	vectors vectorstore.VectorStore
	graph   graphstore.GraphStore
}

// NewService wires the backup service. graph may be nil when the deployment
// runs without a graph store.
func NewService(
	tenants repository.TenantRepository,
	docs repository.DocumentRepository,
	chunks repository.ChunkRepository,
	mem repository.MemoryRepository,
	objects objectstore.ObjectStore,
	vectors vectorstore.VectorStore,
	graph graphstore.GraphStore,
) *Service {
	return &Service{
		tenants: tenants,
		docs:    docs,
		chunks:  chunks,
		mem:     mem,
		objects: objects,
		vectors: vectors,
		graph:   graph,
	}
}

// Create writes a complete tenant archive to w.
func (s *Service) Create(ctx context.Context, tenant *repository.Tenant, scope Scope, w io.Writer) (*Manifest, error) {
	manifest := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: time.Now().UTC(),
		TenantID:  tenant.ID,
		Scope:     scope,
		JobID:     uuid.New(),
	}

	zw := zip.NewWriter(w)

	if err := writeJSONEntry(zw, entryManifest, manifest); err != nil {
		return nil, err
	}
	if err := writeJSONEntry(zw, entryTenantConfig, tenant.Config); err != nil {
		return nil, err
	}

	documents, err := s.allDocuments(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	if err := writeJSONEntry(zw, entryDocumentsMeta, documents); err != nil {
		return nil, err
	}
	if err := s.writeFiles(ctx, zw, documents); err != nil {
		return nil, err
	}
	if err := s.writeChunks(ctx, zw, documents); err != nil {
		return nil, err
	}
	if err := s.writeMemory(ctx, zw, tenant.ID); err != nil {
		return nil, err
	}
	if err := s.writeVectors(ctx, zw, tenant.ID); err != nil {
		return nil, err
	}
	if err := s.writeGraph(ctx, zw, tenant.ID); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return manifest, nil
}

func (s *Service) allDocuments(ctx context.Context, tenantID uuid.UUID) ([]*repository.Document, error) {
	const page = 200
	var documents []*repository.Document
	for offset := 0; ; offset += page {
		batch, _, err := s.docs.List(ctx, tenantID, "", page, offset)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}
		documents = append(documents, batch...)
		if len(batch) < page {
			return documents, nil
		}
	}
}

// writeFiles copies each document's raw upload into the archive. Objects
// that have gone missing are logged and skipped; the metadata entry still
// records the document.
func (s *Service) writeFiles(ctx context.Context, zw *zip.Writer, documents []*repository.Document) error {
	for _, doc := range documents {
		if doc.StoragePath == "" {
			continue
		}
		body, err := s.objects.Get(ctx, doc.StoragePath)
		if err != nil {
			slog.Warn("backup skipping missing object", "document_id", doc.ID, "path", doc.StoragePath, "error", err)
			continue
		}

		entry, err := zw.Create(filesPrefix + "root/" + doc.ID.String() + "_" + doc.Filename)
		if err != nil {
			body.Close()
			return fmt.Errorf("creating file entry: %w", err)
		}
		if _, err := io.Copy(entry, body); err != nil {
			body.Close()
			return fmt.Errorf("copying %s: %w", doc.Filename, err)
		}
		body.Close()
	}
	return nil
}

func (s *Service) writeChunks(ctx context.Context, zw *zip.Writer, documents []*repository.Document) error {
	const page = 500
	var all []*repository.Chunk
	for _, doc := range documents {
		for offset := 0; ; offset += page {
			batch, err := s.chunks.GetByDocument(ctx, doc.ID, page, offset)
			if err != nil {
				return fmt.Errorf("listing chunks for %s: %w", doc.ID, err)
			}
			all = append(all, batch...)
			if len(batch) < page {
				break
			}
		}
	}
	return writeJSONEntry(zw, entryChunks, all)
}

func (s *Service) writeMemory(ctx context.Context, zw *zip.Writer, tenantID uuid.UUID) error {
	facts, err := s.mem.TenantFacts(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing facts: %w", err)
	}
	if err := writeJSONEntry(zw, entryUserFacts, facts); err != nil {
		return err
	}

	summaries, err := s.mem.TenantSummaries(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing summaries: %w", err)
	}
	return writeJSONEntry(zw, entryConversations, summaries)
}

func (s *Service) writeVectors(ctx context.Context, zw *zip.Writer, tenantID uuid.UUID) error {
	exists, err := s.vectors.CollectionExists(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if !exists {
		return nil
	}

	entry, err := zw.Create(entryVectors)
	if err != nil {
		return fmt.Errorf("creating vectors entry: %w", err)
	}
	enc := json.NewEncoder(entry)
	return s.vectors.ExportPoints(ctx, tenantID, func(p vectorstore.Point) error {
		return enc.Encode(vectorRecord{
			ChunkID:      p.ChunkID,
			DocumentID:   p.DocumentID,
			Content:      p.Content,
			Vector:       p.Vector,
			SparseVector: p.SparseVector,
			Metadata:     p.Metadata,
		})
	})
}

func (s *Service) writeGraph(ctx context.Context, zw *zip.Writer, tenantID uuid.UUID) error {
	if s.graph == nil {
		return nil
	}
	entities, relations, err := s.graph.Export(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("exporting graph: %w", err)
	}
	if len(entities) == 0 && len(relations) == 0 {
		return nil
	}

	entry, err := zw.Create(entryGraph)
	if err != nil {
		return fmt.Errorf("creating graph entry: %w", err)
	}
	enc := json.NewEncoder(entry)
	for i := range entities {
		if err := enc.Encode(graphRecord{Entity: &entities[i]}); err != nil {
			return err
		}
	}
	for i := range relations {
		if err := enc.Encode(graphRecord{Relation: &relations[i]}); err != nil {
			return err
		}
	}
	return nil
}

// errEntryMissing marks an optional archive entry that is absent.
var errEntryMissing = errors.New("archive entry missing")

func findEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readJSONEntry(zr *zip.Reader, name string, v any) error {
	entry := findEntry(zr, name)
	if entry == nil {
		return errEntryMissing
	}
	body, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return nil
}
