package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/capacity"
	"github.com/amberhq/amber/internal/extractor"
	"github.com/amberhq/amber/internal/embedder"
	"github.com/amberhq/amber/internal/objectstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/vectorstore"
)

// EventPublisher announces document status changes to subscribers.
type EventPublisher interface {
	PublishStatus(ctx context.Context, tenantID, documentID uuid.UUID, status repository.DocumentStatus, errorMsg string) error
}

// GraphBuilder extracts entities and relations from a document's chunks and
// persists them into the tenant's knowledge graph.
type GraphBuilder interface {
	// BuildDocument receives the chunk embeddings computed during the
	// embedding stage, so chunk-similarity edges do not re-embed.
	BuildDocument(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, chunks []*repository.Chunk, vectors [][]float32) error
}

// Invalidator is notified when a tenant's corpus changes, so cached results
// derived from the old corpus stop being served.
type Invalidator interface {
	MarkUpdated(ctx context.Context, tenantID uuid.UUID) error
}

// PipelineOptions tunes pipeline behavior.
type PipelineOptions struct {
	// EnrichmentChunks is how many leading chunks feed document enrichment.
	EnrichmentChunks int
}

// Pipeline drives a document through its lifecycle: extraction,
// classification, chunking, embedding, and graph sync. Stage transitions are
// compare-and-swap updates, so concurrent workers processing the same
// document cannot run a stage twice.
type Pipeline struct {
	docs       repository.DocumentRepository
	chunks     repository.ChunkRepository
	tenants    repository.TenantRepository
	objects    objectstore.ObjectStore
	vectors    vectorstore.VectorStore
	extractors *extractor.Chain
	embedder   embedder.Embedder
	sparse     *embedder.SparseVectorizer
	llm        *provider.Chain
	steps      *provider.StepResolver
	classifier *Classifier
	graph      GraphBuilder
	events     EventPublisher
	capacity   capacity.Limiter
	caches     Invalidator

	opts PipelineOptions
}

// NewPipeline wires the ingestion pipeline. Graph, events, capacity, and
// cache invalidation are optional; a nil dependency disables that behavior.
func NewPipeline(
	docs repository.DocumentRepository,
	chunks repository.ChunkRepository,
	tenants repository.TenantRepository,
	objects objectstore.ObjectStore,
	vectors vectorstore.VectorStore,
	extractors *extractor.Chain,
	emb embedder.Embedder,
	llm *provider.Chain,
	steps *provider.StepResolver,
	classifier *Classifier,
	graph GraphBuilder,
	events EventPublisher,
	limiter capacity.Limiter,
	caches Invalidator,
	opts PipelineOptions,
) *Pipeline {
	if opts.EnrichmentChunks <= 0 {
		opts.EnrichmentChunks = 10
	}
	return &Pipeline{
		docs:       docs,
		chunks:     chunks,
		tenants:    tenants,
		objects:    objects,
		vectors:    vectors,
		extractors: extractors,
		embedder:   emb,
		sparse:     embedder.NewSparseVectorizer(),
		llm:        llm,
		steps:      steps,
		classifier: classifier,
		graph:      graph,
		events:     events,
		capacity:   limiter,
		caches:     caches,
		opts:       opts,
	}
}

// HashContent returns the hex SHA-256 digest used for dedup.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Register stores raw content and creates the document record. Registration
// is idempotent on (tenant, content hash): re-uploading the same bytes
// returns the existing document with created=false and does no new work.
func (p *Pipeline) Register(ctx context.Context, tenantID uuid.UUID, filename string, content []byte, contentType string, metadata map[string]string) (*repository.Document, bool, error) {
	if len(content) == 0 {
		return nil, false, fmt.Errorf("content cannot be empty")
	}

	hash := HashContent(content)
	existing, err := p.docs.GetByHash(ctx, tenantID, hash)
	if err == nil {
		slog.Info("duplicate upload resolved to existing document",
			"tenant_id", tenantID, "document_id", existing.ID, "content_hash", hash)
		return existing, false, nil
	}
	if err != repository.ErrNotFound {
		return nil, false, fmt.Errorf("checking for duplicate: %w", err)
	}

	doc := &repository.Document{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Filename:    filename,
		ContentHash: hash,
		Status:      repository.StatusIngested,
		Metadata:    metadata,
	}
	if contentType != "" {
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]string)
		}
		doc.Metadata["content_type"] = contentType
	}

	storagePath, err := p.objects.Put(ctx, tenantID, doc.ID, filename, strings.NewReader(string(content)), int64(len(content)), contentType)
	if err != nil {
		return nil, false, fmt.Errorf("storing raw content: %w", err)
	}
	doc.StoragePath = storagePath

	if err := p.docs.Create(ctx, doc); err != nil {
		// A racing upload may have created the same hash between our check
		// and insert; resolve to the winner.
		if winner, gerr := p.docs.GetByHash(ctx, tenantID, hash); gerr == nil {
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("creating document: %w", err)
	}

	p.publish(ctx, doc, repository.StatusIngested, "")
	return doc, true, nil
}

// RegisterURL creates a document whose content will be fetched and rendered
// at processing time.
func (p *Pipeline) RegisterURL(ctx context.Context, tenantID uuid.UUID, url string, metadata map[string]string) (*repository.Document, bool, error) {
	if url == "" {
		return nil, false, fmt.Errorf("url cannot be empty")
	}

	hash := HashContent([]byte(url))
	existing, err := p.docs.GetByHash(ctx, tenantID, hash)
	if err == nil {
		return existing, false, nil
	}
	if err != repository.ErrNotFound {
		return nil, false, fmt.Errorf("checking for duplicate: %w", err)
	}

	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadata["source_url"] = url

	doc := &repository.Document{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Filename:    url,
		ContentHash: hash,
		Status:      repository.StatusIngested,
		Metadata:    metadata,
	}
	if err := p.docs.Create(ctx, doc); err != nil {
		if winner, gerr := p.docs.GetByHash(ctx, tenantID, hash); gerr == nil {
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("creating document: %w", err)
	}

	p.publish(ctx, doc, repository.StatusIngested, "")
	return doc, true, nil
}

// Process runs a document through every stage to READY. If another worker
// holds the document (a CAS transition fails), Process returns nil and lets
// the holder finish. A stage failure marks the document FAILED, except for
// graph sync, which degrades to a warning.
func (p *Pipeline) Process(ctx context.Context, documentID uuid.UUID) error {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}
	tenant, err := p.tenants.GetByID(ctx, doc.TenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}

	if p.capacity != nil {
		lease, err := p.capacity.Acquire(ctx, doc.TenantID, capacity.ClassIngestion)
		if err != nil {
			return fmt.Errorf("acquiring ingestion capacity: %w", err)
		}
		defer lease.Release(context.WithoutCancel(ctx))
	}

	// Extraction
	ok, err := p.transition(ctx, doc, repository.StatusIngested, repository.StatusExtracting)
	if err != nil || !ok {
		return err
	}
	text, err := p.extract(ctx, doc)
	if err != nil {
		return p.fail(ctx, doc, fmt.Errorf("extraction: %w", err))
	}

	// Classification
	if ok, err = p.transition(ctx, doc, repository.StatusExtracting, repository.StatusClassifying); err != nil || !ok {
		return err
	}
	if p.classifier != nil {
		cls := p.classifier.Classify(ctx, tenant, doc, text)
		doc.Domain = cls.Domain
		doc.DocumentType = cls.DocumentType
		doc.Keywords = cls.Keywords
		doc.Hashtags = cls.Hashtags
	}

	// Chunking
	if ok, err = p.transition(ctx, doc, repository.StatusClassifying, repository.StatusChunking); err != nil || !ok {
		return err
	}
	stored, err := p.chunk(ctx, tenant, doc, text)
	if err != nil {
		return p.fail(ctx, doc, fmt.Errorf("chunking: %w", err))
	}

	// Embedding
	if ok, err = p.transition(ctx, doc, repository.StatusChunking, repository.StatusEmbedding); err != nil || !ok {
		return err
	}
	vectors, err := p.embed(ctx, tenant, doc, stored)
	if err != nil {
		_ = p.chunks.UpdateEmbeddingStatus(ctx, doc.ID, repository.EmbeddingFailed)
		return p.fail(ctx, doc, fmt.Errorf("embedding: %w", err))
	}

	// Graph sync: best effort. A broken graph degrades retrieval depth but
	// does not make the document unavailable.
	if ok, err = p.transition(ctx, doc, repository.StatusEmbedding, repository.StatusGraphSync); err != nil || !ok {
		return err
	}
	p.enrich(ctx, tenant, doc, stored)
	if p.graph != nil {
		if err := p.graph.BuildDocument(ctx, tenant, doc, stored, vectors); err != nil {
			slog.Warn("graph sync failed, document remains searchable without graph context",
				"tenant_id", doc.TenantID, "document_id", doc.ID, "error", err)
		}
	}

	doc.ChunkCount = len(stored)
	if err := p.docs.Update(ctx, doc); err != nil {
		return p.fail(ctx, doc, fmt.Errorf("persisting document metadata: %w", err))
	}

	if ok, err = p.transition(ctx, doc, repository.StatusGraphSync, repository.StatusReady); err != nil || !ok {
		return err
	}

	if p.caches != nil {
		if err := p.caches.MarkUpdated(ctx, doc.TenantID); err != nil {
			slog.Warn("failed to invalidate tenant caches", "tenant_id", doc.TenantID, "error", err)
		}
	}
	slog.Info("document processed", "tenant_id", doc.TenantID, "document_id", doc.ID, "chunks", len(stored))
	return nil
}

// extract loads the raw content and runs the extractor chain.
func (p *Pipeline) extract(ctx context.Context, doc *repository.Document) (string, error) {
	in := extractor.Input{
		Filename:    doc.Filename,
		ContentType: doc.Metadata["content_type"],
		URL:         doc.Metadata["source_url"],
	}
	if doc.StoragePath != "" {
		body, err := p.objects.Get(ctx, doc.StoragePath)
		if err != nil {
			return "", fmt.Errorf("loading raw content: %w", err)
		}
		defer body.Close()
		in.Body = body
		return p.runExtraction(ctx, in)
	}
	if in.URL == "" {
		return "", fmt.Errorf("document has neither stored content nor source url")
	}
	return p.runExtraction(ctx, in)
}

func (p *Pipeline) runExtraction(ctx context.Context, in extractor.Input) (string, error) {
	result, err := p.extractors.Extract(ctx, in)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// chunk splits text per tenant config and persists the chunk rows.
func (p *Pipeline) chunk(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, text string) ([]*repository.Chunk, error) {
	chunker := NewChunker(tenant.Config.Chunker)
	raw := chunker.Chunk(text)
	if len(raw) == 0 {
		return nil, fmt.Errorf("no chunks produced from %d bytes of text", len(text))
	}

	now := time.Now()
	stored := make([]*repository.Chunk, len(raw))
	for i, c := range raw {
		stored[i] = &repository.Chunk{
			ID:              repository.ChunkID(doc.ID, c.Index),
			TenantID:        doc.TenantID,
			DocumentID:      doc.ID,
			Index:           c.Index,
			Content:         c.Content,
			Tokens:          embedder.EstimateTokens(c.Content),
			Metadata:        c.Metadata,
			EmbeddingStatus: repository.EmbeddingPending,
			CreatedAt:       now,
		}
	}
	if err := p.chunks.CreateBatch(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// embed generates dense and sparse vectors for every chunk, upserts them into
// the tenant's collection, and returns the dense vectors for graph sync.
func (p *Pipeline) embed(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, chunks []*repository.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	meta := provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "ingestion.embedding",
		Metadata: map[string]string{"document_id": doc.ID.String()},
	}
	opts := provider.EmbedOptions{
		Model:      tenant.Config.EmbeddingModel,
		Dimensions: tenant.Config.EmbeddingDimensions,
	}
	vectors, err := p.embedder.EmbedTexts(ctx, meta, texts, opts)
	if err != nil {
		return nil, err
	}

	dims := tenant.Config.EmbeddingDimensions
	if dims == 0 && len(vectors) > 0 {
		dims = len(vectors[0])
	}
	if err := p.vectors.EnsureCollection(ctx, tenant.ID, dims); err != nil {
		return nil, fmt.Errorf("ensuring collection: %w", err)
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		md := map[string]string{
			"chunk_index": fmt.Sprintf("%d", c.Index),
			"filename":    doc.Filename,
		}
		for k, v := range c.Metadata {
			md[k] = v
		}
		if len(doc.Hashtags) > 0 {
			md["hashtags"] = strings.Join(doc.Hashtags, ",")
		}
		points[i] = vectorstore.Point{
			ChunkID:      c.ID,
			DocumentID:   doc.ID,
			TenantID:     tenant.ID,
			Content:      c.Content,
			Vector:       vectors[i],
			SparseVector: p.sparse.Vectorize(c.Content),
			Metadata:     md,
		}
	}
	if err := p.vectors.Upsert(ctx, tenant.ID, points); err != nil {
		return nil, fmt.Errorf("upserting vectors: %w", err)
	}

	return vectors, p.chunks.UpdateEmbeddingStatus(ctx, doc.ID, repository.EmbeddingCompleted)
}

// enrich asks the LLM for a short summary from the document's leading chunks.
// Enrichment is cosmetic; failures only log.
func (p *Pipeline) enrich(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, chunks []*repository.Chunk) {
	if p.llm == nil || p.steps == nil {
		return
	}

	n := p.opts.EnrichmentChunks
	if n > len(chunks) {
		n = len(chunks)
	}
	var sb strings.Builder
	for _, c := range chunks[:n] {
		sb.WriteString(c.Content)
		sb.WriteString("\n\n")
	}

	settings := p.steps.Resolve("ingestion.enrichment", stepOverrides(tenant))
	prompt := fmt.Sprintf(
		"Summarize the following document excerpt in 2-3 sentences. Reply with the summary only.\n\n%s",
		sb.String())

	result, err := p.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "ingestion.enrichment",
		Metadata: map[string]string{"document_id": doc.ID.String()},
	}, prompt, provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: settings.Temperature,
		MaxTokens:   256,
	})
	if err != nil {
		slog.Warn("document enrichment failed", "document_id", doc.ID, "error", err)
		return
	}
	doc.Summary = strings.TrimSpace(result.Text)
}

// Delete removes a document everywhere: vectors, graph references, chunk
// rows, stored objects, and finally the document record.
func (p *Pipeline) Delete(ctx context.Context, documentID uuid.UUID) error {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return err
	}

	if err := p.vectors.DeleteByDocument(ctx, doc.TenantID, doc.ID); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	if p.graph != nil {
		if remover, ok := p.graph.(interface {
			RemoveDocument(ctx context.Context, tenantID, documentID uuid.UUID) error
		}); ok {
			if err := remover.RemoveDocument(ctx, doc.TenantID, doc.ID); err != nil {
				slog.Warn("failed to prune document from graph", "document_id", doc.ID, "error", err)
			}
		}
	}
	if err := p.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if doc.StoragePath != "" {
		if err := p.objects.DeleteByDocument(ctx, doc.TenantID, doc.ID); err != nil {
			slog.Warn("failed to delete stored objects", "document_id", doc.ID, "error", err)
		}
	}
	if err := p.docs.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("deleting document record: %w", err)
	}

	if p.caches != nil {
		if err := p.caches.MarkUpdated(ctx, doc.TenantID); err != nil {
			slog.Warn("failed to invalidate tenant caches", "tenant_id", doc.TenantID, "error", err)
		}
	}
	return nil
}

// Get loads one document record.
func (p *Pipeline) Get(ctx context.Context, documentID uuid.UUID) (*repository.Document, error) {
	return p.docs.GetByID(ctx, documentID)
}

// List returns a page of the tenant's documents, optionally filtered by
// status, with the total count.
func (p *Pipeline) List(ctx context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	return p.docs.List(ctx, tenantID, status, limit, offset)
}

// transition performs one CAS step and publishes the new status. A false
// return with nil error means another worker owns the document.
func (p *Pipeline) transition(ctx context.Context, doc *repository.Document, from, to repository.DocumentStatus) (bool, error) {
	ok, err := p.docs.UpdateStatusIf(ctx, doc.ID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if !ok {
		slog.Debug("status transition lost, another worker owns the document",
			"document_id", doc.ID, "from", from, "to", to)
		return false, nil
	}
	doc.Status = to
	p.publish(ctx, doc, to, "")
	return true, nil
}

// fail marks the document FAILED with a truncated error message.
func (p *Pipeline) fail(ctx context.Context, doc *repository.Document, cause error) error {
	msg := cause.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	if err := p.docs.SetFailed(ctx, doc.ID, msg); err != nil {
		slog.Error("failed to mark document failed", "document_id", doc.ID, "error", err)
	}
	doc.Status = repository.StatusFailed
	p.publish(ctx, doc, repository.StatusFailed, msg)
	return cause
}

func (p *Pipeline) publish(ctx context.Context, doc *repository.Document, status repository.DocumentStatus, errorMsg string) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishStatus(ctx, doc.TenantID, doc.ID, status, errorMsg); err != nil {
		slog.Warn("failed to publish status event", "document_id", doc.ID, "status", status, "error", err)
	}
}

// stepOverrides projects a tenant's config into step resolution inputs.
func stepOverrides(tenant *repository.Tenant) provider.TenantOverrides {
	return provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	}
}

// ValidateChunkerConfig validates a chunker configuration
func ValidateChunkerConfig(config repository.ChunkerConfig) error {
	validMethods := map[string]bool{
		"fixed":    true,
		"semantic": true,
		"sentence": true,
	}

	if config.Method != "" && !validMethods[config.Method] {
		return fmt.Errorf("invalid chunking method: %s (valid: fixed, semantic, sentence)", config.Method)
	}
	if config.TargetSize < 0 {
		return fmt.Errorf("target_size cannot be negative")
	}
	if config.MaxSize < 0 {
		return fmt.Errorf("max_size cannot be negative")
	}
	if config.TargetSize > 0 && config.MaxSize > 0 && config.TargetSize > config.MaxSize {
		return fmt.Errorf("target_size (%d) cannot be greater than max_size (%d)", config.TargetSize, config.MaxSize)
	}
	if config.Overlap < 0 {
		return fmt.Errorf("overlap cannot be negative")
	}
	if config.Overlap > 0 && config.TargetSize > 0 && config.Overlap >= config.TargetSize {
		return fmt.Errorf("overlap (%d) must be less than target_size (%d)", config.Overlap, config.TargetSize)
	}
	return nil
}

// DefaultChunkerConfig returns the default chunker configuration
func DefaultChunkerConfig() repository.ChunkerConfig {
	return repository.ChunkerConfig{
		Method:     "semantic",
		TargetSize: 512,
		MaxSize:    1024,
		Overlap:    50,
	}
}

// ReadAll is a small helper for callers holding an io.Reader upload.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("content exceeds %d byte limit", limit)
	}
	return data, nil
}
