package ingestion

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/repository"
)

// memDocRepo is an in-memory DocumentRepository sufficient for registration
// and lifecycle tests.
type memDocRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*repository.Document
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{docs: map[uuid.UUID]*repository.Document{}}
}

func (r *memDocRepo) Create(ctx context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.TenantID == doc.TenantID && d.ContentHash == doc.ContentHash {
			return repository.ErrDuplicate
		}
	}
	copied := *doc
	r.docs[doc.ID] = &copied
	return nil
}

func (r *memDocRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (r *memDocRepo) GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.TenantID == tenantID && d.ContentHash == hash {
			copied := *d
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memDocRepo) List(ctx context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*repository.Document
	for _, d := range r.docs {
		if d.TenantID == tenantID && (status == "" || d.Status == status) {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, len(out), nil
}

func (r *memDocRepo) Update(ctx context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *doc
	r.docs[doc.ID] = &copied
	return nil
}

func (r *memDocRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func (r *memDocRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to repository.DocumentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if doc.Status != from || !repository.CanTransition(from, to) {
		return false, nil
	}
	doc.Status = to
	return true, nil
}

func (r *memDocRepo) SetFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.Status = repository.StatusFailed
	doc.ErrorMessage = errorMsg
	return nil
}

// memObjectStore records puts in memory.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}}
}

func (s *memObjectStore) Put(ctx context.Context, tenantID, documentID uuid.UUID, filename string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("%s/%s/%s", tenantID, documentID, filename)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	return path, nil
}

func (s *memObjectStore) Get(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[storagePath]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", storagePath)
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (s *memObjectStore) Delete(ctx context.Context, storagePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, storagePath)
	return nil
}

func (s *memObjectStore) DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	prefix := fmt.Sprintf("%s/%s/", tenantID, documentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			delete(s.objects, path)
		}
	}
	return nil
}

func (s *memObjectStore) DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error {
	prefix := tenantID.String() + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			delete(s.objects, path)
		}
	}
	return nil
}

type statusEvent struct {
	documentID uuid.UUID
	status     repository.DocumentStatus
}

type memPublisher struct {
	mu     sync.Mutex
	events []statusEvent
}

func (p *memPublisher) PublishStatus(ctx context.Context, tenantID, documentID uuid.UUID, status repository.DocumentStatus, errorMsg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, statusEvent{documentID: documentID, status: status})
	return nil
}

func newRegisterPipeline(docs *memDocRepo, objects *memObjectStore, events EventPublisher) *Pipeline {
	return NewPipeline(docs, nil, nil, objects, nil, nil, nil, nil, nil, nil, nil, events, nil, nil, PipelineOptions{})
}

func TestRegister_CreatesDocument(t *testing.T) {
	docs := newMemDocRepo()
	objects := newMemObjectStore()
	events := &memPublisher{}
	p := newRegisterPipeline(docs, objects, events)
	tenant := uuid.New()

	doc, created, err := p.Register(context.Background(), tenant, "notes.txt", []byte("hello world"), "text/plain", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Error("expected created=true for a new document")
	}
	if doc.Status != repository.StatusIngested {
		t.Errorf("expected INGESTED, got %s", doc.Status)
	}
	if doc.ContentHash != HashContent([]byte("hello world")) {
		t.Errorf("unexpected hash %s", doc.ContentHash)
	}
	if doc.StoragePath == "" {
		t.Error("expected raw content stored")
	}
	if doc.Metadata["content_type"] != "text/plain" {
		t.Errorf("content type not captured: %v", doc.Metadata)
	}
	if len(events.events) != 1 || events.events[0].status != repository.StatusIngested {
		t.Errorf("expected one INGESTED event, got %v", events.events)
	}
}

func TestRegister_IdempotentOnContentHash(t *testing.T) {
	docs := newMemDocRepo()
	p := newRegisterPipeline(docs, newMemObjectStore(), nil)
	tenant := uuid.New()

	first, created, err := p.Register(context.Background(), tenant, "a.txt", []byte("same bytes"), "", nil)
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}

	// Same bytes under a different filename resolve to the first document.
	second, created, err := p.Register(context.Background(), tenant, "b.txt", []byte("same bytes"), "", nil)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Error("expected created=false for duplicate content")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate resolved to %s, want %s", second.ID, first.ID)
	}
	if len(docs.docs) != 1 {
		t.Errorf("expected a single document row, got %d", len(docs.docs))
	}
}

func TestRegister_SameBytesDifferentTenants(t *testing.T) {
	p := newRegisterPipeline(newMemDocRepo(), newMemObjectStore(), nil)

	a, created, err := p.Register(context.Background(), uuid.New(), "a.txt", []byte("shared"), "", nil)
	if err != nil || !created {
		t.Fatalf("tenant a: created=%v err=%v", created, err)
	}
	b, created, err := p.Register(context.Background(), uuid.New(), "a.txt", []byte("shared"), "", nil)
	if err != nil || !created {
		t.Fatalf("tenant b: created=%v err=%v", created, err)
	}
	if a.ID == b.ID {
		t.Error("dedup must not cross tenant boundaries")
	}
}

func TestRegister_EmptyContentRejected(t *testing.T) {
	p := newRegisterPipeline(newMemDocRepo(), newMemObjectStore(), nil)
	if _, _, err := p.Register(context.Background(), uuid.New(), "empty.txt", nil, "", nil); err == nil {
		t.Error("expected empty content rejection")
	}
}

func TestRegisterURL_Idempotent(t *testing.T) {
	p := newRegisterPipeline(newMemDocRepo(), newMemObjectStore(), nil)
	tenant := uuid.New()

	first, created, err := p.RegisterURL(context.Background(), tenant, "https://example.com/doc", nil)
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	if first.Metadata["source_url"] != "https://example.com/doc" {
		t.Errorf("source url not recorded: %v", first.Metadata)
	}

	second, created, err := p.RegisterURL(context.Background(), tenant, "https://example.com/doc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected duplicate URL to resolve to existing document")
	}
}

func TestReadAll_EnforcesLimit(t *testing.T) {
	data, err := ReadAll(strings.NewReader("12345"), 10)
	if err != nil || string(data) != "12345" {
		t.Fatalf("unexpected: %q, %v", data, err)
	}
	if _, err := ReadAll(strings.NewReader("12345678901"), 10); err == nil {
		t.Error("expected limit error")
	}
}

func TestValidateChunkerConfig(t *testing.T) {
	if err := ValidateChunkerConfig(DefaultChunkerConfig()); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	bad := []repository.ChunkerConfig{
		{Method: "quantum"},
		{TargetSize: -1},
		{TargetSize: 100, MaxSize: 50},
		{TargetSize: 100, Overlap: 100},
	}
	for i, cfg := range bad {
		if err := ValidateChunkerConfig(cfg); err == nil {
			t.Errorf("case %d should fail: %+v", i, cfg)
		}
	}
}
