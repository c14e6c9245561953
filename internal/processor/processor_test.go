package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/knoguchi/doccorpus/internal/embedder"
	"github.com/knoguchi/doccorpus/internal/repository"
)

type fakeProcStore struct {
	mu       sync.Mutex
	pending  []repository.PageContent
	chunks   map[string][]repository.ChunkRow
	marked   []string
	storeErr error
}

func newFakeProcStore() *fakeProcStore {
	return &fakeProcStore{chunks: make(map[string][]repository.ChunkRow)}
}

func (s *fakeProcStore) AcquireProcessBatch(ctx context.Context, n int) ([]repository.PageContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *fakeProcStore) ReplaceChunks(ctx context.Context, url string, rows []repository.ChunkRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.chunks[url] = rows
	return nil
}

func (s *fakeProcStore) MarkProcessed(ctx context.Context, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, urls...)
	return nil
}

// fakeEmbedder rejects batches over maxBatch texts with ErrPayloadTooLarge,
// and rejects poison texts at any size. Vector[0] encodes the text length so
// alignment is checkable.
type fakeEmbedder struct {
	mu       sync.Mutex
	maxBatch int
	poison   string
	err      error
	calls    [][]string
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]string(nil), texts...))
	e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if e.maxBatch > 0 && len(texts) > e.maxBatch {
		return nil, fmt.Errorf("%w: %d texts", embedder.ErrPayloadTooLarge, len(texts))
	}
	for _, t := range texts {
		if e.poison != "" && t == e.poison {
			return nil, fmt.Errorf("%w: poison text", embedder.ErrPayloadTooLarge)
		}
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t))}
	}
	return vecs, nil
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *fakeEmbedder) Dimension() int    { return 1 }
func (e *fakeEmbedder) ModelName() string { return "fake" }

func procConfig() Config {
	return Config{
		ContentFetchSize: 10,
		StorageThreshold: 1,
		MinChunkLength:   10,
		ChunkTargetSize:  40,
	}
}

func pageWith(paragraphs ...string) repository.PageContent {
	return repository.PageContent{
		URL:     "https://developer.apple.com/documentation/page",
		Content: strings.Join(paragraphs, "\n\n"),
	}
}

func TestProcessor_EmbedsAndStoresChunks(t *testing.T) {
	store := newFakeProcStore()
	p := New(store, &fakeEmbedder{}, procConfig())

	page := pageWith(
		"First paragraph with enough text in it.",
		"Second paragraph with enough text too.",
	)
	p.processOne(context.Background(), page)

	rows := store.chunks[page.URL]
	if len(rows) != 2 {
		t.Fatalf("expected 2 chunks stored, got %d", len(rows))
	}
	for i, row := range rows {
		if row.Embedding[0] != float32(len(row.Content)) {
			t.Errorf("row %d embedding misaligned with its content", i)
		}
	}
	if len(store.marked) != 1 || store.marked[0] != page.URL {
		t.Errorf("expected page marked processed, got %v", store.marked)
	}
}

func TestProcessor_BisectsOversizedBatches(t *testing.T) {
	store := newFakeProcStore()
	emb := &fakeEmbedder{maxBatch: 1}
	p := New(store, emb, procConfig())

	page := pageWith(
		"Alpha paragraph with enough text in it.",
		"Bravo paragraph with enough text in it.",
		"Charlie paragraph with enough text too.",
		"Delta paragraph with enough text in it.",
	)
	p.processOne(context.Background(), page)

	rows := store.chunks[page.URL]
	if len(rows) != 4 {
		t.Fatalf("expected all 4 chunks stored via bisection, got %d", len(rows))
	}
	for i, row := range rows {
		if row.Embedding[0] != float32(len(row.Content)) {
			t.Errorf("row %d embedding misaligned after bisection", i)
		}
	}

	// The first call is the whole batch; splitting continued down to
	// singletons.
	if len(emb.calls) < 5 {
		t.Errorf("expected bisection to issue multiple calls, got %d", len(emb.calls))
	}
	if len(emb.calls[0]) != 4 {
		t.Errorf("expected first call with full batch, got %d texts", len(emb.calls[0]))
	}
}

func TestProcessor_DropsUnembeddableSingleton(t *testing.T) {
	store := newFakeProcStore()
	poison := "Poison paragraph that always overflows."
	emb := &fakeEmbedder{maxBatch: 2, poison: poison}
	p := New(store, emb, procConfig())

	page := pageWith(
		"Alpha paragraph with enough text in it.",
		poison,
		"Charlie paragraph with enough text too.",
	)
	p.processOne(context.Background(), page)

	rows := store.chunks[page.URL]
	if len(rows) != 2 {
		t.Fatalf("expected poison chunk dropped, got %d rows", len(rows))
	}
	for _, row := range rows {
		if row.Content == poison {
			t.Error("poison chunk was stored")
		}
	}
	if len(store.marked) != 1 {
		t.Errorf("page with a dropped chunk should still be marked, got %v", store.marked)
	}
}

func TestProcessor_DefersPageOnEmbedderOutage(t *testing.T) {
	store := newFakeProcStore()
	emb := &fakeEmbedder{err: fmt.Errorf("%w: connection refused", embedder.ErrTransport)}
	p := New(store, emb, procConfig())

	page := pageWith("Alpha paragraph with enough text in it.")
	p.inflight[page.URL] = true
	p.processOne(context.Background(), page)

	if len(store.chunks) != 0 {
		t.Error("chunks stored despite embedder outage")
	}
	if len(store.marked) != 0 {
		t.Error("page marked processed despite embedder outage")
	}
	if p.inflight[page.URL] {
		t.Error("deferred page still held in-flight")
	}
}

func TestProcessor_FiltersShortChunks(t *testing.T) {
	store := newFakeProcStore()
	emb := &fakeEmbedder{}
	cfg := procConfig()
	cfg.MinChunkLength = 30
	p := New(store, emb, cfg)

	page := pageWith(
		"tiny",
		"A paragraph that clears the minimum chunk length.",
	)
	p.processOne(context.Background(), page)

	rows := store.chunks[page.URL]
	if len(rows) != 1 {
		t.Fatalf("expected short chunk filtered, got %d rows", len(rows))
	}
	if rows[0].Content == "tiny" {
		t.Error("short chunk survived the filter")
	}
}

func TestProcessor_MinChunkLengthCountsRunes(t *testing.T) {
	store := newFakeProcStore()
	p := New(store, &fakeEmbedder{}, procConfig())

	// Both paragraphs exceed the 10-byte mark; only the second reaches
	// 10 characters.
	short := strings.Repeat("世", 9)
	long := strings.Repeat("世", 12)
	page := pageWith(short, long)
	p.processOne(context.Background(), page)

	rows := store.chunks[page.URL]
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after character-count filter, got %d", len(rows))
	}
	if rows[0].Content != long {
		t.Errorf("wrong chunk survived: %q", rows[0].Content)
	}
}

func TestProcessor_FlushDefersFailedStores(t *testing.T) {
	store := newFakeProcStore()
	store.storeErr = fmt.Errorf("connection reset")
	p := New(store, &fakeEmbedder{}, procConfig())

	p.inflight["https://developer.apple.com/documentation/a"] = true
	p.buffer = []pageChunks{{url: "https://developer.apple.com/documentation/a"}}
	p.flush(context.Background())

	if len(store.marked) != 0 {
		t.Errorf("url marked processed despite store failure: %v", store.marked)
	}
	if p.inflight["https://developer.apple.com/documentation/a"] {
		t.Error("failed page still held in-flight")
	}
}
