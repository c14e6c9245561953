// Package processor turns crawled page content into embedded chunks: a
// content supplier, a linear chunk-and-embed loop and a storage manager
// share in-memory queues, mirroring the crawler's layout.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/knoguchi/doccorpus/internal/embedder"
	"github.com/knoguchi/doccorpus/internal/ingestion"
	"github.com/knoguchi/doccorpus/internal/repository"
)

const (
	// DefaultContentFetchSize is the content queue capacity; the supplier
	// refills once it drops below half.
	DefaultContentFetchSize = 50

	// DefaultStorageThreshold is how many processed pages accumulate
	// before they are written out.
	DefaultStorageThreshold = 10

	// DefaultMinChunkLength drops fragments too short to embed usefully.
	DefaultMinChunkLength = 128

	// maxBisectDepth bounds recursive batch splitting on payload errors.
	maxBisectDepth = 10

	supplierPollInterval = 1 * time.Second
	noContentSleep       = 3 * time.Second
	processorIdleSleep   = 100 * time.Millisecond
	storageCheckInterval = 1 * time.Second
)

// Store is the slice of the repositories the processor needs.
type Store interface {
	AcquireProcessBatch(ctx context.Context, n int) ([]repository.PageContent, error)
	ReplaceChunks(ctx context.Context, url string, rows []repository.ChunkRow) error
	MarkProcessed(ctx context.Context, urls []string) error
}

// Config holds processor settings.
type Config struct {
	// ContentFetchSize is the target content queue length.
	ContentFetchSize int

	// StorageThreshold is the flush threshold in pages.
	StorageThreshold int

	// MinChunkLength drops chunks shorter than this many characters.
	MinChunkLength int

	// ChunkTargetSize is passed to the chunker.
	ChunkTargetSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type pageChunks struct {
	url  string
	rows []repository.ChunkRow
}

// Processor embeds crawled pages into the chunk corpus.
type Processor struct {
	cfg     Config
	store   Store
	embed   embedder.Embedder
	chunker *ingestion.Chunker
	logger  *slog.Logger

	mu       sync.Mutex
	content  []repository.PageContent
	inflight map[string]bool
	buffer   []pageChunks
}

// New creates a Processor.
func New(store Store, embed embedder.Embedder, cfg Config) *Processor {
	if cfg.ContentFetchSize <= 0 {
		cfg.ContentFetchSize = DefaultContentFetchSize
	}
	if cfg.StorageThreshold <= 0 {
		cfg.StorageThreshold = DefaultStorageThreshold
	}
	if cfg.MinChunkLength <= 0 {
		cfg.MinChunkLength = DefaultMinChunkLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Processor{
		cfg:      cfg,
		store:    store,
		embed:    embed,
		chunker:  ingestion.NewChunker(cfg.ChunkTargetSize),
		logger:   cfg.Logger,
		inflight: make(map[string]bool),
	}
}

// Run processes until ctx is cancelled, then drains the buffer with one
// final flush.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.supplyContent(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.process(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.manageStorage(ctx)
	}()

	p.logger.Info("processor started",
		"model", p.embed.ModelName(),
		"dimension", p.embed.Dimension(),
		"chunk_target", p.chunker.TargetSize())
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.flush(flushCtx)

	p.logger.Info("processor stopped")
	return nil
}

// supplyContent refills the content queue from the store once it drops
// below half capacity. Pages already queued or buffered are skipped so one
// acquisition cycle never doubles up on a url.
func (p *Processor) supplyContent(ctx context.Context) {
	for {
		p.mu.Lock()
		queued := len(p.content)
		p.mu.Unlock()

		if queued < p.cfg.ContentFetchSize/2 {
			batch, err := p.store.AcquireProcessBatch(ctx, p.cfg.ContentFetchSize-queued)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("failed to acquire content batch", "error", err)
			}

			if len(batch) == 0 {
				if !sleepCtx(ctx, noContentSleep) {
					return
				}
				continue
			}

			p.mu.Lock()
			for _, page := range batch {
				if p.inflight[page.URL] {
					continue
				}
				p.inflight[page.URL] = true
				p.content = append(p.content, page)
			}
			p.mu.Unlock()
		}

		if !sleepCtx(ctx, supplierPollInterval) {
			return
		}
	}
}

// process is the linear worker: one page at a time, chunk then embed then
// buffer. Keeping it single-threaded keeps embedding requests sequential.
func (p *Processor) process(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		var page repository.PageContent
		havePage := len(p.content) > 0
		if havePage {
			page = p.content[0]
			p.content = p.content[1:]
		}
		p.mu.Unlock()

		if !havePage {
			if !sleepCtx(ctx, processorIdleSleep) {
				return
			}
			continue
		}

		p.processOne(ctx, page)
	}
}

func (p *Processor) processOne(ctx context.Context, page repository.PageContent) {
	chunks := p.chunker.ChunkAll(page.Content)

	var texts []string
	for _, c := range chunks {
		if utf8.RuneCountInString(c.Content) < p.cfg.MinChunkLength {
			continue
		}
		texts = append(texts, c.Content)
	}

	var rows []repository.ChunkRow
	if len(texts) > 0 {
		vecs, err := p.embedAdaptive(ctx, texts, 0)
		if err != nil {
			// Leave the page unprocessed so it is retried later.
			p.logger.Error("embedding failed, page deferred", "url", page.URL, "error", err)
			p.release(page.URL)
			return
		}
		for i, vec := range vecs {
			if vec == nil {
				continue
			}
			rows = append(rows, repository.ChunkRow{Content: texts[i], Embedding: vec})
		}
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, pageChunks{url: page.URL, rows: rows})
	full := len(p.buffer) >= p.cfg.StorageThreshold
	p.mu.Unlock()

	if full {
		p.flush(ctx)
	}
}

// embedAdaptive embeds texts as one batch, splitting in half on payload
// overflow until singletons. A singleton that still overflows is logged and
// dropped (nil entry). Any other failure aborts the whole batch.
func (p *Processor) embedAdaptive(ctx context.Context, texts []string, depth int) ([][]float32, error) {
	vecs, err := p.embed.EmbedBatch(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	if !errors.Is(err, embedder.ErrPayloadTooLarge) {
		return nil, err
	}

	if len(texts) == 1 || depth >= maxBisectDepth {
		p.logger.Warn("chunk too large to embed, dropped",
			"size", len(texts[0]), "depth", depth)
		return make([][]float32, len(texts)), nil
	}

	mid := len(texts) / 2
	left, err := p.embedAdaptive(ctx, texts[:mid], depth+1)
	if err != nil {
		return nil, err
	}
	right, err := p.embedAdaptive(ctx, texts[mid:], depth+1)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (p *Processor) manageStorage(ctx context.Context) {
	ticker := time.NewTicker(storageCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			ready := len(p.buffer) >= p.cfg.StorageThreshold
			p.mu.Unlock()
			if ready {
				p.flush(ctx)
			}
		}
	}
}

// flush writes buffered pages: chunks are replaced per url, then every url
// whose chunks stored cleanly is marked processed.
func (p *Processor) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var done []string
	for _, pc := range batch {
		if err := p.store.ReplaceChunks(ctx, pc.url, pc.rows); err != nil {
			p.logger.Error("failed to store chunks, page deferred", "url", pc.url, "error", err)
			p.release(pc.url)
			continue
		}
		done = append(done, pc.url)
	}

	if len(done) > 0 {
		if err := p.store.MarkProcessed(ctx, done); err != nil {
			p.logger.Error("failed to mark pages processed", "count", len(done), "error", err)
		} else {
			p.logger.Info("pages processed", "count", len(done))
		}
	}

	p.mu.Lock()
	for _, url := range done {
		delete(p.inflight, url)
	}
	p.mu.Unlock()
}

// release forgets an in-flight url so the supplier can pick it up again.
func (p *Processor) release(url string) {
	p.mu.Lock()
	delete(p.inflight, url)
	p.mu.Unlock()
}

// sleepCtx waits d or until ctx is done. Returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
