package backfill

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/domain"
	"github.com/kailas-cloud/backfill/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterBackfillMetrics()
	os.Exit(m.Run())
}

// storedDoc is the in-memory state of one indexed document.
type storedDoc struct {
	domain.Document
	Vector    []float32
	Model     string
	LastError string
}

// fakeGateway is an in-memory document store applying the gateway contract.
type fakeGateway struct {
	mu        sync.Mutex
	order     []string
	docs      map[string]*storedDoc
	commitErr map[string]error // per document id, fails the success update
	fallback  bool             // whether the fallback mark succeeds
	finds     int
	commits   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{docs: map[string]*storedDoc{}, commitErr: map[string]error{}, fallback: true}
}

func (g *fakeGateway) add(id, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.order = append(g.order, id)
	g.docs[id] = &storedDoc{Document: domain.Document{
		IndexID:           "reconciliation-test",
		DocumentID:        id,
		SearchableContent: content,
		NeedsEmbedding:    true,
	}}
}

func (g *fakeGateway) get(id string) storedDoc {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.docs[id]
}

// FindCandidates ignores the content filter so empty-content documents surface,
// like a store that indexes an empty string.
func (g *fakeGateway) FindCandidates(_ context.Context, _ string, batchSize int) []domain.Document {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finds++

	var out []domain.Document
	for _, id := range g.order {
		d := g.docs[id]
		if d.NeedsEmbedding && !d.HasEmbedding {
			out = append(out, d.Document)
		}
		if len(out) == batchSize {
			break
		}
	}
	return out
}

func (g *fakeGateway) CommitResult(_ context.Context, _, documentID string, o domain.Outcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits++

	d := g.docs[documentID]
	if err := g.commitErr[documentID]; err != nil && o.OK() {
		if !g.fallback {
			return &domain.CommitError{Err: err}
		}
		d.NeedsEmbedding = false
		d.EmbeddingStatus = domain.StoredStatusFailed
		d.LastError = err.Error()
		return &domain.CommitError{Err: err, FallbackMarked: true}
	}

	d.NeedsEmbedding = false
	if o.OK() {
		d.HasEmbedding = true
		d.Vector = o.Vector
		d.Model = o.Model
		d.EmbeddingStatus = domain.StoredStatusCompleted
	} else {
		d.EmbeddingStatus = domain.StoredStatusFailed
		d.LastError = o.Err.Error()
	}
	return nil
}

func (g *fakeGateway) RecordGenerationFailure(
	_ context.Context, doc domain.Document, cause error, maxAttempts int,
) (bool, error) {
	if maxAttempts <= 0 {
		return false, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.docs[doc.DocumentID]
	d.Attempts = doc.Attempts + 1
	d.LastError = cause.Error()
	if d.Attempts < maxAttempts {
		return false, nil
	}
	d.NeedsEmbedding = false
	d.EmbeddingStatus = domain.StoredStatusFailed
	return true, nil
}

// fakeEmbedder returns a fixed-size vector unless fn overrides the result.
type fakeEmbedder struct {
	mu    sync.Mutex
	dims  int
	fn    func(ctx context.Context, text string) (domain.EmbeddingResult, error)
	calls []time.Time
	texts map[string]int
}

func newFakeEmbedder(dims int) *fakeEmbedder {
	return &fakeEmbedder{dims: dims, texts: map[string]int{}}
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, time.Now())
	e.texts[text]++
	fn := e.fn
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	return domain.EmbeddingResult{Embedding: make([]float32, e.dims), TotalTokens: 3}, nil
}

func (e *fakeEmbedder) callTimes() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.calls...)
}

func newTestService(t *testing.T, gw Gateway, emb Embedder, cfg Config) *Service {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.DocumentDelay == 0 {
		cfg.DocumentDelay = -1
	}
	s, err := New(gw, emb, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seed(g *fakeGateway, n int) {
	for i := range n {
		g.add(fmt.Sprintf("doc-%02d", i), fmt.Sprintf("payment reference %d", i))
	}
}
