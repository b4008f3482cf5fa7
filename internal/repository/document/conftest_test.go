package document

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/db"
)

type updateCall struct {
	Index   string
	ID      string
	Partial map[string]any
}

// mockStore implements the consumer interface for tests.
type mockStore struct {
	searchFn func(ctx context.Context, indexPattern string, body []byte) (*db.SearchResult, error)
	updateFn func(ctx context.Context, index, id string, partial any) error

	mu      sync.Mutex
	updates []updateCall
}

func (m *mockStore) Search(ctx context.Context, indexPattern string, body []byte) (*db.SearchResult, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, indexPattern, body)
	}
	return &db.SearchResult{}, nil
}

func (m *mockStore) Update(ctx context.Context, index, id string, partial any) error {
	// Round-trip through JSON so tests assert on the wire shape.
	raw, err := json.Marshal(partial)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	m.mu.Lock()
	m.updates = append(m.updates, updateCall{Index: index, ID: id, Partial: fields})
	m.mu.Unlock()

	if m.updateFn != nil {
		return m.updateFn(ctx, index, id, partial)
	}
	return nil
}

func (m *mockStore) calls() []updateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]updateCall(nil), m.updates...)
}

var fixedNow = time.Date(2026, 5, 7, 10, 30, 15, 0, time.UTC)

func newTestGateway(t *testing.T) (*Gateway, *mockStore) {
	t.Helper()
	ms := &mockStore{}
	g := New(ms, zap.NewNop())
	g.now = func() time.Time { return fixedNow }
	return g, ms
}

func hit(index, id, source string) db.SearchHit {
	return db.SearchHit{Index: index, ID: id, Source: json.RawMessage(source)}
}
