package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kailas-cloud/backfill/internal/domain"
)

// --- Mocks ---

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

type mockEmbeddingChecker struct {
	err error
}

func (m *mockEmbeddingChecker) HealthCheck(_ context.Context) error { return m.err }

type mockTextEmbedder struct {
	result domain.EmbeddingResult
	err    error
	texts  []string
}

func (m *mockTextEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	m.texts = append(m.texts, text)
	return m.result, m.err
}

// --- Tests ---

func TestCheck_AllHealthy(t *testing.T) {
	svc := New(&mockPinger{}, &mockEmbeddingChecker{}).WithCache(&mockPinger{})
	r := svc.Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	for _, name := range []string{ComponentSearchEngine, ComponentEmbedding, ComponentCache} {
		if r.Checks[name] != CheckOK {
			t.Errorf("expected %s %q, got %q", name, CheckOK, r.Checks[name])
		}
	}
}

func TestCheck_SearchEngineDownIsUnhealthy(t *testing.T) {
	svc := New(&mockPinger{err: errors.New("conn refused")}, &mockEmbeddingChecker{err: errors.New("timeout")})
	r := svc.Check(context.Background())

	if r.Status != Unhealthy {
		t.Errorf("expected %q, got %q", Unhealthy, r.Status)
	}
	if r.Checks[ComponentSearchEngine] != CheckError {
		t.Errorf("expected search engine error, got %q", r.Checks[ComponentSearchEngine])
	}
}

func TestCheck_EmbeddingError(t *testing.T) {
	svc := New(&mockPinger{}, &mockEmbeddingChecker{err: errors.New("timeout")})
	r := svc.Check(context.Background())

	if r.Status != Degraded {
		t.Errorf("expected %q, got %q", Degraded, r.Status)
	}
	if r.Checks[ComponentEmbedding] != CheckError {
		t.Errorf("expected embedding %q, got %q", CheckError, r.Checks[ComponentEmbedding])
	}
}

func TestCheck_CacheErrorDegrades(t *testing.T) {
	svc := New(&mockPinger{}, nil).WithCache(&mockPinger{err: errors.New("noauth")})
	r := svc.Check(context.Background())

	if r.Status != Degraded {
		t.Errorf("expected %q, got %q", Degraded, r.Status)
	}
	if _, ok := r.Checks[ComponentEmbedding]; ok {
		t.Error("embedding check should be absent when embedding is nil")
	}
}

func TestVerify(t *testing.T) {
	if err := New(&mockPinger{}, &mockEmbeddingChecker{}).Verify(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := New(&mockPinger{err: errors.New("401")}, &mockEmbeddingChecker{err: errors.New("invalid key")}).
		Verify(context.Background())
	if !errors.Is(err, domain.ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity, got %v", err)
	}
	for _, want := range []string{"search_engine: 401", "embedding: invalid key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestVerify_IgnoresCache(t *testing.T) {
	svc := New(&mockPinger{}, nil).WithCache(&mockPinger{err: errors.New("down")})
	if err := svc.Verify(context.Background()); err != nil {
		t.Fatalf("cache must not fail startup: %v", err)
	}
}

func TestVerify_EmbedCheckUsesRealRequest(t *testing.T) {
	emb := &mockTextEmbedder{result: domain.EmbeddingResult{Embedding: []float32{0.1}}}
	// HealthCheck would fail; Verify must rely on the embed request instead.
	svc := New(&mockPinger{}, &mockEmbeddingChecker{err: errors.New("list models failed")}).WithEmbedCheck(emb)

	if err := svc.Verify(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emb.texts) != 1 || emb.texts[0] != "test connection" {
		t.Errorf("embedded texts = %q", emb.texts)
	}
}

func TestVerify_EmbedCheckFailures(t *testing.T) {
	tests := []struct {
		name string
		emb  *mockTextEmbedder
		want string
	}{
		{"unknown model", &mockTextEmbedder{err: errors.New("404 model not found")}, "embedding: 404 model not found"},
		{"empty vector", &mockTextEmbedder{}, "embedding: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(&mockPinger{}, &mockEmbeddingChecker{}).WithEmbedCheck(tt.emb).
				Verify(context.Background())
			if !errors.Is(err, domain.ErrConnectivity) {
				t.Fatalf("expected ErrConnectivity, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestCheck_NeverEmbeds(t *testing.T) {
	emb := &mockTextEmbedder{result: domain.EmbeddingResult{Embedding: []float32{0.1}}}
	r := New(&mockPinger{}, &mockEmbeddingChecker{}).WithEmbedCheck(emb).Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	if len(emb.texts) != 0 {
		t.Errorf("health report must not request embeddings, got %d", len(emb.texts))
	}
}
