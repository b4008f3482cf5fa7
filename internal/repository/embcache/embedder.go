package embcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/db"
	"github.com/kailas-cloud/backfill/internal/domain"
)

var keyPrefix = domain.KeyPrefix + "emb_cache:"

type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Options configure the cache.
type Options struct {
	// Model scopes keys so vectors of different models never mix.
	Model string
	// Dimensions, when > 0, rejects cached vectors of another length.
	Dimensions int
	TTL        time.Duration
	// Lookups counts results by label "result": hit, miss, error. May be nil.
	Lookups *prometheus.CounterVec
}

// CachedEmbedder serves repeated texts from the key-value store.
// Reindexed documents often carry identical searchable_content; a hit skips the provider.
type CachedEmbedder struct {
	inner  domain.Embedder
	store  store
	opts   Options
	logger *zap.Logger
}

// New wraps inner with a read-through cache.
func New(inner domain.Embedder, s store, opts Options, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{inner: inner, store: s, opts: opts, logger: logger}
}

// Embed returns the cached vector or calls the inner embedder and stores its result.
// A hit reports zero tokens. Cache failures never fail the call.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	key := c.key(text)

	if vec, ok := c.lookup(ctx, key); ok {
		return domain.EmbeddingResult{Embedding: vec}, nil
	}

	res, err := c.inner.Embed(ctx, text)
	if err != nil {
		return domain.EmbeddingResult{}, fmt.Errorf("embed text: %w", err)
	}
	// Empty vectors are failures downstream and wrong-sized ones would never be read back.
	if c.cacheable(res.Embedding) {
		if err := c.store.SetWithTTL(ctx, key, encodeVector(res.Embedding), c.opts.TTL); err != nil {
			c.logger.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
		}
	}
	return res, nil
}

// HealthCheck delegates to the inner embedder when supported.
func (c *CachedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // transparent decorator
	}
	return nil
}

func (c *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	switch {
	case errors.Is(err, db.ErrKeyNotFound):
		c.count("miss")
		return nil, false
	case err != nil:
		c.count("error")
		c.logger.Warn("Embedding cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	vec, err := decodeVector(data)
	if err == nil && c.opts.Dimensions > 0 && len(vec) != c.opts.Dimensions {
		err = fmt.Errorf("cached vector has %d dimensions, want %d", len(vec), c.opts.Dimensions)
	}
	if err != nil {
		c.count("error")
		c.logger.Warn("Ignoring unusable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	c.count("hit")
	return vec, true
}

func (c *CachedEmbedder) count(result string) {
	if c.opts.Lookups != nil {
		c.opts.Lookups.WithLabelValues(result).Inc()
	}
}

// key is prefix + hex(sha256(model NUL text)).
func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.opts.Model + "\x00" + text))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) cacheable(vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	return c.opts.Dimensions <= 0 || len(vec) == c.opts.Dimensions
}
