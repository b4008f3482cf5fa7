package health

import "context"

// Pinger checks a store: the search engine or the cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EmbeddingChecker checks the embedding provider without spending tokens.
type EmbeddingChecker interface {
	HealthCheck(ctx context.Context) error
}
