package db

import (
	"context"
	"encoding/json"
	"time"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KVStore is the auxiliary cache store: expiring blobs and expiring counters.
type KVStore interface {
	Pinger
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	IncrByWithTTL(ctx context.Context, key string, val int64, ttl time.Duration) error
	Close()
}

// DocumentStore is the search engine holding the documents to backfill.
type DocumentStore interface {
	Pinger
	Search(ctx context.Context, indexPattern string, body []byte) (*SearchResult, error)
	Update(ctx context.Context, index, id string, partial any) error
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total int
	Hits  []SearchHit
}

// SearchHit is a single document hit with its raw source.
type SearchHit struct {
	Index  string
	ID     string
	Source json.RawMessage
}
