package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/backfill/internal/db"
)

var _ db.KVStore = (*Store)(nil)

// DefaultClientName is reported by CLIENT LIST on the server side.
const DefaultClientName = "backfill"

// Config holds connection parameters for the Redis/Valkey cache.
type Config struct {
	Addrs      []string
	Username   string
	Password   string
	DB         int
	ClientName string // empty means DefaultClientName
}

// Store is the auxiliary key-value store: embedding cache entries and budget counters.
// Server-assisted client caching is off; every read goes to the server.
type Store struct {
	client rueidis.Client
}

// NewStore connects a rueidis client. rueidis dials eagerly, so an unreachable
// address fails here.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis: at least one address is required")
	}
	name := cfg.ClientName
	if name == "" {
		name = DefaultClientName
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		ClientName:   name,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: connect %v: %w", cfg.Addrs, err)
	}
	return newStore(client), nil
}

func newStore(c rueidis.Client) *Store {
	return &Store{client: c}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return &db.Error{Op: db.OpPing, Err: err}
	}
	return nil
}

// Close shuts down the client.
func (s *Store) Close() {
	s.client.Close()
}

// WaitForReady pings until the store answers or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := s.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for cache store: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Get returns the raw value. A missing key is db.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	switch {
	case rueidis.IsRedisNil(err):
		return nil, db.ErrKeyNotFound
	case err != nil:
		return nil, &db.Error{Op: db.OpGet, Err: err}
	}
	return data, nil
}

// SetWithTTL stores value under key with an expiry (SET EX).
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := s.client.B().Set().Key(key).Value(rueidis.BinaryString(value)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpSet, Err: err}
	}
	return nil
}

// IncrByWithTTL adds val to a counter and, in the same round trip, sets its
// expiry only if it has none yet (EXPIRE NX), so later increments keep the
// original deadline.
func (s *Store) IncrByWithTTL(ctx context.Context, key string, val int64, ttl time.Duration) error {
	res := s.client.DoMulti(ctx,
		s.client.B().Incrby().Key(key).Increment(val).Build(),
		s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Nx().Build(),
	)
	if err := res[0].Error(); err != nil {
		return &db.Error{Op: db.OpIncrBy, Err: err}
	}
	if err := res[1].Error(); err != nil {
		return &db.Error{Op: db.OpExpire, Err: err}
	}
	return nil
}
