package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"

	"github.com/kailas-cloud/backfill/internal/db"
)

// Compile-time check: Store implements db.DocumentStore.
var _ db.DocumentStore = (*Store)(nil)

const defaultRetryOnConflict = 3

// Config holds connection parameters for an Elasticsearch cluster.
type Config struct {
	Addresses          []string
	Username           string
	Password           string
	InsecureSkipVerify bool
	CACert             []byte
	RetryOnConflict    int
}

// Store implements db.DocumentStore on top of the go-elasticsearch low-level API.
type Store struct {
	client          *elasticsearch.Client
	retryOnConflict int
}

// NewStore creates an Elasticsearch document store.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("addresses is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // self-signed dev clusters
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		CACert:    cfg.CACert,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	retry := cfg.RetryOnConflict
	if retry <= 0 {
		retry = defaultRetryOnConflict
	}

	return &Store{client: client, retryOnConflict: retry}, nil
}

// Ping checks connectivity via the cluster info endpoint.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.Version(ctx)
	return err
}

// Version returns the cluster version number reported by the info endpoint.
func (s *Store) Version(ctx context.Context) (string, error) {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return "", &db.Error{Op: db.OpInfo, Err: err}
	}
	defer closeBody(res)

	if res.IsError() {
		return "", &db.Error{Op: db.OpInfo, Err: readError(res)}
	}

	var info struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return "", &db.Error{Op: db.OpInfo, Err: fmt.Errorf("decode info: %w", err)}
	}
	return info.Version.Number, nil
}

// WaitForReady polls Ping until the cluster responds or timeout expires.
// A timeout <= 0 pings exactly once.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("elasticsearch not ready: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = s.Ping(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for elasticsearch: %w", errors.Join(ctx.Err(), lastErr))
		case <-ticker.C:
		}
	}
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}

// readError decodes an Elasticsearch error response into a db.StatusError.
func readError(res *esapi.Response) error {
	statusErr := &db.StatusError{StatusCode: res.StatusCode}

	data, err := io.ReadAll(res.Body)
	if err != nil || len(data) == 0 {
		return statusErr
	}

	var parsed struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(data, &parsed) != nil || len(parsed.Error) == 0 {
		statusErr.Reason = string(bytes.TrimSpace(data))
		return statusErr
	}

	var detail struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(parsed.Error, &detail) == nil {
		statusErr.Type = detail.Type
		statusErr.Reason = detail.Reason
		return statusErr
	}

	// Some endpoints return "error" as a plain string.
	var msg string
	if json.Unmarshal(parsed.Error, &msg) == nil {
		statusErr.Reason = msg
	}
	return statusErr
}
