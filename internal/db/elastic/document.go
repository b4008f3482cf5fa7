package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/kailas-cloud/backfill/internal/db"
)

// Search runs a query body against an index pattern and returns the raw hits.
func (s *Store) Search(ctx context.Context, indexPattern string, body []byte) (*db.SearchResult, error) {
	if indexPattern == "" {
		return nil, fmt.Errorf("index pattern is required")
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(indexPattern),
		s.client.Search.WithBody(bytes.NewReader(body)),
		s.client.Search.WithIgnoreUnavailable(true),
		s.client.Search.WithAllowNoIndices(true),
	)
	if err != nil {
		return nil, &db.Error{Op: db.OpSearch, Err: err}
	}
	defer closeBody(res)

	if res.IsError() {
		return nil, &db.Error{Op: db.OpSearch, Err: readError(res)}
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &db.Error{Op: db.OpSearch, Err: fmt.Errorf("decode response: %w", err)}
	}

	result := &db.SearchResult{
		Total: parsed.Hits.Total.Value,
		Hits:  make([]db.SearchHit, 0, len(parsed.Hits.Hits)),
	}
	for _, h := range parsed.Hits.Hits {
		result.Hits = append(result.Hits, db.SearchHit{
			Index:  h.Index,
			ID:     h.ID,
			Source: h.Source,
		})
	}
	return result, nil
}

// Update applies a partial document update. No version check is made: last writer wins.
func (s *Store) Update(ctx context.Context, index, id string, partial any) error {
	if index == "" || id == "" {
		return fmt.Errorf("index and id are required")
	}

	payload, err := json.Marshal(updateRequest{Doc: partial})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	res, err := s.client.Update(index, id, bytes.NewReader(payload),
		s.client.Update.WithContext(ctx),
		s.client.Update.WithRetryOnConflict(s.retryOnConflict),
	)
	if err != nil {
		return &db.Error{Op: db.OpUpdate, Err: err}
	}
	defer closeBody(res)

	if res.IsError() {
		return &db.Error{Op: db.OpUpdate, Err: readError(res)}
	}
	return nil
}

type updateRequest struct {
	Doc any `json:"doc"`
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Index  string          `json:"_index"`
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}
