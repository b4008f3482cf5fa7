package document

import (
	"encoding/json"
	"time"

	"github.com/kailas-cloud/backfill/internal/domain"
)

// timeLayout matches the date format already stored in the indices.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type (
	boolQuery struct {
		Must    []clause `json:"must"`
		MustNot []clause `json:"must_not"`
	}

	clause map[string]any

	candidateQuery struct {
		Query  map[string]boolQuery `json:"query"`
		Size   int                  `json:"size"`
		Source []string             `json:"_source"`
	}
)

// buildCandidateQuery selects documents flagged for embedding that have text and no vector.
func buildCandidateQuery(size int) ([]byte, error) {
	q := candidateQuery{
		Query: map[string]boolQuery{
			"bool": {
				Must: []clause{
					{"term": map[string]any{domain.FieldNeedsEmbedding: true}},
					{"exists": map[string]any{"field": domain.FieldSearchableContent}},
				},
				MustNot: []clause{
					{"exists": map[string]any{"field": domain.FieldTextEmbedding}},
				},
			},
		},
		Size: size,
		Source: []string{
			domain.FieldSearchableContent,
			domain.FieldNeedsEmbedding,
			domain.FieldEmbeddingStatus,
			domain.FieldEmbeddingAttempts,
		},
	}
	return json.Marshal(q)
}

// candidateSource is the subset of _source the gateway reads.
type candidateSource struct {
	SearchableContent string          `json:"searchable_content"`
	NeedsEmbedding    bool            `json:"needs_embedding"`
	TextEmbedding     json.RawMessage `json:"text_embedding"`
	EmbeddingStatus   string          `json:"embedding_status"`
	EmbeddingAttempts int             `json:"embedding_attempts"`
}

func (s candidateSource) toDomain(index, id string) domain.Document {
	return domain.Document{
		IndexID:           index,
		DocumentID:        id,
		SearchableContent: s.SearchableContent,
		NeedsEmbedding:    s.NeedsEmbedding,
		HasEmbedding:      len(s.TextEmbedding) > 0 && string(s.TextEmbedding) != "null",
		EmbeddingStatus:   s.EmbeddingStatus,
		Attempts:          s.EmbeddingAttempts,
	}
}

type successPatch struct {
	TextEmbedding   []float32 `json:"text_embedding"`
	NeedsEmbedding  bool      `json:"needs_embedding"`
	GeneratedAt     string    `json:"embedding_generated_at"`
	ModelUsed       string    `json:"embedding_model_used"`
	EmbeddingStatus string    `json:"embedding_status"`
}

func newSuccessPatch(o domain.Outcome) successPatch {
	return successPatch{
		TextEmbedding:   o.Vector,
		NeedsEmbedding:  false,
		GeneratedAt:     formatTime(o.At),
		ModelUsed:       o.Model,
		EmbeddingStatus: domain.StoredStatusCompleted,
	}
}

type failurePatch struct {
	NeedsEmbedding  bool   `json:"needs_embedding"`
	EmbeddingStatus string `json:"embedding_status"`
	Error           string `json:"embedding_error"`
	FailedAt        string `json:"embedding_failed_at"`
	Attempts        *int   `json:"embedding_attempts,omitempty"`
}

func newFailurePatch(cause error, at time.Time) failurePatch {
	return failurePatch{
		NeedsEmbedding:  false,
		EmbeddingStatus: domain.StoredStatusFailed,
		Error:           cause.Error(),
		FailedAt:        formatTime(at),
	}
}

// attemptPatch records a generation failure below the retry cap; the document stays eligible.
type attemptPatch struct {
	Attempts  int    `json:"embedding_attempts"`
	LastError string `json:"embedding_last_error"`
}
