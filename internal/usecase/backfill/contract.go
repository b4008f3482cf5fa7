package backfill

import (
	"context"

	"github.com/kailas-cloud/backfill/internal/domain"
)

// Gateway reads candidates from and commits outcomes to the document store.
type Gateway interface {
	FindCandidates(ctx context.Context, indexPattern string, batchSize int) []domain.Document
	CommitResult(ctx context.Context, indexID, documentID string, outcome domain.Outcome) error
	RecordGenerationFailure(ctx context.Context, doc domain.Document, cause error, maxAttempts int) (bool, error)
}

// Embedder vectorizes text into embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}
