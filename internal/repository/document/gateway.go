package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/db"
	"github.com/kailas-cloud/backfill/internal/domain"
	"github.com/kailas-cloud/backfill/internal/logger"
	"github.com/kailas-cloud/backfill/internal/metrics"
)

// store is the consumer interface for the search engine (ISP).
type store interface {
	Search(ctx context.Context, indexPattern string, body []byte) (*db.SearchResult, error)
	Update(ctx context.Context, index, id string, partial any) error
}

// Gateway reads candidate documents and commits embedding outcomes.
type Gateway struct {
	store  store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a document gateway.
func New(s store, l *zap.Logger) *Gateway {
	if l == nil {
		l = zap.NewNop()
	}
	return &Gateway{store: s, logger: l, now: time.Now}
}

// FindCandidates returns at most batchSize documents matching the eligibility filter,
// in store ranking order. A failed query is logged and yields no candidates.
func (g *Gateway) FindCandidates(ctx context.Context, indexPattern string, batchSize int) []domain.Document {
	log := logger.FromContextOr(ctx, g.logger)

	if batchSize <= 0 {
		return nil
	}

	body, err := buildCandidateQuery(batchSize)
	if err != nil {
		log.Error("Failed to build discovery query", zap.Error(err))
		metrics.DiscoveryErrorsTotal.Inc()
		return nil
	}

	res, err := g.store.Search(ctx, indexPattern, body)
	if err != nil {
		log.Error("Discovery query failed",
			zap.String("index_pattern", indexPattern),
			zap.Error(err),
		)
		metrics.DiscoveryErrorsTotal.Inc()
		return nil
	}

	hits := res.Hits
	if len(hits) > batchSize {
		hits = hits[:batchSize]
	}

	docs := make([]domain.Document, 0, len(hits))
	for _, h := range hits {
		var src candidateSource
		if len(h.Source) > 0 {
			if err := json.Unmarshal(h.Source, &src); err != nil {
				// Keep the hit: an unreadable source is handled as empty content downstream.
				log.Warn("Failed to decode document source",
					zap.String("index", h.Index),
					zap.String("document_id", h.ID),
					zap.Error(err),
				)
			}
		}
		docs = append(docs, src.toDomain(h.Index, h.ID))
	}
	return docs
}

// CommitResult writes an outcome onto the document with a partial update.
//
// A failed success update triggers a best-effort update marking the document failed
// with the update error as cause. The returned error is a *domain.CommitError whenever
// the requested outcome was not written; it never needs to abort the caller.
func (g *Gateway) CommitResult(ctx context.Context, indexID, documentID string, outcome domain.Outcome) error {
	log := logger.FromContextOr(ctx, g.logger).With(
		zap.String("index", indexID),
		zap.String("document_id", documentID),
	)

	var patch any
	if outcome.OK() {
		patch = newSuccessPatch(outcome)
	} else {
		fp := newFailurePatch(outcome.Err, outcome.At)
		if outcome.Attempts > 0 {
			fp.Attempts = &outcome.Attempts
		}
		patch = fp
	}

	err := g.store.Update(ctx, indexID, documentID, patch)
	if err == nil {
		if outcome.OK() {
			log.Info("Updated document with embedding", zap.Int("dimensions", len(outcome.Vector)))
		} else {
			log.Info("Marked document failed", zap.Error(outcome.Err))
		}
		return nil
	}

	log.Error("Failed to update document", zap.Error(err))

	if !outcome.OK() {
		metrics.CommitFallbackFailuresTotal.Inc()
		return &domain.CommitError{Err: err}
	}

	fallback := newFailurePatch(err, outcome.At)
	if ferr := g.store.Update(ctx, indexID, documentID, fallback); ferr != nil {
		log.Error("Failed to mark document failed after update error",
			zap.NamedError("update_error", err),
			zap.Error(ferr),
		)
		metrics.CommitFallbackFailuresTotal.Inc()
		return &domain.CommitError{Err: err}
	}

	log.Warn("Marked document failed after update error", zap.Error(err))
	return &domain.CommitError{Err: err, FallbackMarked: true}
}

// RecordGenerationFailure tracks a failed embedding attempt when a retry cap is set.
// Below the cap the document keeps needs_embedding and only its attempt counter moves;
// at the cap it is marked failed. With maxAttempts <= 0 nothing is written.
// It reports whether the document was marked failed.
func (g *Gateway) RecordGenerationFailure(
	ctx context.Context, doc domain.Document, cause error, maxAttempts int,
) (bool, error) {
	if maxAttempts <= 0 {
		return false, nil
	}

	attempts := doc.Attempts + 1
	if attempts < maxAttempts {
		patch := attemptPatch{Attempts: attempts, LastError: cause.Error()}
		if err := g.store.Update(ctx, doc.IndexID, doc.DocumentID, patch); err != nil {
			return false, fmt.Errorf("record attempt %d for %s/%s: %w", attempts, doc.IndexID, doc.DocumentID, err)
		}
		return false, nil
	}

	gaveUp := fmt.Errorf("giving up after %d attempts: %w", attempts, cause)
	outcome := domain.Failed(gaveUp, g.now()).WithAttempts(attempts)
	if err := g.CommitResult(ctx, doc.IndexID, doc.DocumentID, outcome); err != nil {
		return false, fmt.Errorf("mark %s/%s failed: %w", doc.IndexID, doc.DocumentID, err)
	}

	logger.FromContextOr(ctx, g.logger).Warn("Marked document failed after repeated generation errors",
		zap.String("index", doc.IndexID),
		zap.String("document_id", doc.DocumentID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return true, nil
}
