package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/backfill/internal/domain"
	logpkg "github.com/kailas-cloud/backfill/internal/logger"
	"github.com/kailas-cloud/backfill/internal/metrics"
)

// BudgetChecker is the local interface for budget enforcement.
type BudgetChecker interface {
	Check(ctx context.Context) error
	Record(tokens int64)
	RemainingDaily() int64
	RemainingMonthly() int64
}

// InstrumentedEmbedder is the outermost decorator: it gates each call on the
// token budget, records spent tokens and logs the call.
// Request/latency metrics are recorded by transport/openai.
type InstrumentedEmbedder struct {
	inner    domain.Embedder
	provider string
	budget   BudgetChecker
	fields   []zap.Field
	logger   *zap.Logger
}

// NewInstrumentedEmbedder wraps inner. budget may be nil (unlimited).
func NewInstrumentedEmbedder(
	inner domain.Embedder, provider, model string,
	budget BudgetChecker, logger *zap.Logger,
) *InstrumentedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &InstrumentedEmbedder{
		inner:    inner,
		provider: provider,
		budget:   budget,
		fields:   []zap.Field{zap.String("provider", provider), zap.String("model", model)},
		logger:   logger,
	}
	p.publishBudget()
	return p
}

// Embed runs one provider call. A budget rejection is returned as
// domain.ErrEmbeddingProviderError so the document is handled like any other
// generation failure.
func (p *InstrumentedEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	log := logpkg.FromContextOr(ctx, p.logger).With(p.fields...)

	if p.budget != nil {
		if err := p.budget.Check(ctx); err != nil {
			log.Warn("Embedding budget exhausted", zap.Error(err))
			return domain.EmbeddingResult{}, fmt.Errorf("%w: budget check: %w", domain.ErrEmbeddingProviderError, err)
		}
	}

	start := time.Now()
	result, err := p.inner.Embed(ctx, text)
	elapsed := time.Since(start)
	if err != nil {
		log.Debug("Embedding call failed", zap.Duration("duration", elapsed), zap.Error(err))
		return domain.EmbeddingResult{}, fmt.Errorf("embed: %w", err)
	}

	// Cache hits report zero tokens and cost nothing.
	if p.budget != nil && result.TotalTokens > 0 {
		p.budget.Record(int64(result.TotalTokens))
		p.publishBudget()
	}

	log.Debug("Embedding call completed",
		zap.Duration("duration", elapsed),
		zap.Int("dimensions", len(result.Embedding)),
		zap.Int("total_tokens", result.TotalTokens),
	)
	return result, nil
}

// HealthCheck delegates to the inner embedder when supported.
func (p *InstrumentedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := p.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // transparent decorator
	}
	return nil
}

// publishBudget mirrors the remaining tokens into the gauges (-1 = unlimited).
func (p *InstrumentedEmbedder) publishBudget() {
	if p.budget == nil {
		return
	}
	g := metrics.EmbeddingBudgetTokensRemaining
	g.WithLabelValues(p.provider, "daily").Set(float64(p.budget.RemainingDaily()))
	g.WithLabelValues(p.provider, "monthly").Set(float64(p.budget.RemainingMonthly()))
}
