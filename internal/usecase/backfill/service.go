package backfill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/backfill/internal/domain"
	"github.com/kailas-cloud/backfill/internal/logger"
	"github.com/kailas-cloud/backfill/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultIndexPattern  = "reconciliation-*"
	DefaultBatchSize     = 10
	DefaultDocumentDelay = 500 * time.Millisecond
)

// contentPreviewLen bounds the text logged at debug level per document.
const contentPreviewLen = 100

// Config controls one backfill pass.
type Config struct {
	IndexPattern string
	BatchSize    int
	// DocumentDelay is the minimum spacing between provider calls. Negative disables throttling.
	DocumentDelay time.Duration
	// Model is recorded on every committed vector.
	Model string
	// MaxAttempts caps generation failures per document; 0 retries forever without writing.
	MaxAttempts int
	// Workers > 1 processes a batch concurrently; the throttle stays global.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.IndexPattern == "" {
		c.IndexPattern = DefaultIndexPattern
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.DocumentDelay == 0 {
		c.DocumentDelay = DefaultDocumentDelay
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	switch {
	case c.BatchSize < 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", domain.ErrInvalidConfig, c.BatchSize)
	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts must not be negative, got %d", domain.ErrInvalidConfig, c.MaxAttempts)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative, got %d", domain.ErrInvalidConfig, c.Workers)
	case c.Model == "":
		return fmt.Errorf("%w: model is required", domain.ErrInvalidConfig)
	}
	return nil
}

// PassResult aggregates the counts of one pass.
type PassResult struct {
	Found            int
	Processed        int // vectors committed
	Skipped          int // empty searchable content
	GenerationFailed int
	CommitFailed     int
	MarkedFailed     int // left the eligible set through the retry cap
	Duration         time.Duration
}

// Service runs backfill passes.
type Service struct {
	gateway Gateway
	embed   Embedder
	cfg     Config
	limiter *rate.Limiter
	pool    *ants.Pool
	logger  *zap.Logger
	now     func() time.Time
	passSeq atomic.Uint64
}

// New creates a backfill service. Call Close to release the worker pool.
func New(gw Gateway, embed Embedder, cfg Config, l *zap.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.DocumentDelay > 0 {
		limit = rate.Every(cfg.DocumentDelay)
	}

	s := &Service{
		gateway: gw,
		embed:   embed,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  l,
		now:     time.Now,
	}

	if cfg.Workers > 1 {
		pool, err := ants.NewPool(cfg.Workers)
		if err != nil {
			return nil, fmt.Errorf("create worker pool: %w", err)
		}
		s.pool = pool
	}
	return s, nil
}

// Close releases the worker pool, if any.
func (s *Service) Close() {
	if s.pool != nil {
		s.pool.Release()
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// tally is the goroutine-safe accumulator behind PassResult.
type tally struct {
	mu  sync.Mutex
	res PassResult
}

func (t *tally) add(fn func(r *PassResult)) {
	t.mu.Lock()
	fn(&t.res)
	t.mu.Unlock()
}

// RunPass fetches one batch of candidates and processes each document.
// Per-document failures are counted, never returned. The only error is the
// context's, returned together with the counts reached so far.
func (s *Service) RunPass(ctx context.Context) (PassResult, error) {
	start := s.now()
	passID := s.passSeq.Add(1)
	log := s.logger.With(zap.Uint64("pass_id", passID))
	ctx = logger.ContextWithLogger(ctx, log)

	if err := ctx.Err(); err != nil {
		return PassResult{}, err
	}

	log.Info("Starting embedding processing", zap.String("index_pattern", s.cfg.IndexPattern))

	docs := s.gateway.FindCandidates(ctx, s.cfg.IndexPattern, s.cfg.BatchSize)
	if len(docs) == 0 {
		log.Info("No documents need embeddings")
		return s.finish(ctx, log, PassResult{Duration: time.Since(start)})
	}

	log.Info("Processing documents for embeddings", zap.Int("count", len(docs)))

	t := &tally{res: PassResult{Found: len(docs)}}
	if s.pool == nil {
		for _, doc := range docs {
			if ctx.Err() != nil {
				break
			}
			s.processSafe(ctx, doc, t)
		}
	} else {
		s.dispatch(ctx, docs, t)
	}

	res := t.res
	res.Duration = time.Since(start)
	return s.finish(ctx, log, res)
}

// dispatch hands each document to exactly one pool worker and waits for all of them.
func (s *Service) dispatch(ctx context.Context, docs []domain.Document, t *tally) {
	var wg sync.WaitGroup
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			s.processSafe(ctx, doc, t)
		})
		if err != nil {
			wg.Done()
			logger.FromContext(ctx).Warn("Worker pool rejected document, processing inline",
				zap.String("document_id", doc.DocumentID), zap.Error(err))
			s.processSafe(ctx, doc, t)
		}
	}
	wg.Wait()
}

func (s *Service) finish(ctx context.Context, log *zap.Logger, res PassResult) (PassResult, error) {
	metrics.PassDuration.Observe(res.Duration.Seconds())
	metrics.LastPassTimestamp.SetToCurrentTime()

	if err := ctx.Err(); err != nil {
		metrics.PassesTotal.WithLabelValues("cancelled").Inc()
		log.Info("Pass interrupted", zap.Int("processed", res.Processed), zap.Error(err))
		return res, err
	}

	metrics.PassesTotal.WithLabelValues("ok").Inc()
	if res.Found > 0 {
		log.Info("Processed documents",
			zap.Int("processed", res.Processed),
			zap.Int("found", res.Found),
			zap.Int("skipped", res.Skipped),
			zap.Int("generation_failed", res.GenerationFailed),
			zap.Int("commit_failed", res.CommitFailed),
			zap.Int("marked_failed", res.MarkedFailed),
			zap.Duration("duration", res.Duration),
		)
	}
	return res, nil
}

// processSafe isolates one document: a panic is logged and the batch goes on.
func (s *Service) processSafe(ctx context.Context, doc domain.Document, t *tally) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DocumentsTotal.WithLabelValues("panic").Inc()
			logger.FromContext(ctx).Error("Panic while processing document",
				zap.String("index", doc.IndexID),
				zap.String("document_id", doc.DocumentID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	s.process(ctx, doc, t)
}

func (s *Service) process(ctx context.Context, doc domain.Document, t *tally) {
	log := logger.FromContext(ctx).With(
		zap.String("index", doc.IndexID),
		zap.String("document_id", doc.DocumentID),
	)

	if st := doc.Status(); st != domain.StatusEligible {
		log.Warn("Candidate is no longer eligible", zap.String("status", string(st)))
		metrics.DocumentsTotal.WithLabelValues("skipped_ineligible").Inc()
		t.add(func(r *PassResult) { r.Skipped++ })
		return
	}

	if doc.SearchableContent == "" {
		log.Warn("Document has no searchable_content")
		metrics.DocumentsTotal.WithLabelValues("skipped_empty").Inc()
		t.add(func(r *PassResult) { r.Skipped++ })
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		// Cancelled or deadline too close: the document stays eligible for the next run.
		return
	}

	log.Info("Generating embedding for document")
	log.Debug("Content", zap.String("preview", preview(doc.SearchableContent)))

	result, err := s.embed.Embed(ctx, doc.SearchableContent)
	if err == nil && len(result.Embedding) == 0 {
		err = fmt.Errorf("%w: empty embedding", domain.ErrEmbeddingProviderError)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.onGenerationFailure(ctx, log, doc, err, t)
		return
	}

	err = s.gateway.CommitResult(ctx, doc.IndexID, doc.DocumentID,
		domain.Succeeded(result.Embedding, s.cfg.Model, s.now()))
	if err != nil {
		metrics.DocumentsTotal.WithLabelValues("commit_failed").Inc()
		t.add(func(r *PassResult) { r.CommitFailed++ })
		return
	}

	metrics.DocumentsTotal.WithLabelValues("completed").Inc()
	t.add(func(r *PassResult) { r.Processed++ })
}

func (s *Service) onGenerationFailure(
	ctx context.Context, log *zap.Logger, doc domain.Document, cause error, t *tally,
) {
	log.Error("Failed to generate embedding for document", zap.Error(cause))
	metrics.DocumentsTotal.WithLabelValues("generation_failed").Inc()
	t.add(func(r *PassResult) { r.GenerationFailed++ })

	marked, err := s.gateway.RecordGenerationFailure(ctx, doc, cause, s.cfg.MaxAttempts)
	if err != nil {
		log.Warn("Failed to record generation failure", zap.Error(err))
		return
	}
	if marked {
		metrics.DocumentsTotal.WithLabelValues("marked_failed").Inc()
		t.add(func(r *PassResult) { r.MarkedFailed++ })
	}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= contentPreviewLen {
		return s
	}
	return string(r[:contentPreviewLen]) + "..."
}
