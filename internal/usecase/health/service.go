package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/backfill/internal/domain"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates an optional component or the provider is failing.
	Degraded Status = "degraded"
	// Unhealthy indicates the document store is unreachable.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Component names reported in Report.Checks.
const (
	ComponentSearchEngine = "search_engine"
	ComponentEmbedding    = "embedding"
	ComponentCache        = "cache"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// connectionText is embedded once at startup to confirm the key and model.
const connectionText = "test connection"

// Service coordinates health checks.
type Service struct {
	store     Pinger
	embedding EmbeddingChecker
	cache     Pinger
	embedTest domain.Embedder
}

// New creates a Service. embedding can be nil.
func New(store Pinger, embedding EmbeddingChecker) *Service {
	return &Service{store: store, embedding: embedding}
}

// WithCache adds the optional cache store to the report.
func (s *Service) WithCache(cache Pinger) *Service {
	s.cache = cache
	return s
}

// WithEmbedCheck makes Verify request a real embedding from e instead of
// calling HealthCheck, so a wrong model name fails startup.
func (s *Service) WithEmbedCheck(e domain.Embedder) *Service {
	s.embedTest = e
	return s
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	errs := s.runChecks(ctx)
	checks := make(map[string]CheckResult, len(errs))
	status := Healthy

	for name, err := range errs {
		if err == nil {
			checks[name] = CheckOK
			continue
		}
		checks[name] = CheckError
		if name == ComponentSearchEngine {
			status = Unhealthy
		} else if status == Healthy {
			status = Degraded
		}
	}

	return Report{Status: status, Checks: checks}
}

// Verify is the startup connectivity check: the search engine and the
// embedding provider must both answer. The cache is optional and not verified.
// Check never requests embeddings, only Verify does.
func (s *Service) Verify(ctx context.Context) error {
	var errs []error
	if err := s.store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", ComponentSearchEngine, err))
	}
	if err := s.verifyEmbedding(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", ComponentEmbedding, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, errors.Join(errs...))
	}
	return nil
}

func (s *Service) verifyEmbedding(ctx context.Context) error {
	if s.embedTest != nil {
		res, err := s.embedTest.Embed(ctx, connectionText)
		if err != nil {
			return err
		}
		if len(res.Embedding) == 0 {
			return fmt.Errorf("%w: empty embedding", domain.ErrEmbeddingProviderError)
		}
		return nil
	}
	if s.embedding != nil {
		return s.embedding.HealthCheck(ctx)
	}
	return nil
}

func (s *Service) runChecks(ctx context.Context) map[string]error {
	out := map[string]error{ComponentSearchEngine: s.store.Ping(ctx)}
	if s.embedding != nil {
		out[ComponentEmbedding] = s.embedding.HealthCheck(ctx)
	}
	if s.cache != nil {
		out[ComponentCache] = s.cache.Ping(ctx)
	}
	return out
}
