package domain

import "errors"

var (
	// ErrConnectivity signals that a collaborator is unreachable at startup.
	ErrConnectivity = errors.New("connectivity check failed")
	// ErrEmptyContent signals a document without text to embed.
	ErrEmptyContent = errors.New("empty searchable content")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrEmbeddingQuotaExceeded signals an exhausted embedding budget.
	ErrEmbeddingQuotaExceeded = errors.New("embedding quota exceeded")
	// ErrCommitFailed signals that a vector could not be written to the store.
	ErrCommitFailed = errors.New("commit failed")
	// ErrInvalidConfig signals an unusable engine or scheduler configuration.
	ErrInvalidConfig = errors.New("invalid config")
)

// CommitError carries the store error of a failed commit and whether the fallback marker was written.
type CommitError struct {
	Err            error
	FallbackMarked bool
}

func (e *CommitError) Error() string {
	if e.FallbackMarked {
		return ErrCommitFailed.Error() + " (marked failed): " + e.Err.Error()
	}
	return ErrCommitFailed.Error() + " (fallback failed): " + e.Err.Error()
}

// Is matches ErrCommitFailed.
func (e *CommitError) Is(target error) bool { return target == ErrCommitFailed }

func (e *CommitError) Unwrap() error { return e.Err }
