package domain

import "time"

// Status is the embedding state of a document as seen by the backfill pipeline.
type Status string

const (
	// StatusEligible marks a document that still needs an embedding.
	StatusEligible Status = "eligible"
	// StatusCompleted marks a document carrying a committed vector.
	StatusCompleted Status = "completed"
	// StatusFailed marks a document that left the eligible set without a vector.
	StatusFailed Status = "failed"
)

// Stored values of the embedding_status field written by the pipeline.
// An absent value reads as pending.
const (
	StoredStatusCompleted = "completed"
	StoredStatusFailed    = "failed"
)

// Field names of the document projection owned by the backfill pipeline.
const (
	FieldSearchableContent  = "searchable_content"
	FieldNeedsEmbedding     = "needs_embedding"
	FieldTextEmbedding      = "text_embedding"
	FieldEmbeddingStatus    = "embedding_status"
	FieldEmbeddingModel     = "embedding_model_used"
	FieldEmbeddingGenerated = "embedding_generated_at"
	FieldEmbeddingFailed    = "embedding_failed_at"
	FieldEmbeddingError     = "embedding_error"
	FieldEmbeddingAttempts  = "embedding_attempts"
	FieldEmbeddingLastError = "embedding_last_error"
)

// Document is the projection of a stored document read and written by the backfill pipeline.
type Document struct {
	IndexID           string
	DocumentID        string
	SearchableContent string
	NeedsEmbedding    bool
	HasEmbedding      bool
	EmbeddingStatus   string // raw stored value, empty means pending
	Attempts          int
}

// Status derives the tri-state embedding status from the stored fields.
func (d Document) Status() Status {
	if d.HasEmbedding {
		return StatusCompleted
	}
	if d.NeedsEmbedding {
		return StatusEligible
	}
	switch d.EmbeddingStatus {
	case StoredStatusCompleted:
		return StatusCompleted
	case StoredStatusFailed:
		return StatusFailed
	default:
		return StatusEligible
	}
}

// Outcome is the result of processing one document, committed by the gateway.
type Outcome struct {
	Vector []float32
	Model  string
	Err    error
	At     time.Time
	// Attempts, when > 0, is written with a failure as embedding_attempts.
	Attempts int
}

// Succeeded returns a success outcome carrying the vector.
func Succeeded(vector []float32, model string, at time.Time) Outcome {
	return Outcome{Vector: vector, Model: model, At: at}
}

// Failed returns a failure outcome with the given cause.
func Failed(cause error, at time.Time) Outcome {
	return Outcome{Err: cause, At: at}
}

// WithAttempts records the generation attempt count alongside a failure.
func (o Outcome) WithAttempts(n int) Outcome {
	o.Attempts = n
	return o
}

// OK reports whether the outcome carries a vector.
func (o Outcome) OK() bool {
	return o.Err == nil
}
