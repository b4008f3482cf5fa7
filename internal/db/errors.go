package db

import (
	"errors"
	"fmt"
)

// Sentinel errors for database operations.
var (
	ErrKeyNotFound      = errors.New("db: key not found")
	ErrDocumentNotFound = errors.New("db: document not found")
	ErrIndexNotFound    = errors.New("db: index not found")
)

// Op constants name store operations for error context.
const (
	OpPing   = "PING"
	OpInfo   = "INFO"
	OpSearch = "SEARCH"
	OpUpdate = "UPDATE"
	OpGet    = "GET"
	OpSet    = "SET"
	OpIncrBy = "INCRBY"
	OpExpire = "EXPIRE"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the search engine.
type StatusError struct {
	StatusCode int
	Type       string
	Reason     string
}

func (e *StatusError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s: %s", e.StatusCode, e.Type, e.Reason)
}

// Is maps well-known statuses onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrDocumentNotFound:
		return e.StatusCode == 404 && e.Type == "document_missing_exception"
	case ErrIndexNotFound:
		return e.StatusCode == 404 && e.Type == "index_not_found_exception"
	}
	return false
}
