// Package db provides error types for database operations.
package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateBatch indicates a curation batch was already submitted for
	// this job+stage. This is the idempotency guard firing after a crash-retry,
	// not a data corruption: callers should fetch and reuse the existing batch.
	ErrDuplicateBatch = errors.New("curation batch already exists")

	// ErrInvalidTransition indicates a state transition that the store
	// rejects: resolving an already-terminal curation item, or a stage CAS
	// that lost the race. Record state is unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict from
	// concurrent writers. Callers should typically retry.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// wrapQueryError inspects a SurrealDB error and wraps it with the appropriate
// sentinel if it matches a known query error pattern. Returns the original
// error otherwise.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "unique_batch") {
			return fmt.Errorf("%w: %s", ErrDuplicateBatch, msg)
		}
		if strings.Contains(msg, "already exists") {
			return fmt.Errorf("%w: %s", ErrDuplicateBatch, msg)
		}
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}
