// Package curation implements the human review gate: batches of candidate
// items that block workflow progress until every item is resolved.
package curation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/models"
)

// Store is the review gate surface the workflow engine and the review CLI
// share. Implementations must derive batch resolved-ness by recounting item
// statuses, never by caching a flag.
type Store interface {
	// Submit creates a batch of pending items for a job stage. Submitting the
	// same (job, stageKey) twice returns the original batch, so a crash
	// between batch creation and the stage transition is safe to retry.
	Submit(ctx context.Context, jobID string, kind models.BatchKind, stageKey string, payloads []json.RawMessage) (*models.CurationBatch, error)

	// BatchForStage returns the batch submitted for a job stage, or
	// db.ErrNotFound.
	BatchForStage(ctx context.Context, jobID, stageKey string) (*models.CurationBatch, error)

	// Batch returns a batch by id, or db.ErrNotFound.
	Batch(ctx context.Context, batchID string) (*models.CurationBatch, error)

	// Items returns all items in a batch.
	Items(ctx context.Context, batchID string) ([]models.CurationItem, error)

	// Pending returns unresolved items across batches, optionally filtered by
	// batch kind.
	Pending(ctx context.Context, kind *models.BatchKind) ([]models.CurationItem, error)

	// Resolve moves one pending item to a terminal status. Resolving an
	// already-resolved item fails with db.ErrInvalidTransition; the stored
	// resolution is never overwritten.
	Resolve(ctx context.Context, itemID string, status models.ItemStatus, editedPayload json.RawMessage, note *string) (*models.CurationItem, error)

	// IsResolved reports whether every item in the batch has a terminal
	// status.
	IsResolved(ctx context.Context, batchID string) (bool, error)

	// Resolutions delivers a best-effort wakeup whenever a batch becomes fully
	// resolved. The engine polls regardless; this only shortens the wait.
	Resolutions() <-chan struct{}
}

// SurrealStore is the database-backed Store.
type SurrealStore struct {
	db     *db.Client
	wakeup chan struct{}
}

var _ Store = (*SurrealStore)(nil)

// NewSurrealStore creates a Store backed by the given database client.
func NewSurrealStore(client *db.Client) *SurrealStore {
	return &SurrealStore{
		db:     client,
		wakeup: make(chan struct{}, 1),
	}
}

func (s *SurrealStore) Submit(
	ctx context.Context,
	jobID string,
	kind models.BatchKind,
	stageKey string,
	payloads []json.RawMessage,
) (*models.CurationBatch, error) {
	batchID := uuid.NewString()
	itemIDs := make([]string, len(payloads))
	for i := range payloads {
		itemIDs[i] = uuid.NewString()
	}

	batch, err := s.db.CreateCurationBatch(ctx, batchID, jobID, kind, stageKey, itemIDs, payloads)
	if errors.Is(err, db.ErrDuplicateBatch) {
		slog.Info("batch already submitted, reusing", "job", jobID, "stage_key", stageKey)
		return s.db.GetBatchByStageKey(ctx, jobID, stageKey)
	}
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	return batch, nil
}

func (s *SurrealStore) BatchForStage(ctx context.Context, jobID, stageKey string) (*models.CurationBatch, error) {
	return s.db.GetBatchByStageKey(ctx, jobID, stageKey)
}

func (s *SurrealStore) Batch(ctx context.Context, batchID string) (*models.CurationBatch, error) {
	return s.db.GetCurationBatch(ctx, batchID)
}

func (s *SurrealStore) Items(ctx context.Context, batchID string) ([]models.CurationItem, error) {
	return s.db.ListBatchItems(ctx, batchID)
}

func (s *SurrealStore) Pending(ctx context.Context, kind *models.BatchKind) ([]models.CurationItem, error) {
	return s.db.ListPendingItems(ctx, kind)
}

func (s *SurrealStore) Resolve(
	ctx context.Context,
	itemID string,
	status models.ItemStatus,
	editedPayload json.RawMessage,
	note *string,
) (*models.CurationItem, error) {
	item, err := s.db.ResolveCurationItem(ctx, itemID, status, editedPayload, note)
	if err != nil {
		return nil, err
	}

	pending, err := s.db.CountPendingItems(ctx, item.BatchID)
	if err != nil {
		slog.Warn("pending recount failed after resolve", "batch", item.BatchID, "error", err)
		return item, nil
	}
	if pending == 0 {
		if err := s.db.MarkBatchResolved(ctx, item.BatchID); err != nil {
			slog.Warn("marking batch resolved failed", "batch", item.BatchID, "error", err)
		}
		s.notify()
	}
	return item, nil
}

func (s *SurrealStore) IsResolved(ctx context.Context, batchID string) (bool, error) {
	pending, err := s.db.CountPendingItems(ctx, batchID)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func (s *SurrealStore) Resolutions() <-chan struct{} {
	return s.wakeup
}

// notify sends a non-blocking wakeup. A full channel means a wakeup is
// already queued.
func (s *SurrealStore) notify() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}
