package curation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/models"
)

// MemoryStore is an in-process Store used by tests and the engine's unit
// tests. It enforces the same gate semantics as SurrealStore.
type MemoryStore struct {
	mu       sync.Mutex
	batches  map[string]*models.CurationBatch
	items    map[string]*models.CurationItem
	byStage  map[string]string // jobID/stageKey -> batchID
	byBatch  map[string][]string
	wakeup   chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*models.CurationBatch),
		items:   make(map[string]*models.CurationItem),
		byStage: make(map[string]string),
		byBatch: make(map[string][]string),
		wakeup:  make(chan struct{}, 1),
	}
}

func stageKeyIndex(jobID, stageKey string) string {
	return jobID + "/" + stageKey
}

func (s *MemoryStore) Submit(
	ctx context.Context,
	jobID string,
	kind models.BatchKind,
	stageKey string,
	payloads []json.RawMessage,
) (*models.CurationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byStage[stageKeyIndex(jobID, stageKey)]; ok {
		return s.batches[existingID], nil
	}

	batchID := uuid.NewString()
	batch := &models.CurationBatch{
		ID:       surrealmodels.RecordID{Table: "curation_batch", ID: batchID},
		JobID:    jobID,
		Kind:     kind,
		StageKey: stageKey,
		Created:  time.Now(),
	}
	s.batches[batchID] = batch
	s.byStage[stageKeyIndex(jobID, stageKey)] = batchID

	for _, p := range payloads {
		itemID := uuid.NewString()
		s.items[itemID] = &models.CurationItem{
			ID:      surrealmodels.RecordID{Table: "curation_item", ID: itemID},
			BatchID: batchID,
			Status:  models.ItemPending,
			Payload: append(json.RawMessage(nil), p...),
		}
		s.byBatch[batchID] = append(s.byBatch[batchID], itemID)
	}
	return batch, nil
}

func (s *MemoryStore) BatchForStage(ctx context.Context, jobID, stageKey string) (*models.CurationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchID, ok := s.byStage[stageKeyIndex(jobID, stageKey)]
	if !ok {
		return nil, fmt.Errorf("batch for job %s stage %s: %w", jobID, stageKey, db.ErrNotFound)
	}
	return s.batches[batchID], nil
}

func (s *MemoryStore) Batch(ctx context.Context, batchID string) (*models.CurationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, db.ErrNotFound)
	}
	return batch, nil
}

func (s *MemoryStore) Items(ctx context.Context, batchID string) ([]models.CurationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]models.CurationItem, 0, len(s.byBatch[batchID]))
	for _, id := range s.byBatch[batchID] {
		items = append(items, *s.items[id])
	}
	return items, nil
}

func (s *MemoryStore) Pending(ctx context.Context, kind *models.BatchKind) ([]models.CurationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []models.CurationItem
	for _, batch := range s.batches {
		if kind != nil && batch.Kind != *kind {
			continue
		}
		batchID := models.MustRecordIDString(batch.ID)
		for _, id := range s.byBatch[batchID] {
			if s.items[id].Status == models.ItemPending {
				items = append(items, *s.items[id])
			}
		}
	}
	return items, nil
}

func (s *MemoryStore) Resolve(
	ctx context.Context,
	itemID string,
	status models.ItemStatus,
	editedPayload json.RawMessage,
	note *string,
) (*models.CurationItem, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("resolve item %s to %s: %w", itemID, status, db.ErrInvalidTransition)
	}

	s.mu.Lock()
	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("item %s: %w", itemID, db.ErrNotFound)
	}
	if item.Status != models.ItemPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("item %s already resolved: %w", itemID, db.ErrInvalidTransition)
	}

	now := time.Now()
	item.Status = status
	item.Note = note
	item.ResolvedAt = &now
	if len(editedPayload) > 0 {
		item.ResolvedPayload = append(json.RawMessage(nil), editedPayload...)
	}

	pending := 0
	for _, id := range s.byBatch[item.BatchID] {
		if s.items[id].Status == models.ItemPending {
			pending++
		}
	}
	if pending == 0 {
		if b := s.batches[item.BatchID]; b != nil && b.ResolvedAt == nil {
			b.ResolvedAt = &now
		}
	}
	resolved := *item
	s.mu.Unlock()

	if pending == 0 {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return &resolved, nil
}

func (s *MemoryStore) IsResolved(ctx context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return false, fmt.Errorf("batch %s: %w", batchID, db.ErrNotFound)
	}
	for _, id := range s.byBatch[batchID] {
		if s.items[id].Status == models.ItemPending {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) Resolutions() <-chan struct{} {
	return s.wakeup
}
