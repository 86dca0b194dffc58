package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jfellner/distill/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// batchRecord and itemRecord mirror the curation tables with payloads as raw
// strings, since SurrealDB stores them opaquely.
type batchRecord = models.CurationBatch

type itemRecord struct {
	models.CurationItem
	PayloadStr         string  `json:"payload"`
	ResolvedPayloadStr *string `json:"resolved_payload,omitempty"`
}

func (r itemRecord) toItem() models.CurationItem {
	item := r.CurationItem
	item.Payload = json.RawMessage(r.PayloadStr)
	if r.ResolvedPayloadStr != nil {
		item.ResolvedPayload = json.RawMessage(*r.ResolvedPayloadStr)
	}
	return item
}

// CreateCurationBatch persists a new batch and its items, all pending, in one
// transaction. The unique (job, stage_key) index rejects a duplicate
// submission after a crash-retry with ErrDuplicateBatch.
func (c *Client) CreateCurationBatch(
	ctx context.Context,
	batchID string,
	jobID string,
	kind models.BatchKind,
	stageKey string,
	itemIDs []string,
	payloads []json.RawMessage,
) (*models.CurationBatch, error) {
	if len(itemIDs) != len(payloads) {
		return nil, fmt.Errorf("create curation batch: %d ids for %d payloads", len(itemIDs), len(payloads))
	}

	sql := `
		BEGIN TRANSACTION;
		CREATE type::record("curation_batch", $batch_id) SET
			job_id = $job_id,
			kind = $kind,
			stage_key = $stage_key;
		FOR $item IN $items {
			CREATE type::record("curation_item", $item.id) SET
				batch_id = $batch_id,
				status = "pending",
				payload = $item.payload;
		};
		COMMIT TRANSACTION;
		SELECT * FROM type::record("curation_batch", $batch_id);
	`

	items := make([]map[string]any, len(payloads))
	for i, p := range payloads {
		items[i] = map[string]any{"id": itemIDs[i], "payload": string(p)}
	}

	results, err := surrealdb.Query[[]batchRecord](ctx, c.db, sql, map[string]any{
		"batch_id":  batchID,
		"job_id":    jobID,
		"kind":      string(kind),
		"stage_key": stageKey,
		"items":     items,
	})
	if err != nil {
		return nil, fmt.Errorf("create curation batch: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, fmt.Errorf("create curation batch: no result returned")
	}
	last := (*results)[len(*results)-1].Result
	if len(last) == 0 {
		return nil, fmt.Errorf("create curation batch: batch not readable after create")
	}
	return &last[0], nil
}

// GetBatchByStageKey fetches the batch previously created for a job+stage.
// Used to recover the batch id after CreateCurationBatch hit the idempotency
// guard.
func (c *Client) GetBatchByStageKey(ctx context.Context, jobID, stageKey string) (*models.CurationBatch, error) {
	results, err := surrealdb.Query[[]batchRecord](ctx, c.db, `
		SELECT * FROM curation_batch WHERE job_id = $job_id AND stage_key = $stage_key LIMIT 1
	`, map[string]any{"job_id": jobID, "stage_key": stageKey})
	if err != nil {
		return nil, fmt.Errorf("get batch by stage key: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("batch for job %s stage %s: %w", jobID, stageKey, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// GetCurationBatch retrieves a batch by ID.
func (c *Client) GetCurationBatch(ctx context.Context, batchID string) (*models.CurationBatch, error) {
	results, err := surrealdb.Query[[]batchRecord](ctx, c.db, `
		SELECT * FROM type::record("curation_batch", $id)
	`, map[string]any{"id": batchID})
	if err != nil {
		return nil, fmt.Errorf("get curation batch: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("batch %q: %w", batchID, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// ListBatchItems returns all items in a batch.
func (c *Client) ListBatchItems(ctx context.Context, batchID string) ([]models.CurationItem, error) {
	results, err := surrealdb.Query[[]itemRecord](ctx, c.db, `
		SELECT * FROM curation_item WHERE batch_id = $batch_id
	`, map[string]any{"batch_id": batchID})
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.CurationItem{}, nil
	}
	records := (*results)[0].Result
	items := make([]models.CurationItem, len(records))
	for i, r := range records {
		items[i] = r.toItem()
	}
	return items, nil
}

// ListPendingItems returns pending items across all batches, optionally
// filtered by batch kind. This is the read used by review surfaces.
func (c *Client) ListPendingItems(ctx context.Context, kind *models.BatchKind) ([]models.CurationItem, error) {
	sql := `
		SELECT * FROM curation_item WHERE status = "pending"
			AND batch_id IN (SELECT VALUE record::id(id) FROM curation_batch %s)
		ORDER BY id
	`
	vars := map[string]any{}
	if kind != nil {
		sql = fmt.Sprintf(sql, "WHERE kind = $kind")
		vars["kind"] = string(*kind)
	} else {
		sql = fmt.Sprintf(sql, "")
	}

	results, err := surrealdb.Query[[]itemRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.CurationItem{}, nil
	}
	records := (*results)[0].Result
	items := make([]models.CurationItem, len(records))
	for i, r := range records {
		items[i] = r.toItem()
	}
	return items, nil
}

// ResolveCurationItem transitions one item from pending to a terminal status
// with compare-and-set semantics: a concurrent resolution or an
// already-terminal item loses with ErrInvalidTransition, never last-write-wins.
func (c *Client) ResolveCurationItem(
	ctx context.Context,
	itemID string,
	status models.ItemStatus,
	editedPayload json.RawMessage,
	note *string,
) (*models.CurationItem, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("resolve item %s to %s: %w", itemID, status, ErrInvalidTransition)
	}

	var edited *string
	if len(editedPayload) > 0 {
		s := string(editedPayload)
		edited = &s
	}

	results, err := surrealdb.Query[[]itemRecord](ctx, c.db, `
		UPDATE type::record("curation_item", $id) SET
			status = $status,
			resolved_payload = $edited,
			note = $note,
			resolved_at = time::now()
		WHERE status = "pending"
		RETURN AFTER
	`, map[string]any{
		"id":     itemID,
		"status": string(status),
		"edited": edited,
		"note":   note,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve item: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("item %s already resolved: %w", itemID, ErrInvalidTransition)
	}
	item := (*results)[0].Result[0].toItem()
	return &item, nil
}

// CountPendingItems returns the number of unresolved items in a batch.
// Batch resolved-ness is always derived from this recount, never cached.
func (c *Client) CountPendingItems(ctx context.Context, batchID string) (int, error) {
	results, err := surrealdb.Query[[]struct {
		C int `json:"c"`
	}](ctx, c.db, `
		SELECT count() AS c FROM curation_item
		WHERE batch_id = $batch_id AND status = "pending"
		GROUP ALL
	`, map[string]any{"batch_id": batchID})
	if err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].C, nil
}

// MarkBatchResolved stamps the batch resolution time. Idempotent: only sets
// the timestamp if not already set.
func (c *Client) MarkBatchResolved(ctx context.Context, batchID string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("curation_batch", $id) SET
			resolved_at = time::now()
		WHERE resolved_at IS NONE
	`, map[string]any{"id": batchID})
	if err != nil {
		return fmt.Errorf("mark batch resolved: %w", wrapQueryError(err))
	}
	return nil
}
