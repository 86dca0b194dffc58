// Package db provides SurrealDB query functions for the extraction pipeline.
package db

import (
	"context"
	"fmt"

	"github.com/jfellner/distill/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// CreateSourceDoc persists a unit of submitted source text.
func (c *Client) CreateSourceDoc(ctx context.Context, id string, kind models.JobKind, content string, title *string) (*models.SourceDoc, error) {
	results, err := surrealdb.Query[[]models.SourceDoc](ctx, c.db, `
		CREATE type::record("source_doc", $id) SET
			kind = $kind,
			content = $content,
			title = $title,
			processed = false
		RETURN AFTER
	`, map[string]any{
		"id":      id,
		"kind":    string(kind),
		"content": content,
		"title":   title,
	})
	if err != nil {
		return nil, fmt.Errorf("create source doc: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create source doc: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// GetSourceDoc retrieves a source document by ID. Returns ErrNotFound if missing.
func (c *Client) GetSourceDoc(ctx context.Context, id string) (*models.SourceDoc, error) {
	results, err := surrealdb.Query[[]models.SourceDoc](ctx, c.db, `
		SELECT * FROM type::record("source_doc", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get source doc: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get source doc %q: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// CreateJob persists a new job at the submitted stage.
func (c *Client) CreateJob(ctx context.Context, id string, kind models.JobKind, sourceID string) (*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		CREATE type::record("job", $id) SET
			kind = $kind,
			stage = $stage,
			source_id = $source_id,
			stage_data = {},
			phase1_iters = 0,
			phase2_iters = 0,
			cancel_requested = false,
			terminal = false
		RETURN AFTER
	`, map[string]any{
		"id":        id,
		"kind":      string(kind),
		"stage":     string(models.StageSubmitted),
		"source_id": sourceID,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create job: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// GetJob retrieves a job by ID. Returns ErrNotFound if missing.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		SELECT * FROM type::record("job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get job %q: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// ListRunnableJobs returns all non-terminal jobs, oldest first. The scheduler
// re-enters each from its persisted stage.
func (c *Client) ListRunnableJobs(ctx context.Context) ([]models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		SELECT * FROM job WHERE terminal = false ORDER BY created ASC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list runnable jobs: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.Job{}, nil
	}
	return (*results)[0].Result, nil
}

// ListJobs returns all jobs, most recent first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		SELECT * FROM job ORDER BY created DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.Job{}, nil
	}
	return (*results)[0].Result, nil
}

// TransitionStage moves a job from one stage to another with compare-and-set
// semantics: the update applies only if the job is still at the expected
// stage and not terminal. A lost race returns ErrInvalidTransition with the
// job unchanged.
func (c *Client) TransitionStage(ctx context.Context, jobID string, from, to models.Stage) error {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		UPDATE type::record("job", $id) SET
			stage = $to,
			terminal = $terminal,
			updated = time::now()
		WHERE stage = $from AND terminal = false
		RETURN AFTER
	`, map[string]any{
		"id":       jobID,
		"from":     string(from),
		"to":       string(to),
		"terminal": to.IsTerminal(),
	})
	if err != nil {
		return fmt.Errorf("transition stage: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, from, to, ErrInvalidTransition)
	}
	return nil
}

// SetStageData replaces the job's accumulated stage data. Called before the
// stage transition that depends on it, so a crash in between re-runs the
// stage against the already-persisted data.
func (c *Client) SetStageData(ctx context.Context, jobID string, data map[string]any) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("job", $id) SET
			stage_data = $data,
			updated = time::now()
	`, map[string]any{"id": jobID, "data": data})
	if err != nil {
		return fmt.Errorf("set stage data: %w", wrapQueryError(err))
	}
	return nil
}

// SetIterations persists the refinement loop counters. They live on the job
// record so loop bounds survive restarts.
func (c *Client) SetIterations(ctx context.Context, jobID string, phase1, phase2 int) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("job", $id) SET
			phase1_iters = $p1,
			phase2_iters = $p2,
			updated = time::now()
	`, map[string]any{"id": jobID, "p1": phase1, "p2": phase2})
	if err != nil {
		return fmt.Errorf("set iterations: %w", wrapQueryError(err))
	}
	return nil
}

// MarkJobFailed moves a job into a terminal failure stage, recording the
// cause and the stage it failed at. Never silently drops the reason.
func (c *Client) MarkJobFailed(ctx context.Context, jobID string, terminal models.Stage, failedAt models.Stage, cause string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("job", $id) SET
			stage = $stage,
			terminal = true,
			failure_cause = $cause,
			failure_stage = $failed_at,
			updated = time::now()
		WHERE terminal = false
	`, map[string]any{
		"id":        jobID,
		"stage":     string(terminal),
		"cause":     cause,
		"failed_at": string(failedAt),
	})
	if err != nil {
		return fmt.Errorf("mark job failed: %w", wrapQueryError(err))
	}
	return nil
}

// RequestCancel flags a job for cancellation. The engine observes the flag
// before starting any stage's side effects.
func (c *Client) RequestCancel(ctx context.Context, jobID string) error {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		UPDATE type::record("job", $id) SET
			cancel_requested = true,
			updated = time::now()
		WHERE terminal = false
		RETURN AFTER
	`, map[string]any{"id": jobID})
	if err != nil {
		return fmt.Errorf("request cancel: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return fmt.Errorf("job %s already terminal: %w", jobID, ErrInvalidTransition)
	}
	return nil
}

// CreateEvent appends a notification feed entry.
func (c *Client) CreateEvent(ctx context.Context, kind models.EventKind, jobID string, detail *string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE event SET
			kind = $kind,
			job_id = $job_id,
			detail = $detail
	`, map[string]any{
		"kind":   string(kind),
		"job_id": jobID,
		"detail": detail,
	})
	if err != nil {
		return fmt.Errorf("create event: %w", wrapQueryError(err))
	}
	return nil
}

// ListEvents returns recent notification feed entries, newest first.
func (c *Client) ListEvents(ctx context.Context, limit int) ([]models.Event, error) {
	results, err := surrealdb.Query[[]models.Event](ctx, c.db, `
		SELECT * FROM event ORDER BY created DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.Event{}, nil
	}
	return (*results)[0].Result, nil
}
