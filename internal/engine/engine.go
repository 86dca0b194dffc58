// Package engine drives jobs through their stage sequences: it runs
// extraction stages, submits and waits on curation batches, loops concept
// review rounds, and hands approved results to the graph writer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jfellner/distill/internal/config"
	"github.com/jfellner/distill/internal/curation"
	"github.com/jfellner/distill/internal/graphwriter"
	"github.com/jfellner/distill/internal/models"
	"github.com/jfellner/distill/internal/parser"
	"github.com/jfellner/distill/internal/refine"
)

// ErrWaiting signals that a job is parked at a curation gate and cannot make
// progress until a reviewer acts.
var ErrWaiting = errors.New("waiting on curation")

// JobStore is the persistence surface the engine drives jobs through.
// *db.Client implements it.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetSourceDoc(ctx context.Context, id string) (*models.SourceDoc, error)
	ListRunnableJobs(ctx context.Context) ([]models.Job, error)
	TransitionStage(ctx context.Context, jobID string, from, to models.Stage) error
	SetStageData(ctx context.Context, jobID string, data map[string]any) error
	SetIterations(ctx context.Context, jobID string, phase1, phase2 int) error
	MarkJobFailed(ctx context.Context, jobID string, terminal models.Stage, failedAt models.Stage, cause string) error
}

// Extractor is the model surface for the single-shot extraction stages.
// *gateway.Gateway implements it.
type Extractor interface {
	Entities(ctx context.Context, text string, existing []string) ([]models.EntityCandidate, error)
	Relations(ctx context.Context, text string, entityNames []string) ([]models.RelationCandidate, error)
	Quotes(ctx context.Context, text string) ([]models.QuoteCandidate, error)
	InboxMoves(ctx context.Context, items []string, destinations []string) ([]models.InboxMoveCandidate, error)
}

// Refiner runs the concept refinement loop. *refine.Loop implements it.
type Refiner interface {
	Run(ctx context.Context, quotes []refine.QuoteInput, feedback []string) (models.RefinementResult, error)
}

// Committer applies a graph plan. *graphwriter.Writer implements it.
type Committer interface {
	Commit(ctx context.Context, plan graphwriter.Plan, sourceID string) error
}

// Notifier publishes best-effort workflow events. Failures are the notifier's
// problem, never the workflow's.
type Notifier interface {
	Notify(ctx context.Context, kind models.EventKind, jobID string, detail string)
}

// Engine executes individual job stages. It holds no per-job state; everything
// it needs to resume lives on the job record.
type Engine struct {
	jobs    JobStore
	gate    curation.Store
	extract Extractor
	refiner Refiner
	commit  Committer
	notify  Notifier

	curationTimeout time.Duration
	phase2Max       int
	commitRetries   int
	now             func() time.Time
}

// New creates an Engine.
func New(jobs JobStore, gate curation.Store, extract Extractor, refiner Refiner, commit Committer, notify Notifier, cfg config.Config) *Engine {
	return &Engine{
		jobs:            jobs,
		gate:            gate,
		extract:         extract,
		refiner:         refiner,
		commit:          commit,
		notify:          notify,
		curationTimeout: cfg.CurationTimeout,
		phase2Max:       cfg.Phase2MaxIters,
		commitRetries:   cfg.CommitMaxRetries,
		now:             time.Now,
	}
}

// RunToBlock advances one job stage by stage until it parks at a curation
// gate, reaches a terminal stage, or fails.
func (e *Engine) RunToBlock(ctx context.Context, jobID string) error {
	for {
		job, err := e.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Terminal {
			return nil
		}

		err = e.Step(ctx, job)
		if errors.Is(err, ErrWaiting) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Step executes the job's current stage once. A successful step leaves the job
// at the next stage; a parked gate returns ErrWaiting; a stage failure moves
// the job to a terminal failure stage and returns nil.
func (e *Engine) Step(ctx context.Context, job *models.Job) error {
	jobID := models.MustRecordIDString(job.ID)

	// Cancellation is honored between stages, before any side effects.
	if job.CancelRequested {
		if err := e.jobs.TransitionStage(ctx, jobID, job.Stage, models.StageCancelled); err != nil {
			return err
		}
		e.notify.Notify(ctx, models.EventWorkflowCompleted, jobID, "cancelled")
		slog.Info("job cancelled", "job", jobID, "stage", job.Stage)
		return nil
	}

	var err error
	switch job.Stage {
	case models.StageSubmitted:
		e.notify.Notify(ctx, models.EventWorkflowStarted, jobID, string(job.Kind))
		err = e.advance(ctx, job, nil)

	case models.StageEntityExtraction:
		err = e.runEntityExtraction(ctx, job)
	case models.StageRelationExtraction:
		err = e.runRelationExtraction(ctx, job)
	case models.StageQuoteExtraction:
		err = e.runQuoteExtraction(ctx, job)
	case models.StageInboxScan:
		err = e.runInboxScan(ctx, job)
	case models.StageConceptRefinement:
		err = e.runConceptRefinement(ctx, job)

	case models.StageEntityCurationSubmit:
		err = e.submitBatch(ctx, job, models.BatchEntity, keyEntities, keyEntityBatch)
	case models.StageRelationCurationSubmit:
		err = e.submitBatch(ctx, job, models.BatchRelation, keyRelations, keyRelationBatch)
	case models.StageQuoteCurationSubmit:
		err = e.submitBatch(ctx, job, models.BatchQuote, keyQuotes, keyQuoteBatch)
	case models.StageConceptCurationSubmit:
		err = e.submitConceptBatch(ctx, job)
	case models.StageInboxCurationSubmit:
		err = e.submitBatch(ctx, job, models.BatchInboxMove, keyMoves, keyInboxBatch)

	case models.StageEntityCurationWait:
		err = e.waitOnBatch(ctx, job, keyEntityBatch)
	case models.StageRelationCurationWait:
		err = e.waitOnBatch(ctx, job, keyRelationBatch)
	case models.StageQuoteCurationWait:
		err = e.waitOnBatch(ctx, job, keyQuoteBatch)
	case models.StageInboxCurationWait:
		err = e.waitOnBatch(ctx, job, keyInboxBatch)
	case models.StageConceptCurationWait:
		err = e.waitOnConceptBatch(ctx, job)

	case models.StageGraphWrite:
		err = e.runGraphWrite(ctx, job)

	default:
		err = fmt.Errorf("job %s: no handler for stage %s", jobID, job.Stage)
	}

	if err != nil && !errors.Is(err, ErrWaiting) {
		return e.failJob(ctx, job, err)
	}
	return err
}

// failJob moves the job to the failed stage with the cause recorded. The
// original error is consumed: the failure is now state, not a propagating
// condition.
func (e *Engine) failJob(ctx context.Context, job *models.Job, cause error) error {
	jobID := models.MustRecordIDString(job.ID)
	slog.Error("job failed", "job", jobID, "stage", job.Stage, "error", cause)

	if err := e.jobs.MarkJobFailed(ctx, jobID, models.StageFailed, job.Stage, cause.Error()); err != nil {
		return fmt.Errorf("marking job %s failed: %w (cause: %v)", jobID, err, cause)
	}
	e.notify.Notify(ctx, models.EventWorkflowCompleted, jobID, "failed: "+cause.Error())
	return nil
}

// advance persists any stage data changes, then moves the job to the next
// stage in its sequence. Data lands before the transition so a crash in
// between re-runs the stage against data already on disk.
func (e *Engine) advance(ctx context.Context, job *models.Job, dataChanges map[string]any) error {
	jobID := models.MustRecordIDString(job.ID)

	if len(dataChanges) > 0 {
		merged := make(map[string]any, len(job.StageData)+len(dataChanges))
		for k, v := range job.StageData {
			merged[k] = v
		}
		for k, v := range dataChanges {
			merged[k] = v
		}
		if err := e.jobs.SetStageData(ctx, jobID, merged); err != nil {
			return err
		}
		job.StageData = merged
	}

	next := models.NextStage(job.Kind, job.Stage)
	if next == "" {
		return fmt.Errorf("job %s: no next stage after %s", jobID, job.Stage)
	}
	if err := e.jobs.TransitionStage(ctx, jobID, job.Stage, next); err != nil {
		return err
	}
	if next == models.StageCompleted {
		e.notify.Notify(ctx, models.EventWorkflowCompleted, jobID, "completed")
	}
	slog.Debug("stage advanced", "job", jobID, "from", job.Stage, "to", next)
	return nil
}

func (e *Engine) runEntityExtraction(ctx context.Context, job *models.Job) error {
	source, err := e.jobs.GetSourceDoc(ctx, job.SourceID)
	if err != nil {
		return err
	}
	doc, err := parser.ParseMarkdown(source.Content)
	if err != nil {
		return fmt.Errorf("parse journal source: %w", err)
	}

	entities, err := e.extract.Entities(ctx, doc.Content, parser.EntityHints(doc.Content))
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return fmt.Errorf("entity extraction produced no candidates")
	}
	return e.advanceWithJSON(ctx, job, keyEntities, entities)
}

func (e *Engine) runRelationExtraction(ctx context.Context, job *models.Job) error {
	source, err := e.jobs.GetSourceDoc(ctx, job.SourceID)
	if err != nil {
		return err
	}
	doc, err := parser.ParseMarkdown(source.Content)
	if err != nil {
		return fmt.Errorf("parse journal source: %w", err)
	}

	entities, err := approvedFromBatch[models.EntityCandidate](ctx, e.gate, job, keyEntityBatch)
	if err != nil {
		return err
	}
	names := make([]string, len(entities))
	for i, ent := range entities {
		names[i] = ent.Name
	}
	if len(names) == 0 {
		// Nothing approved means nothing to relate; an empty candidate list
		// still flows through curation so the gate stays uniform.
		return e.advanceWithJSON(ctx, job, keyRelations, []models.RelationCandidate{})
	}

	relations, err := e.extract.Relations(ctx, doc.Content, names)
	if err != nil {
		return err
	}
	return e.advanceWithJSON(ctx, job, keyRelations, relations)
}

func (e *Engine) runQuoteExtraction(ctx context.Context, job *models.Job) error {
	source, err := e.jobs.GetSourceDoc(ctx, job.SourceID)
	if err != nil {
		return err
	}
	quotes, err := e.extract.Quotes(ctx, source.Content)
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		return fmt.Errorf("quote extraction produced no candidates")
	}
	return e.advanceWithJSON(ctx, job, keyQuotes, quotes)
}

// inboxSource is the expected shape of an inbox_classify source document.
type inboxSource struct {
	Items        []string `json:"items"`
	Destinations []string `json:"destinations"`
}

func (e *Engine) runInboxScan(ctx context.Context, job *models.Job) error {
	source, err := e.jobs.GetSourceDoc(ctx, job.SourceID)
	if err != nil {
		return err
	}
	var in inboxSource
	if err := json.Unmarshal([]byte(source.Content), &in); err != nil {
		return fmt.Errorf("parse inbox source: %w", err)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("inbox source has no items")
	}

	moves, err := e.extract.InboxMoves(ctx, in.Items, in.Destinations)
	if err != nil {
		return err
	}
	return e.advanceWithJSON(ctx, job, keyMoves, moves)
}

func (e *Engine) runConceptRefinement(ctx context.Context, job *models.Job) error {
	jobID := models.MustRecordIDString(job.ID)

	source, err := e.jobs.GetSourceDoc(ctx, job.SourceID)
	if err != nil {
		return err
	}
	var quotes []refine.QuoteInput
	if err := json.Unmarshal([]byte(source.Content), &quotes); err != nil {
		return fmt.Errorf("parse quote refs: %w", err)
	}

	feedback, err := stageDataJSON[[]string](job, keyFeedback)
	if err != nil {
		return err
	}

	result, err := e.refiner.Run(ctx, quotes, feedback)
	if err != nil {
		return err
	}
	if err := e.jobs.SetIterations(ctx, jobID, result.Iterations, job.Phase2Iters); err != nil {
		return err
	}
	return e.advanceWithJSON(ctx, job, keyProposal, result)
}

// submitBatch reads candidates persisted by the preceding extraction stage,
// opens a curation batch for them, and records the batch id. The gate's
// idempotency guard makes a crash-retry land on the original batch.
func (e *Engine) submitBatch(ctx context.Context, job *models.Job, kind models.BatchKind, candidatesKey, batchKey string) error {
	jobID := models.MustRecordIDString(job.ID)

	var raw []json.RawMessage
	if err := decodeStageJSON(job, candidatesKey, &raw); err != nil {
		return err
	}
	payloads := make([]json.RawMessage, len(raw))
	copy(payloads, raw)

	batch, err := e.gate.Submit(ctx, jobID, kind, stageKey(job), payloads)
	if err != nil {
		return err
	}

	batchID := models.MustRecordIDString(batch.ID)
	e.notify.Notify(ctx, models.EventCurationPending, jobID,
		fmt.Sprintf("%s batch with %d items", kind, len(payloads)))
	return e.advance(ctx, job, map[string]any{batchKey: batchID})
}

// submitConceptBatch submits the refinement proposal's concepts for review.
// The stage key carries the review round, so each revision gets a fresh batch.
func (e *Engine) submitConceptBatch(ctx context.Context, job *models.Job) error {
	jobID := models.MustRecordIDString(job.ID)

	proposal, err := stageDataJSON[models.RefinementResult](job, keyProposal)
	if err != nil {
		return err
	}

	payloads := make([]json.RawMessage, len(proposal.Concepts))
	for i, c := range proposal.Concepts {
		p, err := models.EncodePayload(c)
		if err != nil {
			return err
		}
		payloads[i] = p
	}

	batch, err := e.gate.Submit(ctx, jobID, models.BatchConcept, stageKey(job), payloads)
	if err != nil {
		return err
	}

	batchID := models.MustRecordIDString(batch.ID)
	detail := fmt.Sprintf("concept proposal with %d items (round %d)", len(payloads), job.Phase2Iters+1)
	if len(proposal.Warnings) > 0 {
		detail += "; " + proposal.Warnings[0]
	}
	e.notify.Notify(ctx, models.EventCurationPending, jobID, detail)
	return e.advance(ctx, job, map[string]any{keyConceptBatch: batchID})
}

// waitOnBatch is the gate for the non-looping curation stages: parked until
// every item is resolved, timed out when reviewers never come.
func (e *Engine) waitOnBatch(ctx context.Context, job *models.Job, batchKey string) error {
	resolved, err := e.checkGate(ctx, job, batchKey)
	if err != nil || !resolved {
		return err
	}
	return e.advance(ctx, job, nil)
}

// waitOnConceptBatch handles the one sanctioned loop in the stage machine.
// Rejected items carrying reviewer notes send the job back to refinement with
// that feedback; a clean resolution moves on to the graph write. The revision
// budget turns an endless review argument into an aborted job.
func (e *Engine) waitOnConceptBatch(ctx context.Context, job *models.Job) error {
	jobID := models.MustRecordIDString(job.ID)

	resolved, err := e.checkGate(ctx, job, keyConceptBatch)
	if err != nil || !resolved {
		return err
	}

	batchID, err := stageDataString(job, keyConceptBatch)
	if err != nil {
		return err
	}
	items, err := e.gate.Items(ctx, batchID)
	if err != nil {
		return err
	}

	var feedback []string
	for _, item := range items {
		if item.Status == models.ItemRejected && item.Note != nil && *item.Note != "" {
			feedback = append(feedback, *item.Note)
		}
	}

	if len(feedback) == 0 {
		return e.advance(ctx, job, nil)
	}

	round := job.Phase2Iters + 1
	if round >= e.phase2Max {
		slog.Warn("revision budget exhausted", "job", jobID, "rounds", round)
		if err := e.jobs.MarkJobFailed(ctx, jobID, models.StageAborted, job.Stage,
			fmt.Sprintf("revision budget exhausted after %d review rounds", round)); err != nil {
			return err
		}
		e.notify.Notify(ctx, models.EventWorkflowCompleted, jobID, "aborted")
		return nil
	}

	if err := e.jobs.SetIterations(ctx, jobID, job.Phase1Iters, round); err != nil {
		return err
	}
	job.Phase2Iters = round

	encoded, err := json.Marshal(feedback)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(job.StageData)+1)
	for k, v := range job.StageData {
		merged[k] = v
	}
	merged[keyFeedback] = string(encoded)
	if err := e.jobs.SetStageData(ctx, jobID, merged); err != nil {
		return err
	}

	slog.Info("reviewer requested revision", "job", jobID, "round", round, "notes", len(feedback))
	return e.jobs.TransitionStage(ctx, jobID, job.Stage, models.StageConceptRefinement)
}

// checkGate reports whether the job's batch is fully resolved. An unresolved
// batch past the curation timeout moves the job to timed_out.
func (e *Engine) checkGate(ctx context.Context, job *models.Job, batchKey string) (bool, error) {
	jobID := models.MustRecordIDString(job.ID)

	batchID, err := stageDataString(job, batchKey)
	if err != nil {
		return false, err
	}
	resolved, err := e.gate.IsResolved(ctx, batchID)
	if err != nil {
		return false, err
	}
	if resolved {
		return true, nil
	}

	batch, err := e.gate.Batch(ctx, batchID)
	if err == nil && e.now().Sub(batch.Created) > e.curationTimeout {
		if err := e.jobs.MarkJobFailed(ctx, jobID, models.StageTimedOut, job.Stage,
			fmt.Sprintf("curation unresolved after %s", e.curationTimeout)); err != nil {
			return false, err
		}
		e.notify.Notify(ctx, models.EventWorkflowCompleted, jobID, "timed out")
		return false, nil
	}
	return false, ErrWaiting
}

func (e *Engine) runGraphWrite(ctx context.Context, job *models.Job) error {
	jobID := models.MustRecordIDString(job.ID)

	var plan graphwriter.Plan
	switch job.Kind {
	case models.KindJournal:
		entities, err := approvedFromBatch[models.EntityCandidate](ctx, e.gate, job, keyEntityBatch)
		if err != nil {
			return err
		}
		relations, err := approvedFromBatch[models.RelationCandidate](ctx, e.gate, job, keyRelationBatch)
		if err != nil {
			return err
		}
		plan = graphwriter.BuildJournalPlan(entities, relations)

	case models.KindQuoteParse:
		quotes, err := approvedFromBatch[models.QuoteCandidate](ctx, e.gate, job, keyQuoteBatch)
		if err != nil {
			return err
		}
		plan = graphwriter.BuildQuotePlan(quotes)

	case models.KindConceptExtract:
		concepts, err := approvedFromBatch[models.ConceptCandidate](ctx, e.gate, job, keyConceptBatch)
		if err != nil {
			return err
		}
		plan = graphwriter.BuildConceptPlan(jobID, concepts)

	case models.KindInboxClassify:
		moves, err := approvedFromBatch[models.InboxMoveCandidate](ctx, e.gate, job, keyInboxBatch)
		if err != nil {
			return err
		}
		plan = graphwriter.BuildInboxPlan(moves)

	default:
		return fmt.Errorf("job %s: unknown kind %s", jobID, job.Kind)
	}

	if plan.IsEmpty() {
		slog.Info("nothing approved, committing source marker only", "job", jobID)
	}
	// Commit errors are retried in place. The job stays at graph_write until
	// the retry budget runs out, so a crash or transient write failure resumes
	// from here instead of failing the job outright.
	op := func() error {
		return e.commit.Commit(ctx, plan, job.SourceID)
	}
	notifyRetry := func(err error, wait time.Duration) {
		slog.Warn("graph commit failed, retrying",
			"job", jobID, "error", err, "backoff", wait)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.commitRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notifyRetry); err != nil {
		return err
	}
	return e.advance(ctx, job, nil)
}
