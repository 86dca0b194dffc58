package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/jfellner/distill/internal/config"
	"github.com/jfellner/distill/internal/curation"
	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/graphwriter"
	"github.com/jfellner/distill/internal/models"
	"github.com/jfellner/distill/internal/refine"
)

// memJobs is an in-memory JobStore with the same compare-and-set transition
// semantics as the database.
type memJobs struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	sources map[string]*models.SourceDoc
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:    make(map[string]*models.Job),
		sources: make(map[string]*models.SourceDoc),
	}
}

func (m *memJobs) addJob(id string, kind models.JobKind, sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = &models.Job{
		ID:        surrealmodels.RecordID{Table: "job", ID: id},
		Kind:      kind,
		Stage:     models.StageSubmitted,
		SourceID:  sourceID,
		StageData: map[string]any{},
		Created:   time.Now(),
	}
}

func (m *memJobs) addSource(id string, kind models.JobKind, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[id] = &models.SourceDoc{
		ID:      surrealmodels.RecordID{Table: "source_doc", ID: id},
		Kind:    kind,
		Content: content,
	}
}

func (m *memJobs) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, db.ErrNotFound)
	}
	snapshot := *job
	snapshot.StageData = make(map[string]any, len(job.StageData))
	for k, v := range job.StageData {
		snapshot.StageData[k] = v
	}
	return &snapshot, nil
}

func (m *memJobs) GetSourceDoc(ctx context.Context, id string) (*models.SourceDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("source doc %q: %w", id, db.ErrNotFound)
	}
	return src, nil
}

func (m *memJobs) ListRunnableJobs(ctx context.Context) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if !job.Terminal {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memJobs) TransitionStage(ctx context.Context, jobID string, from, to models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q: %w", jobID, db.ErrNotFound)
	}
	if job.Stage != from || job.Terminal {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, from, to, db.ErrInvalidTransition)
	}
	job.Stage = to
	job.Terminal = to.IsTerminal()
	return nil
}

func (m *memJobs) SetStageData(ctx context.Context, jobID string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].StageData = data
	return nil
}

func (m *memJobs) SetIterations(ctx context.Context, jobID string, phase1, phase2 int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Phase1Iters = phase1
	m.jobs[jobID].Phase2Iters = phase2
	return nil
}

func (m *memJobs) MarkJobFailed(ctx context.Context, jobID string, terminal, failedAt models.Stage, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	if job.Terminal {
		return nil
	}
	job.Stage = terminal
	job.Terminal = true
	job.FailureCause = &cause
	job.FailureStage = &failedAt
	return nil
}

func (m *memJobs) setCancelRequested(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].CancelRequested = true
}

type fakeExtract struct {
	mu        sync.Mutex
	entities  []models.EntityCandidate
	relations []models.RelationCandidate
	quotes    []models.QuoteCandidate
	moves     []models.InboxMoveCandidate
	err       error
	calls     int
	block     chan struct{} // when set, Quotes waits here before returning
}

func (f *fakeExtract) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExtract) Entities(ctx context.Context, text string, existing []string) ([]models.EntityCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.entities, f.err
}

func (f *fakeExtract) Relations(ctx context.Context, text string, entityNames []string) ([]models.RelationCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.relations, f.err
}

func (f *fakeExtract) Quotes(ctx context.Context, text string) ([]models.QuoteCandidate, error) {
	f.mu.Lock()
	f.calls++
	quotes, err, block := f.quotes, f.err, f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return quotes, err
}

func (f *fakeExtract) InboxMoves(ctx context.Context, items, destinations []string) ([]models.InboxMoveCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.moves, f.err
}

type fakeRefiner struct {
	result       models.RefinementResult
	lastFeedback []string
	runs         int
}

func (f *fakeRefiner) Run(ctx context.Context, quotes []refine.QuoteInput, feedback []string) (models.RefinementResult, error) {
	f.runs++
	f.lastFeedback = feedback
	return f.result, nil
}

type fakeCommit struct {
	plans    []graphwriter.Plan
	sources  []string
	errs     []error // popped per call; a non-nil entry fails that attempt
	attempts int
}

func (f *fakeCommit) Commit(ctx context.Context, plan graphwriter.Plan, sourceID string) error {
	f.attempts++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.plans = append(f.plans, plan)
	f.sources = append(f.sources, sourceID)
	return nil
}

type nopNotify struct{}

func (nopNotify) Notify(ctx context.Context, kind models.EventKind, jobID, detail string) {}

type testHarness struct {
	jobs    *memJobs
	gate    *curation.MemoryStore
	extract *fakeExtract
	refiner *fakeRefiner
	commit  *fakeCommit
	engine  *Engine
}

func newHarness() *testHarness {
	h := &testHarness{
		jobs:    newMemJobs(),
		gate:    curation.NewMemoryStore(),
		extract: &fakeExtract{},
		refiner: &fakeRefiner{},
		commit:  &fakeCommit{},
	}
	cfg := config.Config{
		Phase2MaxIters:   7,
		CurationTimeout:  time.Hour,
		CommitMaxRetries: 2,
	}
	h.engine = New(h.jobs, h.gate, h.extract, h.refiner, h.commit, nopNotify{}, cfg)
	return h
}

func (h *testHarness) stage(t *testing.T, jobID string) models.Stage {
	t.Helper()
	job, err := h.jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Stage
}

// resolvePending resolves every currently pending item with one status.
func (h *testHarness) resolvePending(t *testing.T, status models.ItemStatus, note *string) int {
	t.Helper()
	items, err := h.gate.Pending(context.Background(), nil)
	require.NoError(t, err)
	for _, item := range items {
		_, err := h.gate.Resolve(context.Background(), models.MustRecordIDString(item.ID), status, nil, note)
		require.NoError(t, err)
	}
	return len(items)
}

func TestJournalJobRunsToCompletion(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindJournal, "---\ntitle: tuesday\n---\nMet Jane at Acme.")
	h.jobs.addJob("job-1", models.KindJournal, "src-1")
	h.extract.entities = []models.EntityCandidate{
		{Name: "jane-doe", EntityType: "person"},
		{Name: "acme", EntityType: "organization"},
	}
	h.extract.relations = []models.RelationCandidate{
		{From: "jane-doe", To: "acme", RelType: models.RelRelatesTo},
	}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageEntityCurationWait, h.stage(t, "job-1"))

	n := h.resolvePending(t, models.ItemAccepted, nil)
	assert.Equal(t, 2, n)

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageRelationCurationWait, h.stage(t, "job-1"))

	h.resolvePending(t, models.ItemAccepted, nil)
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageCompleted, h.stage(t, "job-1"))

	require.Len(t, h.commit.plans, 1)
	plan := h.commit.plans[0]
	assert.Len(t, plan.Nodes, 2)
	assert.Len(t, plan.Relations, 2, "one relation plus its mirror")
	assert.Equal(t, []string{"src-1"}, h.commit.sources)
}

func TestGateBlocksUntilEveryItemResolved(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "highlight export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.extract.quotes = []models.QuoteCandidate{
		{Text: "quote one"}, {Text: "quote two"}, {Text: "quote three"},
	}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-1"))

	items, err := h.gate.Pending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Resolve two of three; the gate must hold.
	for _, item := range items[:2] {
		_, err := h.gate.Resolve(ctx, models.MustRecordIDString(item.ID), models.ItemAccepted, nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-1"))
	assert.Empty(t, h.commit.plans, "nothing may reach the graph while the gate holds")

	_, err = h.gate.Resolve(ctx, models.MustRecordIDString(items[2].ID), models.ItemRejected, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageCompleted, h.stage(t, "job-1"))

	require.Len(t, h.commit.plans, 1)
	assert.Len(t, h.commit.plans[0].Nodes, 2, "the rejected quote stays out of the graph")
}

func TestCrashBeforeTransitionReusesBatch(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.extract.quotes = []models.QuoteCandidate{{Text: "a quote"}}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-1"))

	// Simulate a crash after batch submission but before the stage
	// transition landed: rewind the stage and re-run.
	h.jobs.mu.Lock()
	h.jobs.jobs["job-1"].Stage = models.StageQuoteCurationSubmit
	h.jobs.mu.Unlock()

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-1"))

	items, err := h.gate.Pending(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, items, 1, "the retry must reuse the original batch")
}

func TestConceptRevisionLoop(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindConceptExtract,
		`[{"id": "quote-1", "text": "first"}, {"id": "quote-2", "text": "second"}]`)
	h.jobs.addJob("job-1", models.KindConceptExtract, "src-1")
	h.refiner.result = models.RefinementResult{
		Concepts: []models.ConceptCandidate{
			{Name: "concept-a", Summary: "s", QuoteIDs: []string{"quote-1"}},
			{Name: "concept-b", Summary: "s", QuoteIDs: []string{"quote-2"}},
		},
		Iterations: 2,
	}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageConceptCurationWait, h.stage(t, "job-1"))
	assert.Equal(t, 1, h.refiner.runs)

	// Reviewer rejects with a revision note: the job loops back.
	note := "split concept-a into two ideas"
	items, err := h.gate.Pending(ctx, nil)
	require.NoError(t, err)
	_, err = h.gate.Resolve(ctx, models.MustRecordIDString(items[0].ID), models.ItemRejected, nil, &note)
	require.NoError(t, err)
	_, err = h.gate.Resolve(ctx, models.MustRecordIDString(items[1].ID), models.ItemAccepted, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageConceptCurationWait, h.stage(t, "job-1"))
	assert.Equal(t, 2, h.refiner.runs, "feedback must trigger another refinement run")
	assert.Equal(t, []string{note}, h.refiner.lastFeedback)

	job, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Phase2Iters)

	// Second round: accept everything.
	h.resolvePending(t, models.ItemAccepted, nil)
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageCompleted, h.stage(t, "job-1"))
	require.Len(t, h.commit.plans, 1)
	assert.Len(t, h.commit.plans[0].Nodes, 2)
}

func TestConceptRevisionBudgetAborts(t *testing.T) {
	h := newHarness()
	h.engine.phase2Max = 2
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindConceptExtract, `[{"id": "quote-1", "text": "first"}]`)
	h.jobs.addJob("job-1", models.KindConceptExtract, "src-1")
	h.refiner.result = models.RefinementResult{
		Concepts:   []models.ConceptCandidate{{Name: "concept-a", Summary: "s", QuoteIDs: []string{"quote-1"}}},
		Iterations: 1,
	}

	note := "still not right"
	for round := 0; round < 2; round++ {
		require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
		h.resolvePending(t, models.ItemRejected, &note)
	}
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))

	job, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageAborted, job.Stage)
	assert.True(t, job.Terminal)
	require.NotNil(t, job.FailureCause)
	assert.Contains(t, *job.FailureCause, "revision budget")
	assert.Empty(t, h.commit.plans, "an aborted job writes nothing")
}

func TestAllRejectedWithoutNotesCompletesWithEmptyCommit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindConceptExtract, `[{"id": "quote-1", "text": "first"}]`)
	h.jobs.addJob("job-1", models.KindConceptExtract, "src-1")
	h.refiner.result = models.RefinementResult{
		Concepts:   []models.ConceptCandidate{{Name: "concept-a", Summary: "s", QuoteIDs: []string{"quote-1"}}},
		Iterations: 1,
	}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	h.resolvePending(t, models.ItemRejected, nil)
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))

	assert.Equal(t, models.StageCompleted, h.stage(t, "job-1"))
	require.Len(t, h.commit.plans, 1)
	assert.True(t, h.commit.plans[0].IsEmpty(),
		"a rejection without notes is final: the source is done, nothing is written")
}

func TestCurationTimeout(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.extract.quotes = []models.QuoteCandidate{{Text: "a quote"}}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-1"))

	h.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))

	job, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageTimedOut, job.Stage)
	assert.True(t, job.Terminal)
}

func TestCancelTakesEffectBeforeSideEffects(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.jobs.setCancelRequested("job-1")

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))

	job, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, job.Stage)
	assert.True(t, job.Terminal)
	assert.Equal(t, 0, h.extract.calls, "no extraction may run after a cancel request")
}

func TestExtractionFailureRecordsCause(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.extract.err = errors.New("model unreachable")

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))

	job, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, job.Stage)
	require.NotNil(t, job.FailureCause)
	assert.Contains(t, *job.FailureCause, "model unreachable")
	require.NotNil(t, job.FailureStage)
	assert.Equal(t, models.StageQuoteExtraction, *job.FailureStage)
}

func TestGraphCommitRetriesTransientFailure(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.extract.quotes = []models.QuoteCandidate{{Text: "a quote"}}
	h.commit.errs = []error{errors.New("write conflict")}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	h.resolvePending(t, models.ItemAccepted, nil)
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))

	assert.Equal(t, models.StageCompleted, h.stage(t, "job-1"),
		"a transient commit failure must be retried in place, not fail the job")
	assert.Equal(t, 2, h.commit.attempts)
	require.Len(t, h.commit.plans, 1)
	assert.Equal(t, []string{"src-1"}, h.commit.sources)
}

func TestGraphCommitExhaustedRetriesFailJob(t *testing.T) {
	h := newHarness()
	h.engine.commitRetries = 1
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.extract.quotes = []models.QuoteCandidate{{Text: "a quote"}}
	h.commit.errs = []error{errors.New("db down"), errors.New("db down")}

	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))
	h.resolvePending(t, models.ItemAccepted, nil)
	require.NoError(t, h.engine.RunToBlock(ctx, "job-1"))

	job, err := h.jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, job.Stage)
	assert.True(t, job.Terminal)
	require.NotNil(t, job.FailureStage)
	assert.Equal(t, models.StageGraphWrite, *job.FailureStage)
	require.NotNil(t, job.FailureCause)
	assert.Contains(t, *job.FailureCause, "db down")
	assert.Equal(t, 2, h.commit.attempts)
	assert.Empty(t, h.commit.plans)
}

func TestSchedulerResumesRunnableJobs(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.extract.quotes = []models.QuoteCandidate{{Text: "a quote"}}

	sched := NewScheduler(h.engine, h.jobs, h.gate.Resolutions(), time.Minute, 2)
	sched.Sweep(ctx)
	sched.wg.Wait()

	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-1"),
		"a sweep must pick up persisted jobs and drive them to their gate")
}

func TestSchedulerBoundsConcurrencyAcrossSweeps(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.jobs.addSource("src-1", models.KindQuoteParse, "export one")
	h.jobs.addSource("src-2", models.KindQuoteParse, "export two")
	h.jobs.addJob("job-1", models.KindQuoteParse, "src-1")
	h.jobs.addJob("job-2", models.KindQuoteParse, "src-2")
	h.extract.quotes = []models.QuoteCandidate{{Text: "a quote"}}
	block := make(chan struct{})
	h.extract.block = block

	sched := NewScheduler(h.engine, h.jobs, h.gate.Resolutions(), time.Minute, 1)
	sched.Sweep(ctx)
	require.Eventually(t, func() bool { return h.extract.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	// The single worker slot is held by the blocked job. Later sweeps must
	// neither start the second job nor block waiting for a slot.
	sched.Sweep(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.extract.callCount(),
		"in-flight jobs from earlier sweeps must count against the bound")

	close(block)
	sched.wg.Wait()

	// A full pool skips jobs rather than queueing them, so it can take more
	// than one sweep for the second job to land a slot.
	for i := 0; i < 10 && h.extract.callCount() < 2; i++ {
		sched.Sweep(ctx)
		sched.wg.Wait()
	}

	assert.Equal(t, 2, h.extract.callCount())
	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-1"))
	assert.Equal(t, models.StageQuoteCurationWait, h.stage(t, "job-2"))
}
