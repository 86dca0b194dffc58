// Package db integration tests run against a real SurrealDB container.
package db

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jfellner/distill/internal/models"
)

var testDB *Client
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

// freshDB skips in short mode and hands back a wiped database.
func freshDB(t *testing.T) (*Client, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	require.NoError(t, testDB.WipeData(ctx))
	return testDB, ctx
}

// dummyEmbedding returns a 384-dimension vector matching the HNSW index.
func dummyEmbedding(seed float32) []float32 {
	embedding := make([]float32, 384)
	for i := range embedding {
		embedding[i] = seed + float32(i)/384.0
	}
	return embedding
}

func TestTransitionStageCAS(t *testing.T) {
	client, ctx := freshDB(t)

	_, err := client.CreateJob(ctx, "job-cas", models.KindQuoteParse, "src-1")
	require.NoError(t, err)

	err = client.TransitionStage(ctx, "job-cas", models.StageSubmitted, models.StageQuoteExtraction)
	require.NoError(t, err)

	// A second writer still holding the old stage loses.
	err = client.TransitionStage(ctx, "job-cas", models.StageSubmitted, models.StageQuoteExtraction)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	job, err := client.GetJob(ctx, "job-cas")
	require.NoError(t, err)
	assert.Equal(t, models.StageQuoteExtraction, job.Stage)
}

func TestTransitionStageRefusesTerminalJob(t *testing.T) {
	client, ctx := freshDB(t)

	_, err := client.CreateJob(ctx, "job-term", models.KindQuoteParse, "src-1")
	require.NoError(t, err)
	require.NoError(t, client.MarkJobFailed(ctx, "job-term", models.StageFailed, models.StageSubmitted, "boom"))

	err = client.TransitionStage(ctx, "job-term", models.StageFailed, models.StageQuoteExtraction)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	job, err := client.GetJob(ctx, "job-term")
	require.NoError(t, err)
	assert.True(t, job.Terminal)
	require.NotNil(t, job.FailureCause)
	assert.Equal(t, "boom", *job.FailureCause)
}

func TestDuplicateBatchRejectedAndRecoverable(t *testing.T) {
	client, ctx := freshDB(t)

	payloads := []json.RawMessage{json.RawMessage(`{"name": "a"}`), json.RawMessage(`{"name": "b"}`)}
	first, err := client.CreateCurationBatch(ctx, "batch-1", "job-1", models.BatchEntity,
		"entity_curation_submit", []string{"item-1", "item-2"}, payloads)
	require.NoError(t, err)

	_, err = client.CreateCurationBatch(ctx, "batch-2", "job-1", models.BatchEntity,
		"entity_curation_submit", []string{"item-3", "item-4"}, payloads)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateBatch)

	recovered, err := client.GetBatchByStageKey(ctx, "job-1", "entity_curation_submit")
	require.NoError(t, err)
	assert.Equal(t, first.ID, recovered.ID)

	items, err := client.ListBatchItems(ctx, "batch-1")
	require.NoError(t, err)
	assert.Len(t, items, 2, "the failed duplicate must not add items")
}

func TestResolveItemCAS(t *testing.T) {
	client, ctx := freshDB(t)

	_, err := client.CreateCurationBatch(ctx, "batch-1", "job-1", models.BatchQuote,
		"quote_curation_submit", []string{"item-1"}, []json.RawMessage{json.RawMessage(`{"text": "q"}`)})
	require.NoError(t, err)

	pending, err := client.CountPendingItems(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	note := "keep it"
	item, err := client.ResolveCurationItem(ctx, "item-1", models.ItemAccepted, nil, &note)
	require.NoError(t, err)
	assert.Equal(t, models.ItemAccepted, item.Status)
	require.NotNil(t, item.Note)
	assert.Equal(t, "keep it", *item.Note)

	// Second resolution attempt loses; the stored status stands.
	_, err = client.ResolveCurationItem(ctx, "item-1", models.ItemRejected, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	pending, err = client.CountPendingItems(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestResolveItemKeepsEditedPayload(t *testing.T) {
	client, ctx := freshDB(t)

	_, err := client.CreateCurationBatch(ctx, "batch-1", "job-1", models.BatchEntity,
		"entity_curation_submit", []string{"item-1"}, []json.RawMessage{json.RawMessage(`{"name": "orig"}`)})
	require.NoError(t, err)

	edited := json.RawMessage(`{"name": "fixed"}`)
	item, err := client.ResolveCurationItem(ctx, "item-1", models.ItemModified, edited, nil)
	require.NoError(t, err)

	assert.JSONEq(t, `{"name": "fixed"}`, string(item.EffectivePayload()))
	assert.JSONEq(t, `{"name": "orig"}`, string(item.Payload), "the original payload survives the edit")
}

func TestCommitGraphIsIdempotent(t *testing.T) {
	client, ctx := freshDB(t)

	_, err := client.CreateSourceDoc(ctx, "src-1", models.KindConceptExtract, "[]", nil)
	require.NoError(t, err)

	nodes := []GraphNode{
		{Table: "concept", ID: "c1", Fields: map[string]any{
			"name": "concept-one", "summary": "s1", "embedding": dummyEmbedding(0),
		}},
		{Table: "concept", ID: "c2", Fields: map[string]any{
			"name": "concept-two", "summary": "s2", "embedding": dummyEmbedding(0.5),
		}},
		{Table: "quote", ID: "q1", Fields: map[string]any{"text": "a supporting quote"}},
	}
	relations := []RelationEdge{
		{Table: "concept", FromID: "c1", ToID: "c2", RelType: "builds_on", Explanation: "x"},
		{Table: "concept", FromID: "c2", ToID: "c1", RelType: "refined_by", Explanation: "x"},
	}
	supports := []SupportEdge{
		{QuoteID: "q1", TargetTable: "concept", TargetID: "c1", JobID: "job-1"},
	}

	require.NoError(t, client.CommitGraph(ctx, nodes, relations, supports, "src-1"))
	// A crash between a completed commit and the stage transition replays the
	// whole commit; it must land on the same records.
	require.NoError(t, client.CommitGraph(ctx, nodes, relations, supports, "src-1"))

	concept, err := client.GetConcept(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "concept-one", concept.Name)

	edges, err := client.ListConceptRelations(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, edges, 2, "the retry must not duplicate edges")

	assert.Equal(t, 2, edgeCount(t, client, ctx, "relates"))
	assert.Equal(t, 1, edgeCount(t, client, ctx, "supports"))

	source, err := client.GetSourceDoc(ctx, "src-1")
	require.NoError(t, err)
	assert.True(t, source.Processed)
}

// edgeCount returns the total number of rows in an edge table.
func edgeCount(t *testing.T, client *Client, ctx context.Context, table string) int {
	t.Helper()
	type countRow struct {
		Count int `json:"count"`
	}
	results, err := surrealdb.Query[[]countRow](ctx, client.db,
		fmt.Sprintf("SELECT count() FROM %s GROUP ALL", table), map[string]any{})
	require.NoError(t, err)
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0
	}
	return (*results)[0].Result[0].Count
}

func TestSimilarConceptsOrdering(t *testing.T) {
	client, ctx := freshDB(t)

	_, err := client.CreateSourceDoc(ctx, "src-1", models.KindConceptExtract, "[]", nil)
	require.NoError(t, err)

	base := dummyEmbedding(0)
	nodes := []GraphNode{
		{Table: "concept", ID: "near", Fields: map[string]any{
			"name": "near", "summary": "s", "embedding": base,
		}},
		{Table: "concept", ID: "far", Fields: map[string]any{
			"name": "far", "summary": "s", "embedding": dummyEmbedding(5),
		}},
	}
	require.NoError(t, client.CommitGraph(ctx, nodes, nil, nil, "src-1"))

	hits, err := client.SimilarConcepts(ctx, base, 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "near", hits[0].Name)
	assert.InDelta(t, 1.0, hits[0].Score, 0.001)
}

func TestEventFeed(t *testing.T) {
	client, ctx := freshDB(t)

	detail := "entity batch with 3 items"
	require.NoError(t, client.CreateEvent(ctx, models.EventCurationPending, "job-1", &detail))
	require.NoError(t, client.CreateEvent(ctx, models.EventWorkflowCompleted, "job-1", nil))

	events, err := client.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventWorkflowCompleted, events[0].Kind, "newest first")
}

func TestListRunnableJobsSkipsTerminal(t *testing.T) {
	client, ctx := freshDB(t)

	_, err := client.CreateJob(ctx, "job-a", models.KindJournal, "src-1")
	require.NoError(t, err)
	_, err = client.CreateJob(ctx, "job-b", models.KindJournal, "src-2")
	require.NoError(t, err)
	require.NoError(t, client.MarkJobFailed(ctx, "job-b", models.StageCancelled, models.StageSubmitted, "cancelled"))

	runnable, err := client.ListRunnableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	assert.Equal(t, "job-a", models.MustRecordIDString(runnable[0].ID))
}
