package graphwriter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/models"
)

func TestNodeIDIsDeterministic(t *testing.T) {
	assert.Equal(t, NodeID("concept", "spaced-repetition"), NodeID("concept", "spaced-repetition"))
	assert.NotEqual(t, NodeID("concept", "spaced-repetition"), NodeID("entity", "spaced-repetition"))
	assert.NotEqual(t, NodeID("concept", "a"), NodeID("concept", "b"))
}

func findEdge(t *testing.T, edges []db.RelationEdge, fromID, toID string) db.RelationEdge {
	t.Helper()
	for _, e := range edges {
		if e.FromID == fromID && e.ToID == toID {
			return e
		}
	}
	t.Fatalf("no edge %s -> %s", fromID, toID)
	return db.RelationEdge{}
}

func TestAsymmetricEdgeGetsReverseMirror(t *testing.T) {
	plan := BuildConceptPlan("job-1", []models.ConceptCandidate{
		{Name: "deliberate-practice", Summary: "s"},
		{Name: "practice", Summary: "s", Relations: []models.RelationCandidate{
			{From: "practice", To: "deliberate-practice", RelType: models.RelGeneralizes, Explanation: "broader"},
		}},
	})

	require.Len(t, plan.Relations, 2)
	practice := NodeID("concept", "practice")
	deliberate := NodeID("concept", "deliberate-practice")

	forward := findEdge(t, plan.Relations, practice, deliberate)
	assert.Equal(t, string(models.RelGeneralizes), forward.RelType)

	reverse := findEdge(t, plan.Relations, deliberate, practice)
	assert.Equal(t, string(models.RelSpecializes), reverse.RelType)
	assert.Equal(t, "broader", reverse.Explanation, "the mirror carries the same explanation")
}

func TestSymmetricEdgeMirrorsSameType(t *testing.T) {
	plan := BuildConceptPlan("job-1", []models.ConceptCandidate{
		{Name: "a", Summary: "s"},
		{Name: "b", Summary: "s", Relations: []models.RelationCandidate{
			{From: "b", To: "a", RelType: models.RelContrastsWith},
		}},
	})

	require.Len(t, plan.Relations, 2)
	for _, e := range plan.Relations {
		assert.Equal(t, string(models.RelContrastsWith), e.RelType)
	}
	assert.Equal(t, plan.Relations[0].FromID, plan.Relations[1].ToID)
	assert.Equal(t, plan.Relations[0].ToID, plan.Relations[1].FromID)
}

func TestDuplicateConceptCreatesNoNodeButAttributesQuotes(t *testing.T) {
	plan := BuildConceptPlan("job-1", []models.ConceptCandidate{
		{Name: "fresh", Summary: "s", QuoteIDs: []string{"quote-1"}},
		{Name: "already-known", Summary: "s", QuoteIDs: []string{"quote-2"}, DuplicateOf: "existing-id"},
	})

	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, "fresh", plan.Nodes[0].Fields["name"])

	require.Len(t, plan.Supports, 2)
	byQuote := map[string]string{}
	for _, s := range plan.Supports {
		byQuote[s.QuoteID] = s.TargetID
		assert.Equal(t, "job-1", s.JobID)
	}
	assert.Equal(t, NodeID("concept", "fresh"), byQuote["quote-1"])
	assert.Equal(t, "existing-id", byQuote["quote-2"], "a duplicate's quotes attach to the existing node")
}

func TestConceptRelationToNeighborUsesStableID(t *testing.T) {
	plan := BuildConceptPlan("job-1", []models.ConceptCandidate{
		{Name: "fresh", Summary: "s", Relations: []models.RelationCandidate{
			{From: "fresh", To: "existing-neighbor", RelType: models.RelBuildsOn},
		}},
	})

	require.Len(t, plan.Relations, 2)
	forward := findEdge(t, plan.Relations, NodeID("concept", "fresh"), NodeID("concept", "existing-neighbor"))
	assert.Equal(t, string(models.RelBuildsOn), forward.RelType)
}

func TestJournalPlanDropsRelationsToUnapprovedEntities(t *testing.T) {
	plan := BuildJournalPlan(
		[]models.EntityCandidate{
			{Name: "jane-doe", EntityType: "person"},
			{Name: "acme", EntityType: "organization"},
		},
		[]models.RelationCandidate{
			{From: "jane-doe", To: "acme", RelType: models.RelRelatesTo},
			{From: "jane-doe", To: "rejected-entity", RelType: models.RelRelatesTo},
		},
	)

	assert.Len(t, plan.Nodes, 2)
	assert.Len(t, plan.Relations, 2, "one approved relation plus its mirror")
}

func TestQuotePlanDeterministicAcrossRetries(t *testing.T) {
	quotes := []models.QuoteCandidate{{Text: "the quote", Source: "the book"}}
	first := BuildQuotePlan(quotes)
	second := BuildQuotePlan(quotes)

	require.Len(t, first.Nodes, 1)
	assert.Equal(t, first.Nodes[0].ID, second.Nodes[0].ID,
		"a retried commit must upsert the same record")
	assert.Equal(t, "the book", first.Nodes[0].Fields["source"])
}

func TestInboxPlanIsEmpty(t *testing.T) {
	plan := BuildInboxPlan([]models.InboxMoveCandidate{{Item: "note", Destination: "projects"}})
	assert.True(t, plan.IsEmpty())
}
