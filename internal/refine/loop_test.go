package refine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/jfellner/distill/internal/config"
	"github.com/jfellner/distill/internal/gateway"
	"github.com/jfellner/distill/internal/models"
)

type fakeGen struct {
	concepts      []models.ConceptCandidate
	conceptCalls  int
	lastFeedback  []string
	lastCritique  string
	critiques     []models.Critique
	critiqueCalls int
	judgments     map[string]bool
	judgeCalls    int
	queries       map[string]map[models.RelationType]string
	queryCalls    int
	relations     []models.RelationCandidate
	lastNeighbors []string
}

func (f *fakeGen) Concepts(ctx context.Context, quotes, feedback []string, critique string) ([]models.ConceptCandidate, error) {
	f.conceptCalls++
	f.lastFeedback = feedback
	f.lastCritique = critique
	out := make([]models.ConceptCandidate, len(f.concepts))
	copy(out, f.concepts)
	return out, nil
}

func (f *fakeGen) Critique(ctx context.Context, quotes []string, proposal []models.ConceptCandidate) (models.Critique, error) {
	i := f.critiqueCalls
	f.critiqueCalls++
	if i < len(f.critiques) {
		return f.critiques[i], nil
	}
	return models.Critique{Passed: true}, nil
}

func (f *fakeGen) JudgeDuplicate(ctx context.Context, candidate models.ConceptCandidate, existing models.Concept) (gateway.DuplicateJudgment, error) {
	f.judgeCalls++
	return gateway.DuplicateJudgment{Duplicate: f.judgments[candidate.Name+"/"+existing.Name]}, nil
}

func (f *fakeGen) RelationQueries(ctx context.Context, candidate models.ConceptCandidate) (map[models.RelationType]string, error) {
	f.queryCalls++
	return f.queries[candidate.Name], nil
}

func (f *fakeGen) ProposeRelations(ctx context.Context, newConcepts, neighbors []string) ([]models.RelationCandidate, error) {
	f.lastNeighbors = neighbors
	return f.relations, nil
}

type fakeIndex struct {
	hits  []models.ScoredConcept
	calls int
}

func (f *fakeIndex) SimilarConcepts(ctx context.Context, embedding []float32, k int) ([]models.ScoredConcept, error) {
	f.calls++
	return f.hits, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func scoredConcept(id, name string, score float64) models.ScoredConcept {
	return models.ScoredConcept{
		Concept: models.Concept{
			ID:      surrealmodels.RecordID{Table: "concept", ID: id},
			Name:    name,
			Summary: "an existing concept",
		},
		Score: score,
	}
}

func testConfig() config.Config {
	return config.Config{
		Phase1MaxIters: 3,
		DupFloor:       0.70,
		DupAuto:        0.90,
		DedupeTopK:     5,
	}
}

func testQuotes() []QuoteInput {
	return []QuoteInput{
		{ID: "quote-1", Text: "first quote"},
		{ID: "quote-2", Text: "second quote"},
	}
}

func TestRunStopsWhenCritiquePasses(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{
			{Name: "spaced-repetition", Summary: "review at growing intervals", QuoteIDs: []string{"q1", "q2"}},
		},
		critiques: []models.Critique{{Passed: true}},
	}
	loop := NewLoop(gen, &fakeIndex{}, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Iterations)
	assert.Empty(t, result.Warnings)
	require.Len(t, result.Concepts, 1)
	assert.Equal(t, []string{"quote-1", "quote-2"}, result.Concepts[0].QuoteIDs)
}

func TestRunIsBoundedAndWarns(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{{Name: "a-concept", Summary: "s", QuoteIDs: []string{"q1"}}},
		critiques: []models.Critique{
			{Passed: false, Issues: []string{"too vague"}},
			{Passed: false, Issues: []string{"still too vague"}},
			{Passed: false, Issues: []string{"give up"}},
		},
	}
	loop := NewLoop(gen, &fakeIndex{}, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, gen.conceptCalls)
	assert.Len(t, result.CritiqueLog, 3)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "after 3 iterations")
	assert.Equal(t, "give up", gen.lastCritique, "revision must see the previous critique")
	require.Len(t, result.Concepts, 1, "the best draft still goes to review")
}

func TestRunInjectsReviewerFeedback(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{{Name: "a-concept", Summary: "s", QuoteIDs: []string{"q1"}}},
	}
	loop := NewLoop(gen, &fakeIndex{}, fakeEmbedder{}, testConfig())

	feedback := []string{"split the second concept"}
	_, err := loop.Run(context.Background(), testQuotes(), feedback)
	require.NoError(t, err)
	assert.Equal(t, feedback, gen.lastFeedback)
}

func TestDedupeAutoThresholdSkipsJudgment(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{{Name: "spacing", Summary: "s", QuoteIDs: []string{"q1"}}},
	}
	index := &fakeIndex{hits: []models.ScoredConcept{
		scoredConcept("existing-1", "spacing-effect", 0.92),
	}}
	loop := NewLoop(gen, index, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	require.Len(t, result.Concepts, 1)
	assert.Equal(t, "existing-1", result.Concepts[0].DuplicateOf)
	assert.Equal(t, 0, gen.judgeCalls, "a score above the auto threshold needs no judgment call")
}

func TestDedupeBelowFloorIsNeverDuplicate(t *testing.T) {
	gen := &fakeGen{
		concepts:  []models.ConceptCandidate{{Name: "spacing", Summary: "s", QuoteIDs: []string{"q1"}}},
		judgments: map[string]bool{"spacing/spacing-effect": true},
	}
	index := &fakeIndex{hits: []models.ScoredConcept{
		scoredConcept("existing-1", "spacing-effect", 0.65),
	}}
	loop := NewLoop(gen, index, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	assert.Empty(t, result.Concepts[0].DuplicateOf)
	assert.Equal(t, 0, gen.judgeCalls, "matches below the floor must not reach the model")
}

func TestDedupeBorderlineUsesJudgment(t *testing.T) {
	gen := &fakeGen{
		concepts:  []models.ConceptCandidate{{Name: "spacing", Summary: "s", QuoteIDs: []string{"q1"}}},
		judgments: map[string]bool{"spacing/spacing-effect": true},
	}
	index := &fakeIndex{hits: []models.ScoredConcept{
		scoredConcept("existing-1", "spacing-effect", 0.80),
	}}
	loop := NewLoop(gen, index, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	assert.Equal(t, "existing-1", result.Concepts[0].DuplicateOf)
	assert.Equal(t, 1, gen.judgeCalls)
}

func TestDedupeBorderlineJudgedDistinctStaysNew(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{{Name: "spacing", Summary: "s", QuoteIDs: []string{"q1"}}},
	}
	index := &fakeIndex{hits: []models.ScoredConcept{
		scoredConcept("existing-1", "spacing-effect", 0.80),
	}}
	loop := NewLoop(gen, index, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	assert.Empty(t, result.Concepts[0].DuplicateOf)
	assert.Equal(t, 1, gen.judgeCalls)
}

func TestDiscoverRelationsAttachesAndFilters(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{
			{Name: "spacing", Summary: "s", QuoteIDs: []string{"q1"}},
			{Name: "testing-effect", Summary: "s", QuoteIDs: []string{"q2"}},
		},
		relations: []models.RelationCandidate{
			{From: "spacing", To: "testing-effect", RelType: models.RelComplements},
			{From: "spacing", To: "spacing-effect", RelType: models.RelBuildsOn},
			{From: "spacing", To: "made-up-concept", RelType: models.RelRelatesTo},
			{From: "spacing-effect", To: "spacing", RelType: models.RelRelatesTo},
		},
	}
	index := &fakeIndex{hits: []models.ScoredConcept{
		scoredConcept("existing-1", "spacing-effect", 0.80),
	}}
	loop := NewLoop(gen, index, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	spacing := result.Concepts[0]
	require.Len(t, spacing.Relations, 3)
	assert.Equal(t, "testing-effect", spacing.Relations[0].To)
	assert.Equal(t, "spacing-effect", spacing.Relations[1].To,
		"edges toward existing neighbors are allowed")
	assert.Equal(t, "spacing-effect", spacing.Relations[2].To,
		"an edge proposed from a neighbor is kept, re-anchored on the new concept")
	assert.Equal(t, models.RelRelatesTo, spacing.Relations[2].RelType)
}

func TestDiscoverRelationsSearchesPartnersPerType(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{
			{Name: "spacing", Summary: "s", QuoteIDs: []string{"q1"}},
		},
		queries: map[string]map[models.RelationType]string{
			"spacing": {
				models.RelBuildsOn:      "foundational memory research",
				models.RelContrastsWith: "opposing study techniques",
			},
		},
		relations: []models.RelationCandidate{
			{From: "spacing", To: "spacing-effect", RelType: models.RelBuildsOn},
		},
	}
	// Too far for dedupe to notice, close enough for a partner search hit.
	index := &fakeIndex{hits: []models.ScoredConcept{
		scoredConcept("existing-1", "spacing-effect", 0.50),
	}}
	loop := NewLoop(gen, index, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, gen.queryCalls, "one query batch per new concept")
	assert.Equal(t, 3, index.calls, "one dedupe search plus one search per generated query")
	assert.Contains(t, gen.lastNeighbors, "spacing-effect: an existing concept",
		"searched partners must reach the relation proposal")

	require.Len(t, result.Concepts[0].Relations, 1)
	assert.Equal(t, "spacing-effect", result.Concepts[0].Relations[0].To)
}

func TestDiscoverRelationsFlipsExistingToNovel(t *testing.T) {
	gen := &fakeGen{
		concepts: []models.ConceptCandidate{
			{Name: "spacing", Summary: "s", QuoteIDs: []string{"q1"}},
		},
		relations: []models.RelationCandidate{
			{From: "spacing-effect", To: "spacing", RelType: models.RelGeneralizes, Explanation: "broader idea"},
		},
	}
	index := &fakeIndex{hits: []models.ScoredConcept{
		scoredConcept("existing-1", "spacing-effect", 0.80),
	}}
	loop := NewLoop(gen, index, fakeEmbedder{}, testConfig())

	result, err := loop.Run(context.Background(), testQuotes(), nil)
	require.NoError(t, err)

	rels := result.Concepts[0].Relations
	require.Len(t, rels, 1)
	assert.Equal(t, "spacing", rels[0].From)
	assert.Equal(t, "spacing-effect", rels[0].To)
	assert.Equal(t, models.RelSpecializes, rels[0].RelType,
		"an edge from an existing concept is stored from the new side under the mirrored type")
	assert.Equal(t, "broader idea", rels[0].Explanation)
}

func TestRunRequiresQuotes(t *testing.T) {
	loop := NewLoop(&fakeGen{}, &fakeIndex{}, fakeEmbedder{}, testConfig())
	_, err := loop.Run(context.Background(), nil, nil)
	require.Error(t, err)
}
