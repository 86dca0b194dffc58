// Package refine runs the bounded self-improvement loop that turns curated
// quotes into deduplicated, related concept proposals.
package refine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jfellner/distill/internal/config"
	"github.com/jfellner/distill/internal/gateway"
	"github.com/jfellner/distill/internal/models"
)

// Generator is the model surface the loop drives. *gateway.Gateway implements
// it.
type Generator interface {
	Concepts(ctx context.Context, quotes []string, feedback []string, critique string) ([]models.ConceptCandidate, error)
	Critique(ctx context.Context, quotes []string, proposal []models.ConceptCandidate) (models.Critique, error)
	JudgeDuplicate(ctx context.Context, candidate models.ConceptCandidate, existing models.Concept) (gateway.DuplicateJudgment, error)
	RelationQueries(ctx context.Context, candidate models.ConceptCandidate) (map[models.RelationType]string, error)
	ProposeRelations(ctx context.Context, newConcepts []string, neighbors []string) ([]models.RelationCandidate, error)
}

// ConceptIndex is the similarity-search surface. *db.Client implements it.
type ConceptIndex interface {
	SimilarConcepts(ctx context.Context, embedding []float32, k int) ([]models.ScoredConcept, error)
}

// Embedder embeds candidate text for duplicate detection.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QuoteInput is one curated quote feeding the loop.
type QuoteInput struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Loop is the phase-1 refinement loop: extract, dedupe, relate, self-critique,
// repeat until the critique passes or the iteration budget runs out.
type Loop struct {
	gen      Generator
	index    ConceptIndex
	embedder Embedder

	maxIters int
	dupFloor float64
	dupAuto  float64
	topK     int
}

// NewLoop creates a refinement loop from configuration.
func NewLoop(gen Generator, index ConceptIndex, embedder Embedder, cfg config.Config) *Loop {
	return &Loop{
		gen:      gen,
		index:    index,
		embedder: embedder,
		maxIters: cfg.Phase1MaxIters,
		dupFloor: cfg.DupFloor,
		dupAuto:  cfg.DupAuto,
		topK:     cfg.DedupeTopK,
	}
}

// Run produces a concept proposal from curated quotes. Reviewer feedback from
// an earlier review round, when present, is injected into every extraction
// prompt. The returned result is what goes in front of the human reviewer;
// an unresolved critique after the final iteration becomes a warning, not an
// error.
func (l *Loop) Run(ctx context.Context, quotes []QuoteInput, feedback []string) (models.RefinementResult, error) {
	if len(quotes) == 0 {
		return models.RefinementResult{}, fmt.Errorf("refine: no quotes to work from")
	}

	texts := make([]string, len(quotes))
	tagToID := make(map[string]string, len(quotes))
	for i, q := range quotes {
		texts[i] = q.Text
		tagToID[fmt.Sprintf("q%d", i+1)] = q.ID
	}

	var (
		result   models.RefinementResult
		critique string
	)

	for iter := 1; iter <= l.maxIters; iter++ {
		result.Iterations = iter

		candidates, err := l.gen.Concepts(ctx, texts, feedback, critique)
		if err != nil {
			return models.RefinementResult{}, fmt.Errorf("refine iteration %d: %w", iter, err)
		}
		candidates = resolveQuoteTags(candidates, tagToID)

		candidates, neighbors, err := l.dedupe(ctx, candidates)
		if err != nil {
			return models.RefinementResult{}, fmt.Errorf("refine iteration %d: %w", iter, err)
		}

		candidates, err = l.discoverRelations(ctx, candidates, neighbors)
		if err != nil {
			return models.RefinementResult{}, fmt.Errorf("refine iteration %d: %w", iter, err)
		}

		result.Concepts = candidates

		verdict, err := l.gen.Critique(ctx, texts, candidates)
		if err != nil {
			return models.RefinementResult{}, fmt.Errorf("refine iteration %d: %w", iter, err)
		}
		if verdict.Passed {
			return result, nil
		}

		critique = strings.Join(verdict.Issues, "\n")
		result.CritiqueLog = append(result.CritiqueLog, verdict.Issues...)
		slog.Info("self-critique failed, revising", "iteration", iter, "issues", len(verdict.Issues))
	}

	// The budget is a bound, not a gate: the human reviewer sees the best
	// draft with the unresolved issues attached.
	result.Warnings = append(result.Warnings,
		fmt.Sprintf("self-critique unresolved after %d iterations", l.maxIters))
	return result, nil
}

// resolveQuoteTags maps [qN] tags back to quote record ids, dropping tags the
// model invented.
func resolveQuoteTags(candidates []models.ConceptCandidate, tagToID map[string]string) []models.ConceptCandidate {
	for i := range candidates {
		ids := make([]string, 0, len(candidates[i].QuoteIDs))
		for _, tag := range candidates[i].QuoteIDs {
			if id, ok := tagToID[tag]; ok {
				ids = append(ids, id)
			} else {
				slog.Warn("dropping unknown quote tag", "tag", tag, "concept", candidates[i].Name)
			}
		}
		candidates[i].QuoteIDs = ids
	}
	return candidates
}

// dedupe checks each candidate against the existing graph. A similarity at or
// above dupAuto marks a duplicate outright; between dupFloor and dupAuto the
// model's judgment decides; below dupFloor a match is never a duplicate.
// Returns the candidates plus the non-duplicate neighbors seen along the way,
// which feed relation discovery.
func (l *Loop) dedupe(ctx context.Context, candidates []models.ConceptCandidate) ([]models.ConceptCandidate, []models.Concept, error) {
	neighborSet := make(map[string]models.Concept)

	for i := range candidates {
		c := &candidates[i]
		emb, err := l.embedder.Embed(ctx, c.Name+": "+c.Summary)
		if err != nil {
			return nil, nil, fmt.Errorf("embed candidate %q: %w", c.Name, err)
		}

		hits, err := l.index.SimilarConcepts(ctx, emb, l.topK)
		if err != nil {
			return nil, nil, fmt.Errorf("similarity search for %q: %w", c.Name, err)
		}

		for _, hit := range hits {
			if hit.Score < l.dupFloor {
				// Hits are ordered by score, nothing below the floor matters.
				break
			}
			if hit.Score >= l.dupAuto {
				c.DuplicateOf = models.MustRecordIDString(hit.ID)
				slog.Info("duplicate by similarity", "candidate", c.Name,
					"existing", hit.Name, "score", hit.Score)
				break
			}

			judgment, err := l.gen.JudgeDuplicate(ctx, *c, hit.Concept)
			if err != nil {
				return nil, nil, fmt.Errorf("judge duplicate %q vs %q: %w", c.Name, hit.Name, err)
			}
			if judgment.Duplicate {
				c.DuplicateOf = models.MustRecordIDString(hit.ID)
				slog.Info("duplicate by judgment", "candidate", c.Name,
					"existing", hit.Name, "score", hit.Score, "reason", judgment.Reason)
				break
			}
			neighborSet[hit.Name] = hit.Concept
		}
	}

	neighbors := make([]models.Concept, 0, len(neighborSet))
	for _, n := range neighborSet {
		neighbors = append(neighbors, n)
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Name < neighbors[j].Name })
	return candidates, neighbors, nil
}

// discoverRelations proposes typed edges among the new concepts and toward
// existing graph concepts, attaching accepted edges to the originating new
// candidate. Partners come from two sources: the borderline neighbors seen
// during dedupe, and a per-candidate partner search with one query per
// relation type. Edges whose endpoints name neither a new concept nor a
// partner are dropped; edges from a partner to a new concept are flipped so
// the stored edge originates at the new concept.
func (l *Loop) discoverRelations(ctx context.Context, candidates []models.ConceptCandidate, neighbors []models.Concept) ([]models.ConceptCandidate, error) {
	fresh := make(map[string]int) // name -> candidate index
	var newDescs []string
	for i, c := range candidates {
		if c.DuplicateOf != "" {
			continue
		}
		fresh[c.Name] = i
		newDescs = append(newDescs, c.Name+": "+c.Summary)
	}
	if len(newDescs) == 0 {
		return candidates, nil
	}

	partnerSet := make(map[string]models.Concept, len(neighbors))
	for _, n := range neighbors {
		partnerSet[n.Name] = n
	}
	for _, i := range sortedIndices(fresh) {
		if err := l.searchPartners(ctx, candidates[i], fresh, partnerSet); err != nil {
			return nil, err
		}
	}

	known := make(map[string]bool, len(partnerSet))
	partnerDescs := make([]string, 0, len(partnerSet))
	for _, name := range sortedKeys(partnerSet) {
		p := partnerSet[name]
		known[p.Name] = true
		partnerDescs = append(partnerDescs, p.Name+": "+p.Summary)
	}

	proposed, err := l.gen.ProposeRelations(ctx, newDescs, partnerDescs)
	if err != nil {
		return nil, fmt.Errorf("propose relations: %w", err)
	}

	for i := range candidates {
		candidates[i].Relations = nil
	}
	for _, rel := range proposed {
		fromIdx, fromIsNew := fresh[rel.From]
		toIdx, toIsNew := fresh[rel.To]
		switch {
		case fromIsNew && (toIsNew || known[rel.To]):
			candidates[fromIdx].Relations = append(candidates[fromIdx].Relations, rel)
		case known[rel.From] && toIsNew:
			// An existing->novel proposal is stored from the novel side under
			// the mirrored type.
			reversed, _ := models.ReverseType(rel.RelType)
			candidates[toIdx].Relations = append(candidates[toIdx].Relations, models.RelationCandidate{
				From:        rel.To,
				To:          rel.From,
				RelType:     reversed,
				Explanation: rel.Explanation,
			})
		default:
			slog.Warn("dropping relation with unknown endpoint", "from", rel.From, "to", rel.To)
		}
	}
	return candidates, nil
}

// searchPartners runs one semantic search per relation type for a new
// candidate and folds the existing concepts it finds into the partner set.
func (l *Loop) searchPartners(ctx context.Context, c models.ConceptCandidate, fresh map[string]int, partnerSet map[string]models.Concept) error {
	queries, err := l.gen.RelationQueries(ctx, c)
	if err != nil {
		return fmt.Errorf("relation queries for %q: %w", c.Name, err)
	}

	for _, typ := range models.RelationTypes() {
		query, ok := queries[typ]
		if !ok {
			continue
		}
		emb, err := l.embedder.Embed(ctx, query)
		if err != nil {
			return fmt.Errorf("embed partner query for %q: %w", c.Name, err)
		}
		hits, err := l.index.SimilarConcepts(ctx, emb, l.topK)
		if err != nil {
			return fmt.Errorf("partner search for %q: %w", c.Name, err)
		}
		for _, hit := range hits {
			if _, isNew := fresh[hit.Name]; isNew {
				continue
			}
			partnerSet[hit.Name] = hit.Concept
		}
	}
	return nil
}

// sortedIndices returns the map's candidate indices in ascending order.
func sortedIndices(m map[string]int) []int {
	out := make([]int, 0, len(m))
	for _, i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// sortedKeys returns the map's keys in ascending order.
func sortedKeys(m map[string]models.Concept) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
