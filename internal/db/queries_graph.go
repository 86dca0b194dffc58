package db

import (
	"context"
	"fmt"

	"github.com/jfellner/distill/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// GraphNode is one node write in a graph commit.
type GraphNode struct {
	Table  string         `json:"table"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// RelationEdge is one typed node->node edge write. Both endpoints live in the
// same table (concept or entity).
type RelationEdge struct {
	Table       string `json:"table"`
	FromID      string `json:"from_id"`
	ToID        string `json:"to_id"`
	RelType     string `json:"rel_type"`
	Explanation string `json:"explanation"`
}

// SupportEdge is one quote->concept/entity attribution edge write.
type SupportEdge struct {
	QuoteID     string `json:"quote_id"`
	TargetTable string `json:"target_table"`
	TargetID    string `json:"target_id"`
	JobID       string `json:"job_id"`
}

// CommitGraph applies an approved proposal in a single transaction: node
// upserts, typed relation edges, support edges, and the source's processed
// marker. Partial failure rolls the whole write back. Retrying a completed
// commit is safe: nodes upsert, and each edge write first deletes any edge
// carrying the same unique_key, so a RELATE replay replaces its earlier row
// instead of tripping the UNIQUE index.
func (c *Client) CommitGraph(
	ctx context.Context,
	nodes []GraphNode,
	relations []RelationEdge,
	supports []SupportEdge,
	sourceID string,
) error {
	sql := `
		BEGIN TRANSACTION;
		FOR $n IN $nodes {
			UPSERT type::record($n.table, $n.id) MERGE $n.fields;
		};
		FOR $e IN $relations {
			LET $from = type::record($e.table, $e.from_id);
			LET $to = type::record($e.table, $e.to_id);
			DELETE relates WHERE unique_key = string::concat(<string>$from, "|", $e.rel_type, "|", <string>$to);
			RELATE $from->relates->$to SET
				rel_type = $e.rel_type,
				explanation = $e.explanation;
		};
		FOR $s IN $supports {
			LET $quote = type::record("quote", $s.quote_id);
			LET $target = type::record($s.target_table, $s.target_id);
			DELETE supports WHERE unique_key = string::concat(<string>$quote, "|", <string>$target);
			RELATE $quote->supports->$target SET
				job_id = $s.job_id;
		};
		UPDATE type::record("source_doc", $source_id) SET processed = true;
		COMMIT TRANSACTION;
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"nodes":     nodes,
		"relations": relations,
		"supports":  supports,
		"source_id": sourceID,
	})
	if err != nil {
		return fmt.Errorf("commit graph: %w", wrapQueryError(err))
	}
	return nil
}

// SimilarConcepts returns the top-k concepts nearest to the embedding by
// cosine similarity, highest score first.
func (c *Client) SimilarConcepts(ctx context.Context, embedding []float32, k int) ([]models.ScoredConcept, error) {
	sql := fmt.Sprintf(`
		SELECT *, vector::similarity::cosine(embedding, $emb) AS score
		FROM concept
		WHERE embedding <|%d,40|> $emb
		ORDER BY score DESC
	`, k)

	results, err := surrealdb.Query[[]models.ScoredConcept](ctx, c.db, sql, map[string]any{
		"emb": embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("similar concepts: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.ScoredConcept{}, nil
	}
	return (*results)[0].Result, nil
}

// GetConcept retrieves a concept by ID. Returns ErrNotFound if missing.
func (c *Client) GetConcept(ctx context.Context, id string) (*models.Concept, error) {
	results, err := surrealdb.Query[[]models.Concept](ctx, c.db, `
		SELECT * FROM type::record("concept", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get concept: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("concept %q: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// ListConceptRelations returns all typed edges touching a concept, in both
// directions.
func (c *Client) ListConceptRelations(ctx context.Context, conceptID string) ([]models.ConceptRelation, error) {
	results, err := surrealdb.Query[[]models.ConceptRelation](ctx, c.db, `
		SELECT * FROM relates
		WHERE in = type::record("concept", $id) OR out = type::record("concept", $id)
	`, map[string]any{"id": conceptID})
	if err != nil {
		return nil, fmt.Errorf("list concept relations: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.ConceptRelation{}, nil
	}
	return (*results)[0].Result, nil
}
