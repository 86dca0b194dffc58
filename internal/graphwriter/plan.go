// Package graphwriter turns approved curation results into idempotent graph
// writes: node upserts, bidirectional typed edges, and quote attribution.
package graphwriter

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/models"
)

// idNamespace seeds deterministic node ids. The same name always maps to the
// same record id, which makes graph commits safe to retry and lets relation
// candidates reference nodes by name.
var idNamespace = uuid.MustParse("b9c1f1fe-3e7b-4ce0-9fca-2f5e1a0d4b6a")

// NodeID derives the stable record id for a named node.
func NodeID(table, name string) string {
	return uuid.NewSHA1(idNamespace, []byte(table+"/"+name)).String()
}

// Plan is the full set of writes for one graph commit. Building a plan has no
// side effects; db.CommitGraph applies it transactionally.
type Plan struct {
	Nodes     []db.GraphNode
	Relations []db.RelationEdge
	Supports  []db.SupportEdge
}

// IsEmpty reports whether the plan writes nothing beyond the source marker.
func (p Plan) IsEmpty() bool {
	return len(p.Nodes) == 0 && len(p.Relations) == 0 && len(p.Supports) == 0
}

// expandEdge mirrors one typed edge into its pair: an asymmetric type gets its
// reverse type on the mirrored edge, a symmetric type keeps its own.
func expandEdge(table, fromID, toID string, t models.RelationType, explanation string) []db.RelationEdge {
	edges := []db.RelationEdge{{
		Table:       table,
		FromID:      fromID,
		ToID:        toID,
		RelType:     string(t),
		Explanation: explanation,
	}}
	if rev, ok := models.ReverseType(t); ok {
		edges = append(edges, db.RelationEdge{
			Table:       table,
			FromID:      toID,
			ToID:        fromID,
			RelType:     string(rev),
			Explanation: explanation,
		})
	}
	return edges
}

// BuildJournalPlan plans the writes for approved journal extraction results:
// entity nodes and typed edges between them. Relations whose endpoints were
// not approved in the same job are dropped.
func BuildJournalPlan(entities []models.EntityCandidate, relations []models.RelationCandidate) Plan {
	var plan Plan

	approved := make(map[string]string, len(entities))
	for _, e := range entities {
		id := NodeID("entity", e.Name)
		approved[e.Name] = id
		plan.Nodes = append(plan.Nodes, db.GraphNode{
			Table: "entity",
			ID:    id,
			Fields: map[string]any{
				"name":        e.Name,
				"entity_type": e.EntityType,
				"description": e.Description,
			},
		})
	}

	for _, r := range relations {
		fromID, okFrom := approved[r.From]
		toID, okTo := approved[r.To]
		if !okFrom || !okTo {
			slog.Warn("dropping relation to unapproved entity", "from", r.From, "to", r.To)
			continue
		}
		plan.Relations = append(plan.Relations, expandEdge("entity", fromID, toID, r.RelType, r.Explanation)...)
	}
	return plan
}

// BuildQuotePlan plans quote node writes for approved quote candidates.
func BuildQuotePlan(quotes []models.QuoteCandidate) Plan {
	var plan Plan
	for _, q := range quotes {
		fields := map[string]any{"text": q.Text}
		if q.Source != "" {
			fields["source"] = q.Source
		}
		plan.Nodes = append(plan.Nodes, db.GraphNode{
			Table:  "quote",
			ID:     NodeID("quote", q.Text),
			Fields: fields,
		})
	}
	return plan
}

// BuildConceptPlan plans the writes for an approved concept proposal: concept
// nodes for non-duplicates, typed edges with their mirrors, and supports edges
// attributing each concept to its quotes. A duplicate candidate creates no
// node; its quotes attach to the existing concept instead.
func BuildConceptPlan(jobID string, concepts []models.ConceptCandidate) Plan {
	var plan Plan

	fresh := make(map[string]string, len(concepts))
	for _, c := range concepts {
		if c.DuplicateOf != "" {
			continue
		}
		id := NodeID("concept", c.Name)
		fresh[c.Name] = id
		plan.Nodes = append(plan.Nodes, db.GraphNode{
			Table: "concept",
			ID:    id,
			Fields: map[string]any{
				"name":    c.Name,
				"summary": c.Summary,
			},
		})
	}

	for _, c := range concepts {
		target := c.DuplicateOf
		if target == "" {
			target = fresh[c.Name]
		}
		for _, quoteID := range c.QuoteIDs {
			plan.Supports = append(plan.Supports, db.SupportEdge{
				QuoteID:     quoteID,
				TargetTable: "concept",
				TargetID:    target,
				JobID:       jobID,
			})
		}

		if c.DuplicateOf != "" {
			continue
		}
		for _, r := range c.Relations {
			fromID := fresh[r.From]
			if fromID == "" {
				continue
			}
			toID, ok := fresh[r.To]
			if !ok {
				// An existing neighbor, addressed by its stable name-derived id.
				toID = NodeID("concept", r.To)
			}
			plan.Relations = append(plan.Relations, expandEdge("concept", fromID, toID, r.RelType, r.Explanation)...)
		}
	}
	return plan
}

// BuildInboxPlan plans the commit for approved inbox filings. Filing decisions
// live outside the graph, so the plan only carries the source's processed
// marker.
func BuildInboxPlan([]models.InboxMoveCandidate) Plan {
	return Plan{}
}
