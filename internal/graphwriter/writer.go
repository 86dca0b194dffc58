package graphwriter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/embedding"
	"github.com/jfellner/distill/internal/metrics"
)

// GraphDB is the commit surface. *db.Client implements it.
type GraphDB interface {
	CommitGraph(ctx context.Context, nodes []db.GraphNode, relations []db.RelationEdge, supports []db.SupportEdge, sourceID string) error
}

// Writer applies plans to the graph, embedding searchable nodes on the way in.
type Writer struct {
	db       GraphDB
	embedder embedding.Embedder
	metrics  *metrics.Collector
}

// NewWriter creates a graph writer.
func NewWriter(graphDB GraphDB, embedder embedding.Embedder) *Writer {
	return &Writer{db: graphDB, embedder: embedder}
}

// WithMetrics attaches a collector that records commit and embedding timings.
func (w *Writer) WithMetrics(c *metrics.Collector) *Writer {
	w.metrics = c
	return w
}

// Commit embeds the plan's concept and entity nodes and applies everything in
// one transaction, including the source's processed marker. Safe to retry: a
// repeat commit upserts the same nodes and rewrites each edge in place of the
// row sharing its unique key.
func (w *Writer) Commit(ctx context.Context, plan Plan, sourceID string) error {
	for i := range plan.Nodes {
		text := embedText(plan.Nodes[i])
		if text == "" {
			continue
		}
		start := time.Now()
		emb, err := w.embedder.Embed(ctx, text)
		if w.metrics != nil {
			w.metrics.RecordTiming(metrics.OpEmbedding, time.Since(start))
		}
		if err != nil {
			return fmt.Errorf("embed node %s/%s: %w", plan.Nodes[i].Table, plan.Nodes[i].ID, err)
		}
		plan.Nodes[i].Fields["embedding"] = emb
	}

	start := time.Now()
	err := w.db.CommitGraph(ctx, plan.Nodes, plan.Relations, plan.Supports, sourceID)
	if w.metrics != nil {
		w.metrics.RecordTiming(metrics.OpGraphWrite, time.Since(start))
	}
	if err != nil {
		return err
	}

	slog.Info("graph commit applied",
		"source", sourceID,
		"nodes", len(plan.Nodes),
		"relations", len(plan.Relations),
		"supports", len(plan.Supports))
	return nil
}

// embedText picks the text a node is indexed under. Quote nodes are reached
// through supports edges, not similarity search, and carry no embedding.
func embedText(n db.GraphNode) string {
	switch n.Table {
	case "concept":
		name, _ := n.Fields["name"].(string)
		summary, _ := n.Fields["summary"].(string)
		return name + ": " + summary
	case "entity":
		name, _ := n.Fields["name"].(string)
		description, _ := n.Fields["description"].(string)
		if description == "" {
			return name
		}
		return name + ": " + description
	}
	return ""
}
