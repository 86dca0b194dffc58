// Package gateway turns free-form model output into validated candidate
// structures, with bounded retries around transient failures.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jfellner/distill/internal/config"
	"github.com/jfellner/distill/internal/metrics"
	"github.com/jfellner/distill/internal/models"
)

// TextModel is the generation surface the gateway drives. *llm.Model
// implements it; tests substitute a canned fake.
type TextModel interface {
	ExtractEntities(ctx context.Context, text string, existingEntities []string) (string, error)
	ExtractRelations(ctx context.Context, text string, entityNames []string) (string, error)
	ParseQuotes(ctx context.Context, text string) (string, error)
	ExtractConcepts(ctx context.Context, quotes []string, feedback []string, critique string) (string, error)
	Critique(ctx context.Context, quotes []string, proposal string) (string, error)
	JudgeDuplicate(ctx context.Context, candidateName, candidateSummary, existingName, existingSummary string) (string, error)
	RelationSearchQueries(ctx context.Context, name, summary string, relationTypes []string) (string, error)
	ProposeRelations(ctx context.Context, newConcepts []string, neighbors []string) (string, error)
	ClassifyInbox(ctx context.Context, items []string, destinations []string) (string, error)
	Model() string
}

// DuplicateJudgment is the model's call on a borderline similarity match.
type DuplicateJudgment struct {
	Duplicate bool   `json:"duplicate"`
	Reason    string `json:"reason,omitempty"`
}

// Gateway wraps a TextModel with output parsing, per-call timeouts, and
// exponential-backoff retries. A retry re-sends the full prompt; the model
// call itself is stateless.
type Gateway struct {
	model      TextModel
	maxRetries int
	timeout    time.Duration
	metrics    *metrics.Collector
}

// New creates a Gateway from configuration.
func New(model TextModel, cfg config.Config) *Gateway {
	return &Gateway{
		model:      model,
		maxRetries: cfg.GatewayMaxRetries,
		timeout:    cfg.GatewayTimeout,
	}
}

// WithMetrics attaches a collector that records per-call extraction timings.
func (g *Gateway) WithMetrics(c *metrics.Collector) *Gateway {
	g.metrics = c
	return g
}

// invoke runs one generation call with timeout and retries, decoding the
// output as T. Malformed output counts as a retryable failure; fatal API
// errors abort immediately.
func invoke[T any](ctx context.Context, g *Gateway, op string, call func(context.Context) (string, error)) (T, error) {
	var out T

	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		start := time.Now()
		raw, err := call(callCtx)
		if g.metrics != nil {
			g.metrics.RecordTiming(metrics.OpExtraction, time.Since(start))
		}
		if err != nil {
			err = wrapFatalError(err)
			if isFatal(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("model call failed", "op", op, "attempt", attempt, "error", err)
			return err
		}

		var v T
		if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
			slog.Warn("malformed model output", "op", op, "attempt", attempt, "error", err)
			return fmt.Errorf("parse output: %w", err)
		}
		out = v
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(g.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Entities extracts entity candidates from journal text.
func (g *Gateway) Entities(ctx context.Context, text string, existing []string) ([]models.EntityCandidate, error) {
	return invoke[[]models.EntityCandidate](ctx, g, "extract entities", func(ctx context.Context) (string, error) {
		return g.model.ExtractEntities(ctx, text, existing)
	})
}

// Relations extracts relation candidates between the named entities. Relations
// with an unknown type or identical endpoints are dropped, not failed.
func (g *Gateway) Relations(ctx context.Context, text string, entityNames []string) ([]models.RelationCandidate, error) {
	candidates, err := invoke[[]models.RelationCandidate](ctx, g, "extract relations", func(ctx context.Context) (string, error) {
		return g.model.ExtractRelations(ctx, text, entityNames)
	})
	if err != nil {
		return nil, err
	}
	return filterRelations(candidates), nil
}

// Quotes parses quote candidates out of a highlight export.
func (g *Gateway) Quotes(ctx context.Context, text string) ([]models.QuoteCandidate, error) {
	return invoke[[]models.QuoteCandidate](ctx, g, "parse quotes", func(ctx context.Context) (string, error) {
		return g.model.ParseQuotes(ctx, text)
	})
}

// Concepts distills concept candidates from curated quotes.
func (g *Gateway) Concepts(ctx context.Context, quotes []string, feedback []string, critique string) ([]models.ConceptCandidate, error) {
	return invoke[[]models.ConceptCandidate](ctx, g, "extract concepts", func(ctx context.Context) (string, error) {
		return g.model.ExtractConcepts(ctx, quotes, feedback, critique)
	})
}

// Critique reviews a concept proposal against its quotes.
func (g *Gateway) Critique(ctx context.Context, quotes []string, proposal []models.ConceptCandidate) (models.Critique, error) {
	encoded, err := json.Marshal(proposal)
	if err != nil {
		return models.Critique{}, fmt.Errorf("critique: encode proposal: %w", err)
	}
	return invoke[models.Critique](ctx, g, "critique", func(ctx context.Context) (string, error) {
		return g.model.Critique(ctx, quotes, string(encoded))
	})
}

// JudgeDuplicate asks the model whether a candidate duplicates an existing
// concept.
func (g *Gateway) JudgeDuplicate(ctx context.Context, candidate models.ConceptCandidate, existing models.Concept) (DuplicateJudgment, error) {
	return invoke[DuplicateJudgment](ctx, g, "judge duplicate", func(ctx context.Context) (string, error) {
		return g.model.JudgeDuplicate(ctx, candidate.Name, candidate.Summary, existing.Name, existing.Summary)
	})
}

// RelationQueries asks for one partner search query per relation type for a
// new concept. Unknown types and blank queries in the output are dropped.
func (g *Gateway) RelationQueries(ctx context.Context, candidate models.ConceptCandidate) (map[models.RelationType]string, error) {
	raw, err := invoke[map[string]string](ctx, g, "relation queries", func(ctx context.Context) (string, error) {
		return g.model.RelationSearchQueries(ctx, candidate.Name, candidate.Summary, models.RelationTypeNames())
	})
	if err != nil {
		return nil, err
	}
	queries := make(map[models.RelationType]string, len(raw))
	for typ, query := range raw {
		rt := models.RelationType(typ)
		if _, ok := models.ReverseType(rt); !ok {
			slog.Warn("dropping query for unknown relation type", "rel_type", typ)
			continue
		}
		if strings.TrimSpace(query) == "" {
			continue
		}
		queries[rt] = query
	}
	return queries, nil
}

// ProposeRelations asks for typed edges between new concepts and graph
// neighbors.
func (g *Gateway) ProposeRelations(ctx context.Context, newConcepts []string, neighbors []string) ([]models.RelationCandidate, error) {
	candidates, err := invoke[[]models.RelationCandidate](ctx, g, "propose relations", func(ctx context.Context) (string, error) {
		return g.model.ProposeRelations(ctx, newConcepts, neighbors)
	})
	if err != nil {
		return nil, err
	}
	return filterRelations(candidates), nil
}

// InboxMoves proposes a destination for each inbox item.
func (g *Gateway) InboxMoves(ctx context.Context, items []string, destinations []string) ([]models.InboxMoveCandidate, error) {
	return invoke[[]models.InboxMoveCandidate](ctx, g, "classify inbox", func(ctx context.Context) (string, error) {
		return g.model.ClassifyInbox(ctx, items, destinations)
	})
}

// filterRelations drops structurally invalid relation candidates: unknown
// type, self-loop, or missing endpoint.
func filterRelations(in []models.RelationCandidate) []models.RelationCandidate {
	out := make([]models.RelationCandidate, 0, len(in))
	for _, r := range in {
		if r.From == "" || r.To == "" || r.From == r.To {
			slog.Warn("dropping relation with invalid endpoints", "from", r.From, "to", r.To)
			continue
		}
		if _, ok := models.ReverseType(r.RelType); !ok {
			slog.Warn("dropping relation with unknown type", "rel_type", r.RelType, "from", r.From, "to", r.To)
			continue
		}
		out = append(out, r)
	}
	return out
}

// extractJSON strips markdown code fences and any surrounding prose, returning
// the first JSON value in the text.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}

	// Trim leading prose before the first bracket.
	objIdx := strings.IndexAny(s, "[{")
	if objIdx > 0 {
		s = s[objIdx:]
	}
	// And trailing prose after the last closing bracket.
	if end := strings.LastIndexAny(s, "]}"); end >= 0 && end < len(s)-1 {
		s = s[:end+1]
	}
	return s
}
