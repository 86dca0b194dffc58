package models

// Candidate payload types. These are what extraction produces and what
// reviewers accept, reject, or edit; the curation layer stores them as opaque
// JSON.

// EntityCandidate is one proposed entity from entity extraction.
type EntityCandidate struct {
	Name        string  `json:"name"`
	EntityType  string  `json:"entity_type"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// RelationCandidate is one proposed typed edge. From/To name either curated
// candidates (by name) or existing graph nodes (by record id).
type RelationCandidate struct {
	From        string       `json:"from"`
	To          string       `json:"to"`
	RelType     RelationType `json:"rel_type"`
	Explanation string       `json:"explanation,omitempty"`
}

// QuoteCandidate is one quote lifted out of source text.
type QuoteCandidate struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// ConceptCandidate is one proposed atomic concept, carrying the identifiers
// of the quotes that produced it. DuplicateOf is set when duplicate detection
// matched an existing concept; such candidates are not created as new nodes,
// their quotes are attributed to the existing concept instead.
type ConceptCandidate struct {
	Name        string              `json:"name"`
	Summary     string              `json:"summary"`
	QuoteIDs    []string            `json:"quote_ids"`
	Relations   []RelationCandidate `json:"relations,omitempty"`
	DuplicateOf string              `json:"duplicate_of,omitempty"`
}

// InboxMoveCandidate is one proposed filing decision for an inbox item.
type InboxMoveCandidate struct {
	Item        string `json:"item"`
	Destination string `json:"destination"`
	Reason      string `json:"reason,omitempty"`
}

// Critique is the self-assessment of a concept proposal.
type Critique struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// RefinementResult is the output of one phase-1 refinement run: the proposal
// forwarded to human review. It lives in the job's stage data, never shared
// across jobs.
type RefinementResult struct {
	Concepts    []ConceptCandidate `json:"concepts"`
	Warnings    []string           `json:"warnings,omitempty"`
	CritiqueLog []string           `json:"critique_log,omitempty"`
	Iterations  int                `json:"iterations"`
}
