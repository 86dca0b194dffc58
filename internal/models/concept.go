package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RelationType is one of the nine supported typed edges between concepts.
type RelationType string

const (
	// Asymmetric pairs. Creating A->t->B also creates B->reverse(t)->A.
	RelGeneralizes RelationType = "generalizes"
	RelSpecializes RelationType = "specializes"
	RelCauses      RelationType = "causes"
	RelCausedBy    RelationType = "caused_by"
	RelBuildsOn    RelationType = "builds_on"
	RelRefinedBy   RelationType = "refined_by"

	// Symmetric types. Creating A->t->B also creates B->t->A.
	RelContrastsWith RelationType = "contrasts_with"
	RelComplements   RelationType = "complements"
	RelRelatesTo     RelationType = "relates_to"
)

var reverseTypes = map[RelationType]RelationType{
	RelGeneralizes:   RelSpecializes,
	RelSpecializes:   RelGeneralizes,
	RelCauses:        RelCausedBy,
	RelCausedBy:      RelCauses,
	RelBuildsOn:      RelRefinedBy,
	RelRefinedBy:     RelBuildsOn,
	RelContrastsWith: RelContrastsWith,
	RelComplements:   RelComplements,
	RelRelatesTo:     RelRelatesTo,
}

// RelationTypes lists all supported relation types.
func RelationTypes() []RelationType {
	return []RelationType{
		RelGeneralizes, RelSpecializes,
		RelCauses, RelCausedBy,
		RelBuildsOn, RelRefinedBy,
		RelContrastsWith, RelComplements, RelRelatesTo,
	}
}

// RelationTypeNames lists all supported relation types as strings, for prompt
// assembly.
func RelationTypeNames() []string {
	types := RelationTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// ReverseType returns the type of the mirrored edge for t, and whether t is a
// known relation type.
func ReverseType(t RelationType) (RelationType, bool) {
	r, ok := reverseTypes[t]
	return r, ok
}

// IsSymmetric reports whether the mirrored edge carries the same type.
func IsSymmetric(t RelationType) bool {
	return reverseTypes[t] == t
}

// Concept is an atomic idea node in the knowledge graph.
type Concept struct {
	ID        surrealmodels.RecordID `json:"id"`
	Name      string                 `json:"name"`
	Summary   string                 `json:"summary"`
	Embedding []float32              `json:"embedding,omitempty"`
	Created   time.Time              `json:"created"`
}

// ScoredConcept is a similarity-search hit.
type ScoredConcept struct {
	Concept
	Score float64 `json:"score"`
}

// Entity is a named thing (person, project, service...) in the graph.
type Entity struct {
	ID          surrealmodels.RecordID `json:"id"`
	Name        string                 `json:"name"`
	EntityType  string                 `json:"entity_type"`
	Description string                 `json:"description,omitempty"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Created     time.Time              `json:"created"`
}

// Quote is a source quote node; supports-edges attribute it to concepts.
type Quote struct {
	ID      surrealmodels.RecordID `json:"id"`
	Text    string                 `json:"text"`
	Source  *string                `json:"source,omitempty"`
	Created time.Time              `json:"created"`
}

// ConceptRelation is a persisted typed edge between two concept nodes.
type ConceptRelation struct {
	ID          surrealmodels.RecordID `json:"id"`
	In          surrealmodels.RecordID `json:"in"`
	Out         surrealmodels.RecordID `json:"out"`
	RelType     RelationType           `json:"rel_type"`
	Explanation string                 `json:"explanation,omitempty"`
	Created     time.Time              `json:"created"`
}
