package models

import (
	"encoding/json"
	"fmt"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// BatchKind identifies what kind of candidates a curation batch holds.
type BatchKind string

const (
	BatchEntity    BatchKind = "entity"
	BatchRelation  BatchKind = "relation"
	BatchQuote     BatchKind = "quote"
	BatchConcept   BatchKind = "concept"
	BatchInboxMove BatchKind = "inbox_move"
)

// ItemStatus is the per-item review status. Pending transitions to exactly
// one of the three terminal statuses and is then immutable.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemAccepted ItemStatus = "accepted"
	ItemRejected ItemStatus = "rejected"
	ItemModified ItemStatus = "modified"
)

// IsTerminal reports whether the status ends the item's review.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemAccepted || s == ItemRejected || s == ItemModified
}

// CurationBatch is one set of candidate items from a single extraction call.
// StageKey is unique per job and guards against duplicate submission after a
// crash-retry.
type CurationBatch struct {
	ID         surrealmodels.RecordID `json:"id"`
	JobID      string                 `json:"job_id"`
	Kind       BatchKind              `json:"kind"`
	StageKey   string                 `json:"stage_key"`
	Created    time.Time              `json:"created"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

// CurationItem is one candidate object inside a batch. The payload is opaque
// to the curation layer. ResolvedPayload carries human edits when the status
// is modified; Note carries free-form reviewer rationale.
type CurationItem struct {
	ID              surrealmodels.RecordID `json:"id"`
	BatchID         string                 `json:"batch_id"`
	Status          ItemStatus             `json:"status"`
	Payload         json.RawMessage        `json:"payload"`
	ResolvedPayload json.RawMessage        `json:"resolved_payload,omitempty"`
	Note            *string                `json:"note,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
}

// EffectivePayload returns the reviewer-edited payload for modified items and
// the original payload otherwise.
func (i CurationItem) EffectivePayload() json.RawMessage {
	if i.Status == ItemModified && len(i.ResolvedPayload) > 0 {
		return i.ResolvedPayload
	}
	return i.Payload
}

// DecodePayload unmarshals a curation payload into a typed candidate.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// EncodePayload marshals a typed candidate into a curation payload.
func EncodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
