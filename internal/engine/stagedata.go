package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jfellner/distill/internal/curation"
	"github.com/jfellner/distill/internal/models"
)

// Stage data keys. Candidate lists and structured values are stored as JSON
// strings so they round-trip through the database untouched; batch keys hold
// plain batch ids.
const (
	keyEntities  = "entities_json"
	keyRelations = "relations_json"
	keyQuotes    = "quotes_json"
	keyMoves     = "moves_json"
	keyProposal  = "proposal_json"
	keyFeedback  = "feedback_json"

	keyEntityBatch   = "entity_batch"
	keyRelationBatch = "relation_batch"
	keyQuoteBatch    = "quote_batch"
	keyConceptBatch  = "concept_batch"
	keyInboxBatch    = "inbox_batch"
)

// stageKey builds the idempotency key for a batch submission. Concept batches
// carry the review round so each revision opens a fresh batch; every other
// stage submits exactly once per job.
func stageKey(job *models.Job) string {
	if job.Stage == models.StageConceptCurationSubmit {
		return fmt.Sprintf("%s/%d", job.Stage, job.Phase2Iters)
	}
	return string(job.Stage)
}

// stageDataString reads a required string value from the job's stage data.
func stageDataString(job *models.Job, key string) (string, error) {
	v, ok := job.StageData[key]
	if !ok {
		return "", fmt.Errorf("job %s: stage data missing %q", models.MustRecordIDString(job.ID), key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("job %s: stage data %q is %T, want string", models.MustRecordIDString(job.ID), key, v)
	}
	return s, nil
}

// decodeStageJSON decodes a required JSON-encoded stage data value.
func decodeStageJSON(job *models.Job, key string, out any) error {
	s, err := stageDataString(job, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("job %s: decode stage data %q: %w", models.MustRecordIDString(job.ID), key, err)
	}
	return nil
}

// stageDataJSON decodes an optional JSON-encoded stage data value, returning
// the zero value when the key is absent.
func stageDataJSON[T any](job *models.Job, key string) (T, error) {
	var v T
	if _, ok := job.StageData[key]; !ok {
		return v, nil
	}
	if err := decodeStageJSON(job, key, &v); err != nil {
		return v, err
	}
	return v, nil
}

// advanceWithJSON stores one JSON-encoded value in stage data and advances.
func (e *Engine) advanceWithJSON(ctx context.Context, job *models.Job, key string, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode stage data %q: %w", key, err)
	}
	return e.advance(ctx, job, map[string]any{key: string(encoded)})
}

// approvedFromBatch loads a batch's accepted and modified items and decodes
// their effective payloads. Rejected items simply vanish from the result.
func approvedFromBatch[T any](ctx context.Context, gate curation.Store, job *models.Job, batchKey string) ([]T, error) {
	batchID, err := stageDataString(job, batchKey)
	if err != nil {
		return nil, err
	}
	items, err := gate.Items(ctx, batchID)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(items))
	for _, item := range items {
		if item.Status != models.ItemAccepted && item.Status != models.ItemModified {
			continue
		}
		v, err := models.DecodePayload[T](item.EffectivePayload())
		if err != nil {
			return nil, fmt.Errorf("batch %s item %s: %w", batchID, models.MustRecordIDString(item.ID), err)
		}
		out = append(out, v)
	}
	return out, nil
}
