// Package models defines data structures for the Distill extraction pipeline.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// JobKind identifies which pipeline a job runs through.
type JobKind string

const (
	KindJournal        JobKind = "journal"
	KindQuoteParse     JobKind = "quote_parse"
	KindConceptExtract JobKind = "concept_extract"
	KindInboxClassify  JobKind = "inbox_classify"
)

// Stage is a position in a job's fixed stage sequence.
type Stage string

const (
	StageSubmitted Stage = "submitted"

	StageEntityExtraction     Stage = "entity_extraction"
	StageEntityCurationSubmit Stage = "entity_curation_submit"
	StageEntityCurationWait   Stage = "entity_curation_wait"

	StageRelationExtraction     Stage = "relation_extraction"
	StageRelationCurationSubmit Stage = "relation_curation_submit"
	StageRelationCurationWait   Stage = "relation_curation_wait"

	StageQuoteExtraction     Stage = "quote_extraction"
	StageQuoteCurationSubmit Stage = "quote_curation_submit"
	StageQuoteCurationWait   Stage = "quote_curation_wait"

	StageConceptRefinement     Stage = "concept_refinement"
	StageConceptCurationSubmit Stage = "concept_curation_submit"
	StageConceptCurationWait   Stage = "concept_curation_wait"

	StageInboxScan           Stage = "inbox_scan"
	StageInboxCurationSubmit Stage = "inbox_curation_submit"
	StageInboxCurationWait   Stage = "inbox_curation_wait"

	StageGraphWrite Stage = "graph_write"

	// Terminal stages. Completed is the only successful one.
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageTimedOut  Stage = "timed_out"
	StageAborted   Stage = "aborted"
	StageCancelled Stage = "cancelled"
)

// IsTerminal reports whether the stage ends the job.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageTimedOut, StageAborted, StageCancelled:
		return true
	}
	return false
}

// stageSequences holds the fixed per-kind stage order. A job only ever moves
// forward through its sequence; the single sanctioned loop is
// concept_curation_wait -> concept_refinement when a reviewer asks for
// another revision round.
var stageSequences = map[JobKind][]Stage{
	KindJournal: {
		StageSubmitted,
		StageEntityExtraction, StageEntityCurationSubmit, StageEntityCurationWait,
		StageRelationExtraction, StageRelationCurationSubmit, StageRelationCurationWait,
		StageGraphWrite, StageCompleted,
	},
	KindQuoteParse: {
		StageSubmitted,
		StageQuoteExtraction, StageQuoteCurationSubmit, StageQuoteCurationWait,
		StageGraphWrite, StageCompleted,
	},
	KindConceptExtract: {
		StageSubmitted,
		StageConceptRefinement, StageConceptCurationSubmit, StageConceptCurationWait,
		StageGraphWrite, StageCompleted,
	},
	KindInboxClassify: {
		StageSubmitted,
		StageInboxScan, StageInboxCurationSubmit, StageInboxCurationWait,
		StageGraphWrite, StageCompleted,
	},
}

// StageSequence returns the ordered stage list for a job kind.
func StageSequence(kind JobKind) []Stage {
	return stageSequences[kind]
}

// NextStage returns the stage that follows the given one in the kind's
// sequence, or "" if the stage is terminal or unknown for that kind.
func NextStage(kind JobKind, s Stage) Stage {
	seq := stageSequences[kind]
	for i, stage := range seq {
		if stage == s && i+1 < len(seq) {
			return seq[i+1]
		}
	}
	return ""
}

// Job is one run of the pipeline for one content unit. Only the workflow
// engine mutates it; it is retained after completion for audit.
type Job struct {
	ID              surrealmodels.RecordID `json:"id"`
	Kind            JobKind                `json:"kind"`
	Stage           Stage                  `json:"stage"`
	SourceID        string                 `json:"source_id"`
	StageData       map[string]any         `json:"stage_data,omitempty"`
	Phase1Iters     int                    `json:"phase1_iters"`
	Phase2Iters     int                    `json:"phase2_iters"`
	CancelRequested bool                   `json:"cancel_requested"`
	Terminal        bool                   `json:"terminal"`
	FailureCause    *string                `json:"failure_cause,omitempty"`
	FailureStage    *Stage                 `json:"failure_stage,omitempty"`
	Created         time.Time              `json:"created"`
	Updated         time.Time              `json:"updated"`
}

// SourceDoc is a unit of submitted source text awaiting (or past) extraction.
type SourceDoc struct {
	ID        surrealmodels.RecordID `json:"id"`
	Kind      JobKind                `json:"kind"`
	Content   string                 `json:"content"`
	Title     *string                `json:"title,omitempty"`
	Processed bool                   `json:"processed"`
	Created   time.Time              `json:"created"`
}

// EventKind classifies notification feed entries.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow_started"
	EventCurationPending   EventKind = "curation_pending"
	EventWorkflowCompleted EventKind = "workflow_completed"
)

// Event is one best-effort notification feed entry.
type Event struct {
	ID      surrealmodels.RecordID `json:"id"`
	Kind    EventKind              `json:"kind"`
	JobID   string                 `json:"job_id"`
	Detail  *string                `json:"detail,omitempty"`
	Created time.Time              `json:"created"`
}
