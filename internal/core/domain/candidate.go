package domain

import "time"

// DecisionState tracks the human/automation decision on a candidate.
type DecisionState string

const (
	DecisionPending  DecisionState = "pending"
	DecisionApproved DecisionState = "approved"
	DecisionRejected DecisionState = "rejected"
)

// ExecutionState tracks the execution lifecycle of a candidate.
// Transitions only move forward: pending -> executing -> terminal.
type ExecutionState string

const (
	ExecutionPending    ExecutionState = "pending"
	ExecutionExecuting  ExecutionState = "executing"
	ExecutionSucceeded  ExecutionState = "succeeded"
	ExecutionFailed     ExecutionState = "failed"
	ExecutionRolledBack ExecutionState = "rolled_back"
	ExecutionSkipped    ExecutionState = "skipped"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionRolledBack, ExecutionSkipped:
		return true
	}
	return false
}

// RecoveryCandidate is one deduplicated failure occurrence awaiting or having
// received a recovery recommendation. (SourceRef, Signature) — or the
// idempotency key when supplied — is unique; duplicates increment
// OccurrenceCount instead of creating a new row.
type RecoveryCandidate struct {
	ID              string         `json:"id"              db:"id"`
	SourceRef       string         `json:"source_ref"      db:"source_ref"`
	IdempotencyKey  string         `json:"idempotency_key" db:"idempotency_key"`
	RawSignature    string         `json:"raw_signature"   db:"raw_signature"`
	Signature       string         `json:"signature"       db:"signature"`
	OccurrenceCount int            `json:"occurrence_count" db:"occurrence_count"`
	Confidence      float64        `json:"confidence"      db:"confidence"`
	SuggestedAction string         `json:"suggested_action" db:"suggested_action"`
	SelectedAction  string         `json:"selected_action"  db:"selected_action"`
	Decision        DecisionState  `json:"decision"        db:"decision"`
	Execution       ExecutionState `json:"execution"       db:"execution"`
	ExecutedAt      *time.Time     `json:"executed_at,omitempty" db:"executed_at"`
	ExecutionResult string         `json:"execution_result" db:"execution_result"`
	CreatedAt       time.Time      `json:"created_at"      db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"      db:"updated_at"`
}

// DedupKey returns the uniqueness key for ingestion: the caller-supplied
// idempotency key when present, otherwise sourceRef + signature.
func (c *RecoveryCandidate) DedupKey() string {
	if c.IdempotencyKey != "" {
		return c.IdempotencyKey
	}
	return c.SourceRef + ":" + c.Signature
}
