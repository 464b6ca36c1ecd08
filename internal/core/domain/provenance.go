package domain

import "time"

// ProvenanceEventType enumerates what can happen to a candidate.
type ProvenanceEventType string

const (
	ProvCreated           ProvenanceEventType = "created"
	ProvDuplicateObserved ProvenanceEventType = "duplicate_observed"
	ProvRuleEvaluated     ProvenanceEventType = "rule_evaluated"
	ProvEvaluationSkipped ProvenanceEventType = "evaluation_skipped"
	ProvEvaluationFailed  ProvenanceEventType = "evaluation_failed"
	ProvApproved          ProvenanceEventType = "approved"
	ProvRejected          ProvenanceEventType = "rejected"
	ProvExecuted          ProvenanceEventType = "executed"
	ProvExecutionFailed   ProvenanceEventType = "execution_failed"
	ProvRolledBack        ProvenanceEventType = "rolled_back"
	ProvReplayed          ProvenanceEventType = "replayed"
)

// ActorType distinguishes who caused an event.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
)

// ProvenanceEvent is one append-only ledger entry. The full provenance of a
// candidate is the ordered sequence of its events; entries are write-once.
type ProvenanceEvent struct {
	ID               string              `json:"id"                db:"id"`
	CandidateID      string              `json:"candidate_id"      db:"candidate_id"`
	EventType        ProvenanceEventType `json:"event_type"        db:"event_type"`
	Actor            string              `json:"actor"             db:"actor"`
	ActorType        ActorType           `json:"actor_type"        db:"actor_type"`
	ConfidenceBefore float64             `json:"confidence_before" db:"confidence_before"`
	ConfidenceAfter  float64             `json:"confidence_after"  db:"confidence_after"`
	Detail           string              `json:"detail"            db:"detail"`
	Duration         time.Duration       `json:"duration"          db:"duration_ns"`
	CreatedAt        time.Time           `json:"created_at"        db:"created_at"`
}
