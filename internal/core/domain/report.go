package domain

// FailureReport is the raw input to ingestion: what the execution platform
// observed, before normalization and dedup.
type FailureReport struct {
	SourceRef      string            `json:"source_ref"`
	ErrorCode      string            `json:"error_code"`
	ErrorCategory  string            `json:"error_category"`
	Skill          string            `json:"skill"`
	Message        string            `json:"message"`
	Context        map[string]string `json:"context"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Enqueue        bool              `json:"enqueue"`
}

// SuggestionInput is one immutable audit row describing a structured input
// consumed during an evaluation.
type SuggestionInput struct {
	ID          string  `json:"id"           db:"id"`
	CandidateID string  `json:"candidate_id" db:"candidate_id"`
	InputType   string  `json:"input_type"   db:"input_type"`
	RawValue    string  `json:"raw_value"    db:"raw_value"`
	Normalized  string  `json:"normalized"   db:"normalized"`
	Weight      float64 `json:"weight"       db:"weight"`
	Source      string  `json:"source"       db:"source"`
}
