package engine

// RuleKind tags one rule variant. Rules are a closed tagged union evaluated
// by a single dispatch function, not runtime plugins.
type RuleKind string

const (
	KindExact      RuleKind = "exact"
	KindPattern    RuleKind = "pattern"
	KindSkill      RuleKind = "skill"
	KindHistorical RuleKind = "historical"
	KindThreshold  RuleKind = "threshold"
	KindComposite  RuleKind = "composite"
)

// CompositeOp combines sub-rule outcomes.
type CompositeOp string

const (
	OpAnd CompositeOp = "and"
	OpOr  CompositeOp = "or"
)

// Rule is one recovery-matching rule. Which fields matter depends on Kind:
//   - exact: ErrorCode or ErrorCategory equality
//   - pattern: glob Pattern against error code, falling back to category
//   - skill: Skill equality (component-specific override)
//   - historical: like exact, but confidence is weighted by the action's
//     empirical success rate from the stats snapshot
//   - threshold: matches once OccurrenceCount >= MinOccurrences and forces
//     its escalation action over any non-threshold match
//   - composite: AND/OR over Subrules
type Rule struct {
	ID             string      `yaml:"id"`
	Kind           RuleKind    `yaml:"kind"`
	Action         string      `yaml:"action"`
	Priority       int         `yaml:"priority"`
	Confidence     float64     `yaml:"confidence"`
	ErrorCode      string      `yaml:"error_code,omitempty"`
	ErrorCategory  string      `yaml:"error_category,omitempty"`
	Pattern        string      `yaml:"pattern,omitempty"`
	Skill          string      `yaml:"skill,omitempty"`
	MinOccurrences int         `yaml:"min_occurrences,omitempty"`
	Op             CompositeOp `yaml:"op,omitempty"`
	Subrules       []Rule      `yaml:"subrules,omitempty"`
}

// RuleSet is the ordered, versioned rule list. Declaration order is the
// final deterministic tie-break.
type RuleSet struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() RuleSet {
	return RuleSet{
		Version: 1,
		Rules: []Rule{
			{
				ID: "timeout-retry", Kind: KindExact, Action: "retry_with_backoff",
				Priority: 80, Confidence: 0.75, ErrorCode: "TIMEOUT",
			},
			{
				ID: "rate-limit-retry", Kind: KindExact, Action: "retry_with_backoff",
				Priority: 80, Confidence: 0.8, ErrorCode: "RATE_LIMITED",
			},
			{
				ID: "net-transient", Kind: KindPattern, Action: "retry_with_backoff",
				Priority: 60, Confidence: 0.6, Pattern: "CONN_*",
			},
			{
				ID: "auth-rotate", Kind: KindPattern, Action: "rotate_credentials",
				Priority: 70, Confidence: 0.7, Pattern: "AUTH_*",
			},
			{
				ID: "http-skill-fallback", Kind: KindSkill, Action: "switch_endpoint",
				Priority: 50, Confidence: 0.55, Skill: "http_call",
			},
			{
				ID: "proven-retry", Kind: KindHistorical, Action: "retry_with_backoff",
				Priority: 40, Confidence: 0.9, ErrorCategory: "transient",
			},
			{
				ID: "repeat-escalate", Kind: KindThreshold, Action: "escalate_to_operator",
				Priority: 90, Confidence: 0.95, MinOccurrences: 5,
			},
		},
	}
}
