package engine

import (
	"fmt"
	"path"

	"github.com/vietddude/mender/internal/core/domain"
)

// Input is everything an evaluation may read. The engine performs no I/O;
// catalog and historical aggregates arrive as snapshots.
type Input struct {
	ErrorCode       string
	ErrorCategory   string
	Skill           string
	Context         map[string]string
	OccurrenceCount int
	Stats           map[string]domain.ActionStats
}

// TraceEntry records one rule evaluation for provenance.
type TraceEntry struct {
	RuleID     string  `json:"rule_id"`
	Matched    bool    `json:"matched"`
	Action     string  `json:"action,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result is the evaluation outcome. Action is empty when no rule matched;
// callers leave the candidate pending rather than guessing a default.
type Result struct {
	Action     string
	Confidence float64
	Trace      []TraceEntry
}

// Engine evaluates a rule set. Identical inputs always produce identical
// output, which is what makes replay and audit possible.
type Engine struct {
	rules RuleSet
}

// New creates an engine over a rule set.
func New(rules RuleSet) *Engine {
	return &Engine{rules: rules}
}

type match struct {
	rule       *Rule
	order      int
	confidence float64
	escalation bool
}

// Evaluate runs every rule in declaration order and picks the winner.
// Threshold escalations outrank everything else; otherwise highest priority
// wins, then highest confidence, then declaration order.
func (e *Engine) Evaluate(in Input) Result {
	res := Result{Trace: make([]TraceEntry, 0, len(e.rules.Rules))}

	var matches []match
	for i := range e.rules.Rules {
		rule := &e.rules.Rules[i]
		ok, conf := e.matches(rule, in)
		entry := TraceEntry{RuleID: rule.ID, Matched: ok}
		if ok {
			entry.Action = rule.Action
			entry.Confidence = conf
			matches = append(matches, match{
				rule:       rule,
				order:      i,
				confidence: conf,
				escalation: rule.Kind == KindThreshold,
			})
		}
		res.Trace = append(res.Trace, entry)
	}

	if len(matches) == 0 {
		return res
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if betterThan(m, best) {
			best = m
		}
	}

	res.Action = best.rule.Action
	res.Confidence = aggregate(matches, best.rule.Action)
	return res
}

func betterThan(a, b match) bool {
	if a.escalation != b.escalation {
		return a.escalation
	}
	if a.rule.Priority != b.rule.Priority {
		return a.rule.Priority > b.rule.Priority
	}
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	return a.order < b.order
}

// aggregate combines the contributions of every matching rule that recommends
// the winning action: 1 - prod(1 - c_i), clamped to [0,1].
func aggregate(matches []match, action string) float64 {
	miss := 1.0
	for _, m := range matches {
		if m.rule.Action != action {
			continue
		}
		miss *= 1 - m.confidence
	}
	conf := 1 - miss
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func (e *Engine) matches(r *Rule, in Input) (bool, float64) {
	switch r.Kind {
	case KindExact:
		if r.ErrorCode != "" && r.ErrorCode == in.ErrorCode {
			return true, r.Confidence
		}
		if r.ErrorCategory != "" && r.ErrorCategory == in.ErrorCategory {
			return true, r.Confidence
		}
		return false, 0

	case KindPattern:
		if globMatch(r.Pattern, in.ErrorCode) || globMatch(r.Pattern, in.ErrorCategory) {
			return true, r.Confidence
		}
		return false, 0

	case KindSkill:
		if r.Skill != "" && r.Skill == in.Skill {
			return true, r.Confidence
		}
		return false, 0

	case KindHistorical:
		hit := (r.ErrorCode != "" && r.ErrorCode == in.ErrorCode) ||
			(r.ErrorCategory != "" && r.ErrorCategory == in.ErrorCategory)
		if !hit {
			return false, 0
		}
		stats, ok := in.Stats[r.Action]
		if !ok || stats.ApplicationCount == 0 {
			return false, 0
		}
		return true, r.Confidence * stats.SuccessRate

	case KindThreshold:
		if r.MinOccurrences > 0 && in.OccurrenceCount >= r.MinOccurrences {
			return true, r.Confidence
		}
		return false, 0

	case KindComposite:
		return e.composite(r, in)
	}
	return false, 0
}

func (e *Engine) composite(r *Rule, in Input) (bool, float64) {
	if len(r.Subrules) == 0 {
		return false, 0
	}
	conf := r.Confidence
	anyHit := false
	for i := range r.Subrules {
		ok, _ := e.matches(&r.Subrules[i], in)
		switch r.Op {
		case OpAnd:
			if !ok {
				return false, 0
			}
		default: // or
			if ok {
				anyHit = true
			}
		}
	}
	if r.Op == OpAnd {
		return true, conf
	}
	return anyHit, conf
}

// globMatch wraps path.Match; an invalid pattern never matches.
func globMatch(pattern, s string) bool {
	if pattern == "" || s == "" {
		return false
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// InputFromCandidate builds an evaluation input from a stored candidate and
// a failure report context.
func InputFromCandidate(c *domain.RecoveryCandidate, report *domain.FailureReport, stats map[string]domain.ActionStats) Input {
	in := Input{
		OccurrenceCount: c.OccurrenceCount,
		Stats:           stats,
	}
	if report != nil {
		in.ErrorCode = report.ErrorCode
		in.ErrorCategory = report.ErrorCategory
		in.Skill = report.Skill
		in.Context = report.Context
	}
	return in
}

// TraceString renders the trace compactly for provenance detail fields.
func TraceString(trace []TraceEntry) string {
	s := ""
	for _, t := range trace {
		mark := "-"
		if t.Matched {
			mark = "+"
		}
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("%s%s", mark, t.RuleID)
	}
	return s
}
