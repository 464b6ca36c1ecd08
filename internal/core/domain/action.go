package domain

import "time"

// ActionCatalogEntry describes one recovery action template and its
// empirical track record. SuccessRate and ApplicationCount are the only
// mutable fields; the template itself is append/version-only.
type ActionCatalogEntry struct {
	Code             string    `json:"code"              db:"code"`
	Name             string    `json:"name"              db:"name"`
	Category         string    `json:"category"          db:"category"`
	Template         string    `json:"template"          db:"template"`
	ErrorPatterns    []string  `json:"error_patterns"    db:"-"`
	Skills           []string  `json:"skills"            db:"-"`
	SuccessRate      float64   `json:"success_rate"      db:"success_rate"`
	ApplicationCount int       `json:"application_count" db:"application_count"`
	AutoEligible     bool      `json:"auto_eligible"     db:"auto_eligible"`
	RequiresApproval bool      `json:"requires_approval" db:"requires_approval"`
	Priority         int       `json:"priority"          db:"priority"`
	Active           bool      `json:"active"            db:"active"`
	Version          int       `json:"version"           db:"version"`
	CreatedAt        time.Time `json:"created_at"        db:"created_at"`
}

// ActionStats is the historical aggregate snapshot handed to the rule engine,
// keyed by action code.
type ActionStats struct {
	SuccessRate      float64
	ApplicationCount int
}
