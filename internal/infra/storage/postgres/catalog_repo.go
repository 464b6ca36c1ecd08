package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vietddude/mender/internal/core/domain"
)

// CatalogRepo implements storage.CatalogRepository using PostgreSQL.
type CatalogRepo struct {
	db *DB
}

// NewCatalogRepo creates a new PostgreSQL action catalog repository.
func NewCatalogRepo(db *DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

type catalogRow struct {
	domain.ActionCatalogEntry
	ErrorPatternsCSV string `db:"error_patterns"`
	SkillsCSV        string `db:"skills"`
}

func (row *catalogRow) entry() *domain.ActionCatalogEntry {
	e := row.ActionCatalogEntry
	if row.ErrorPatternsCSV != "" {
		e.ErrorPatterns = strings.Split(row.ErrorPatternsCSV, ",")
	}
	if row.SkillsCSV != "" {
		e.Skills = strings.Split(row.SkillsCSV, ",")
	}
	return &e
}

const catalogColumns = `code, name, category, template, error_patterns, skills,
	success_rate, application_count, auto_eligible, requires_approval,
	priority, active, version, created_at`

// List returns active catalog entries, optionally filtered by category.
func (r *CatalogRepo) List(ctx context.Context, category string) ([]*domain.ActionCatalogEntry, error) {
	query := `SELECT ` + catalogColumns + ` FROM action_catalog WHERE active = TRUE`
	args := []any{}
	if category != "" {
		query += ` AND category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY priority DESC, code ASC`

	var rows []catalogRow
	if err := r.db.X.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	out := make([]*domain.ActionCatalogEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].entry())
	}
	return out, nil
}

// GetByCode retrieves one entry.
func (r *CatalogRepo) GetByCode(ctx context.Context, code string) (*domain.ActionCatalogEntry, error) {
	query := `SELECT ` + catalogColumns + ` FROM action_catalog WHERE code = $1`
	var row catalogRow
	err := r.db.X.GetContext(ctx, &row, query, code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog entry: %w", err)
	}
	return row.entry(), nil
}

// RecordOutcome folds one execution outcome into the aggregates with a single
// conditional update, never read-modify-write in application code.
func (r *CatalogRepo) RecordOutcome(ctx context.Context, code string, succeeded bool) error {
	query := `
		UPDATE action_catalog
		SET application_count = application_count + 1,
		    success_rate = (success_rate * application_count + $2) / (application_count + 1)
		WHERE code = $1
	`
	win := 0.0
	if succeeded {
		win = 1.0
	}
	_, err := r.db.ExecContext(ctx, query, code, win)
	return err
}

// RefreshStats recomputes aggregates from terminal candidates. Run by the
// leader-elected stats-refresh job.
func (r *CatalogRepo) RefreshStats(ctx context.Context) error {
	query := `
		UPDATE action_catalog ac
		SET application_count = agg.total,
		    success_rate = agg.wins::float / agg.total
		FROM (
			SELECT selected_action AS code,
			       COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE execution = 'succeeded') AS wins
			FROM recovery_candidates
			WHERE execution IN ('succeeded', 'failed', 'rolled_back')
			  AND selected_action <> ''
			GROUP BY selected_action
		) agg
		WHERE ac.code = agg.code
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to refresh catalog stats: %w", err)
	}
	return nil
}
