package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vietddude/mender/internal/core/domain"
)

// Executor applies one recovery action to a candidate and returns the
// execution result payload. Externally visible side effects are not invoked
// here; they travel as outbox events.
type Executor interface {
	Execute(ctx context.Context, entry *domain.ActionCatalogEntry, c *domain.RecoveryCandidate) (string, error)
}

// TemplateExecutor renders the catalog entry's action template against the
// candidate and packages the rendered directive as the execution result.
type TemplateExecutor struct{}

// NewTemplateExecutor creates the default executor.
func NewTemplateExecutor() *TemplateExecutor {
	return &TemplateExecutor{}
}

type executionResult struct {
	Action    string `json:"action"`
	Directive string `json:"directive"`
	Candidate string `json:"candidate_id"`
	SourceRef string `json:"source_ref"`
}

// Execute renders the template. An empty template is an execution failure:
// the catalog entry was matched but cannot be applied.
func (e *TemplateExecutor) Execute(ctx context.Context, entry *domain.ActionCatalogEntry, c *domain.RecoveryCandidate) (string, error) {
	if entry.Template == "" {
		return "", fmt.Errorf("action %s has no template", entry.Code)
	}

	directive := strings.NewReplacer(
		"{candidate_id}", c.ID,
		"{source_ref}", c.SourceRef,
		"{signature}", c.Signature,
		"{occurrences}", fmt.Sprintf("%d", c.OccurrenceCount),
	).Replace(entry.Template)

	payload, err := json.Marshal(executionResult{
		Action:    entry.Code,
		Directive: directive,
		Candidate: c.ID,
		SourceRef: c.SourceRef,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode execution result: %w", err)
	}
	return string(payload), nil
}
