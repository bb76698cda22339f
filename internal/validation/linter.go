// Package validation checks diagram snapshots and API requests.
package validation

import (
	"github.com/rendis/flowsync/pkg/schema"
)

// Linter runs the diagram checks in order:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, edge endpoints, conditional expressions)
// 3. Graph (cycles, isolated nodes)
type Linter struct {
	structure *SnapshotValidator
	checker   ExpressionChecker
}

// NewLinter creates a Linter. checker may be nil to skip expression checks.
func NewLinter(checker ExpressionChecker) (*Linter, error) {
	sv, err := NewSnapshotValidator()
	if err != nil {
		return nil, err
	}
	return &Linter{structure: sv, checker: checker}, nil
}

// Lint returns every issue found in snap. Structural errors short-circuit
// the other stages.
func (l *Linter) Lint(snap schema.Snapshot) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := l.structure.ValidateSnapshot(snap); err != nil {
		addStructural(result, err)
		return result
	}

	result.Merge(validateSemantic(snap, l.checker))
	result.Merge(validateGraph(snap))
	return result
}

// CheckImport rejects snapshots that cannot be seeded into a document:
// structural violations and missing or duplicate record ids. Everything else
// is left to Lint.
func (l *Linter) CheckImport(snap schema.Snapshot) error {
	if err := l.structure.ValidateSnapshot(snap); err != nil {
		return err
	}
	ids := validateSemantic(snap, nil)
	ids.Warnings = nil
	return ids.ToError()
}

func addStructural(result *schema.ValidationResult, err error) {
	se, ok := err.(*schema.SyncError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return
	}
	result.AddError("/", schema.ErrCodeValidation, se.Message)
}
