package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a diagram, located by a path
// such as nodes[2].data.expression or edges[0].target.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of a lint pass. Errors make a diagram
// unusable; warnings describe states collaborators may pass through, such as
// a dangling edge while a peer's delete is in flight.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.add(SeverityError, path, code, message)
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(SeverityWarning, path, code, message)
}

func (r *ValidationResult) add(sev ValidationSeverity, path, code, message string) {
	issue := ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
	if sev == SeverityError {
		r.Errors = append(r.Errors, issue)
	} else {
		r.Warnings = append(r.Warnings, issue)
	}
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil when r is valid, otherwise a validation error naming the
// first problem. Every issue travels in the details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	msg := fmt.Sprintf("%s: %s", first.Path, first.Message)
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"issue_code": first.Code,
		"errors":     r.Errors,
		"warnings":   r.Warnings,
	})
}
