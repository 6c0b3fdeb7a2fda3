package schema

import (
	"fmt"
	"strings"
)

// Severity of a definition issue. Only errors block a deploy.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// maxListedIssues caps how many errors are spelled out in the error message.
const maxListedIssues = 3

// Issue is one problem found in a process definition. Path points into the
// definition, e.g. "activities[approve].assignee".
type Issue struct {
	Path     string   `json:"path"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every definition check.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid reports whether no check produced an error.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other; nil is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns a VALIDATION_ERROR naming the first few errors, or nil
// when the definition is valid. Warnings only travel in the details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	listed := r.Errors
	if len(listed) > maxListedIssues {
		listed = listed[:maxListedIssues]
	}
	parts := make([]string, len(listed))
	for i, issue := range listed {
		parts[i] = issue.String()
	}
	msg := strings.Join(parts, "; ")
	if rest := len(r.Errors) - len(listed); rest > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, rest)
	}

	return NewError(ErrCodeValidation, "invalid process definition: "+msg).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
