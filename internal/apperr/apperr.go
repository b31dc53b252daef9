// Package apperr defines the error kinds surfaced by the stagegate core.
// Callers decide whether to retry; the core never swallows these.
package apperr

import "fmt"

// ValidationError indicates malformed or invariant-violating input.
type ValidationError struct {
	Field    string
	Expected string
	Actual   string
	Message  string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// NotFoundError indicates a referenced entity is absent.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// PolicyViolation indicates a ladder transition is disallowed. The unmet
// condition is always carried so the caller can self-correct.
type PolicyViolation struct {
	Stage     string
	Condition string
	Message   string
}

func (e PolicyViolation) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("policy violation at stage %s: %s", e.Stage, e.Message)
	}
	return "policy violation: " + e.Message
}

// ConflictError indicates a concurrent idempotency race was lost.
type ConflictError struct {
	KeyHash string
}

func (e ConflictError) Error() string {
	return "concurrent duplicate request in flight"
}

// WorkerError wraps a failure raised during job execution.
type WorkerError struct {
	JobType string
	Err     error
}

func (e WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.JobType, e.Err)
}

func (e WorkerError) Unwrap() error { return e.Err }
