package veil

import "fmt"

// The error taxonomy: validation errors are recoverable and carry enough
// context for the scheduler to drop the offending operation and enqueue a
// diagnostic; invariant violations are bugs that should trip the scheduler's
// safe mode. Callers branch on category with errors.As, not string matching.

// ValidationError reports a recoverable, droppable problem with a single delta
// or event: an unknown facet id on rewrite/remove, a dangling state-change
// target, or a malformed payload.
type ValidationError struct {
	Op     string // "rewriteFacet", "removeFacet", "state-change",...
	FacetID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.FacetID != "" {
		return fmt.Sprintf("veil: %s on %q: %s", e.Op, e.FacetID, e.Reason)
	}
	return fmt.Sprintf("veil: %s: %s", e.Op, e.Reason)
}

// InvariantError reports a bug: a sequence gap, a duplicate id after a
// structural conflict, or anything else that should never happen if the rest of
// the system is behaving. The scheduler treats this as fatal for the affected
// operation and enters safe mode.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("veil: invariant violated: %s", e.Reason)
}

// ConflictError reports re-adding a facet id whose existing value is not
// structurally equal to the new one.
type ConflictError struct {
	FacetID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("veil: facet %q already exists with different content", e.FacetID)
}
