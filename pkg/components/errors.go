package components

import "fmt"

// CycleError reports a dependency cycle in the Transform capability graph. The
// space refuses to start with a cyclic Transform set rather than guessing an
// order.
type CycleError struct {
	Cycle []string // transform names, in cycle order
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("components: transform dependency cycle: %v", e.Cycle)
}

// MissingProviderError reports a Transform requiring a capability no registered
// Transform provides. Suggestion names the closest registered capability by
// edit distance, when one is available, to help diagnose a typo'd capability
// name.
type MissingProviderError struct {
	Transform  string
	Capability string
	Suggestion string
}

func (e *MissingProviderError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("components: transform %q requires capability %q, provided by nothing registered (did you mean %q?)",
			e.Transform, e.Capability, e.Suggestion)
	}
	return fmt.Sprintf("components: transform %q requires capability %q, provided by nothing registered",
		e.Transform, e.Capability)
}

// AmbiguousProviderError reports two Transforms claiming the same capability,
// which makes the ordering graph's edges ill-defined.
type AmbiguousProviderError struct {
	Capability string
	Providers  []string
}

func (e *AmbiguousProviderError) Error() string {
	return fmt.Sprintf("components: capability %q is provided by more than one transform: %v", e.Capability, e.Providers)
}
