// Package veil implements the VEIL facet and delta data model: the
// authoritative, versioned view of a connectome space's state. Facets are
// modeled as a closed tagged variant plus explicit aspect predicates rather
// than an inheritance hierarchy.
package veil

import "fmt"

// Kind identifies a facet's variant. The set is intentionally closed: adding a
// Kind is a versioned change to the wire format.
type Kind string

const (
	KindEvent             Kind = "event"
	KindState             Kind = "state"
	KindStateChange       Kind = "state-change"
	KindAmbient           Kind = "ambient"
	KindSpeech            Kind = "speech"
	KindThought           Kind = "thought"
	KindAction            Kind = "action"
	KindTool              Kind = "tool"
	KindDefineAction      Kind = "defineAction"
	KindAgentActivation   Kind = "agent-activation"
	KindRenderedContext   Kind = "rendered-context"
	KindComponentState    Kind = "component-state"
	KindContinuation      Kind = "continuation:complete"
	KindCompressionPlan   Kind = "compression-plan"
	KindCompressionResult Kind = "compression-result"
)

// Facet is the atomic unit of observable state: a tagged variant with a stable
// id and a set of aspect mixins. Only the fields relevant to a facet's Kind are
// populated; aspect predicates below are how callers discover which fields
// apply instead of type-asserting a concrete struct.
type Facet struct {
	ID   string
	Kind Kind

	// Identity / routing aspects.
	StreamID    string
	Scope       []string
	DisplayName string
	Children    []string // facet ids, never structural pointers

	// hasContentAspect
	Content string

	// hasStateAspect (state facets only)
	State               map[string]any
	TransitionRenderers map[string]string

	// state-change facets
	TargetFacetIDs []string
	Changes        map[string]any

	// hasAgentGeneratedAspect (speech/thought/action)
	AgentID    string
	ToolName   string
	Parameters map[string]any

	// tool / defineAction facets
	Definition map[string]any

	// agent-activation facets
	ActivationSource  string
	ActivationReason  string
	ActivationPrio    int
	TargetAgentID     string
	ActivationStreamRef string

	// rendered-context facets
	ActivationID string
	Messages     []RenderedMessage
	TokenCount   int

	// component-state facets
	ComponentID string
	ElementID   string

	// continuation:complete facets
	Success       bool
	Result        any
	Continuations []string

	// compression-plan / compression-result facets
	Engine      string
	Ranges      []FrameRange
	Summary     string
	StateDelta  *StateDelta

	// hasEphemeralAspect: the facet is dropped after the frame that produced it
	// (or the frame where it is last needed), never persisted.
	Ephemeral bool
}

// FrameRange is an inclusive [From, To] span of frame sequence numbers.
type FrameRange struct {
	From uint64
	To   uint64
}

// hasContentAspect reports whether f carries renderable content.
func (f *Facet) hasContentAspect() bool {
	switch f.Kind {
	case KindEvent, KindState, KindAmbient, KindSpeech, KindThought, KindAction:
		return true
	default:
		return f.Content != ""
	}
}

// HasContentAspect reports whether f carries renderable content.
func HasContentAspect(f *Facet) bool { return f.hasContentAspect() }

// HasStateAspect reports whether f carries a durable state map.
func HasStateAspect(f *Facet) bool { return f.Kind == KindState }

// HasStreamAspect reports whether f is tagged with a communication stream.
func HasStreamAspect(f *Facet) bool { return f.StreamID != "" }

// HasAgentGeneratedAspect reports whether f was produced by an agent turn.
func HasAgentGeneratedAspect(f *Facet) bool {
	switch f.Kind {
	case KindSpeech, KindThought, KindAction:
		return true
	default:
		return false
	}
}

// HasEphemeralAspect reports whether f must not survive past the frame (or
// frames) that need it.
func HasEphemeralAspect(f *Facet) bool { return f.Ephemeral }

// Clone returns a deep-enough copy of f for safe storage in history: maps and
// slices are copied so later mutation of the caller's facet cannot corrupt
// recorded state.
func (f *Facet) Clone() *Facet {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Scope = cloneStrings(f.Scope)
	cp.Children = cloneStrings(f.Children)
	cp.State = cloneAnyMap(f.State)
	cp.TransitionRenderers = cloneStringMap(f.TransitionRenderers)
	cp.TargetFacetIDs = cloneStrings(f.TargetFacetIDs)
	cp.Changes = cloneAnyMap(f.Changes)
	cp.Parameters = cloneAnyMap(f.Parameters)
	cp.Definition = cloneAnyMap(f.Definition)
	cp.Continuations = cloneStrings(f.Continuations)
	if f.Messages != nil {
		cp.Messages = append([]RenderedMessage(nil), f.Messages...)
	}
	if f.Ranges != nil {
		cp.Ranges = append([]FrameRange(nil), f.Ranges...)
	}
	if f.StateDelta != nil {
		sd := f.StateDelta.Clone()
		cp.StateDelta = &sd
	}
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StructurallyEqual reports whether two facets with the same id are
// interchangeable, per the "re-adding an id is a no-op if structurally equal"
// invariant. Comparison is by value on the fields that matter for rendering and
// state, not a byte-for-byte match of every pointer field.
func (f *Facet) StructurallyEqual(other *Facet) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.ID != other.ID || f.Kind != other.Kind || f.Content != other.Content {
		return false
	}
	if f.StreamID != other.StreamID || f.DisplayName != other.DisplayName {
		return false
	}
	if !stringSliceEqual(f.Scope, other.Scope) || !stringSliceEqual(f.Children, other.Children) {
		return false
	}
	if !anyMapEqual(f.State, other.State) || !anyMapEqual(f.Changes, other.Changes) {
		return false
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func anyMapEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmtVal(v) != fmtVal(bv) {
			return false
		}
	}
	return true
}

// fmtVal renders v deterministically for structural-equality comparisons. fmt's
// %v verb sorts map keys (since Go 1.12), so this is stable across calls for
// the plain-old-data values facets carry.
func fmtVal(v any) string {
	return fmt.Sprintf("%v", v)
}
