// Package components defines the five component interfaces a space wires into
// its frame scheduler: Modulators, Receptors, Transforms, Effectors, and
// Maintainers. Each interface is a pure read-view-in, deltas-out contract; the
// scheduler owns all mutation through veil.State.ApplyDeltas, so components
// receive a narrow capability object instead of the mutable store itself.
package components

import (
	"context"
	"fmt"

	"github.com/anima-research/connectome/pkg/veil"
)

// FacetFilter narrows the facets a component cares about by type, aspect,
// and attribute, used by the scheduler to decide which subset of a frame's
// change set each Effector receives.
type FacetFilter struct {
	Kinds   []veil.Kind
	Streams []string
	// Aspect, when non-nil, must hold for the facet; pass one of veil's
	// aspect predicates (veil.HasContentAspect, veil.HasStateAspect, ...).
	Aspect func(*veil.Facet) bool
	// Attributes narrows to facets whose State map carries every listed
	// key with an equal value.
	Attributes map[string]any
}

// Matches reports whether f satisfies the filter. An empty filter matches
// everything.
func (ff FacetFilter) Matches(f *veil.Facet) bool {
	if len(ff.Kinds) > 0 {
		ok := false
		for _, k := range ff.Kinds {
			if f.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(ff.Streams) > 0 {
		ok := false
		for _, s := range ff.Streams {
			if f.StreamID == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if ff.Aspect != nil && !ff.Aspect(f) {
		return false
	}
	for k, want := range ff.Attributes {
		got, ok := f.State[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// FilterChangeSet returns the subset of cs matching ff, preserving order.
// Removed ids have no Facet to test, so they pass through unfiltered by
// Kind/Stream; an Effector whose Filter cares about kind should ignore Removed
// ids it doesn't recognize.
func (ff FacetFilter) FilterChangeSet(cs ChangeSet) ChangeSet {
	out := ChangeSet{Removed: cs.Removed}
	for _, f := range cs.Added {
		if ff.Matches(f) {
			out.Added = append(out.Added, f)
		}
	}
	for _, f := range cs.Changed {
		if ff.Matches(f) {
			out.Changed = append(out.Changed, f)
		}
	}
	return out
}

// Modulator runs in Phase 0: it decides, from the current read-only state and
// the raw external events pending this frame, which events actually get
// admitted and in what order. A Modulator never produces deltas; it only
// filters/reorders events.
type Modulator interface {
	Name() string
	Modulate(ctx context.Context, view veil.ReadOnlyView, events []veil.SpaceEvent) ([]veil.SpaceEvent, error)
}

// Receptor runs in Phase 1: for each event, every Receptor whose Topics include
// the event's topic is invoked with that single event. A Receptor is a pure
// function — identical inputs must produce identical deltas (no hidden
// clock/randomness reads) — which is what makes deterministic replay possible.
type Receptor interface {
	Name() string
	Topics() []string
	Receive(ctx context.Context, view veil.ReadOnlyView, event veil.SpaceEvent) ([]veil.Delta, error)
}

// ReceptorMatchesTopic reports whether r is registered for event's topic.
func ReceptorMatchesTopic(r Receptor, topic string) bool {
	for _, t := range r.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

// Transform runs in Phase 2, in dependency order decided by the constraint
// solver. Its pending argument holds Phase 1's applied deltas until some
// Transform returns deltas, and from then on the deltas applied from the most
// recent Transform that returned any; the view reflects everything applied so
// far. It may itself produce further deltas, up to the scheduler's bounded
// iteration limit.
type Transform interface {
	Name() string
	// Provides and Requires name the capabilities this Transform produces and
	// consumes, the edges of the ordering graph.
	Provides() []string
	Requires() []string
	Apply(ctx context.Context, view veil.ReadOnlyView, pending []veil.Delta) ([]veil.Delta, error)
}

// ChangeSet is the set of facet deltas between the frame-start state and S2
// that the scheduler hands to each Effector, filtered to what its Filter
// matches.
type ChangeSet struct {
	Added   []*veil.Facet
	Changed []*veil.Facet
	Removed []string
}

// EffectorResult is what an Effector hands back to the scheduler: events to
// enqueue for the *next* frame (an Effector never produces deltas visible in
// the frame that invoked it — any facets it wants to add arrive via an event a
// Receptor turns into deltas next frame) plus zero or more external actions to
// run outside the space, which the scheduler starts on goroutines of their own
// after Phase 4 without waiting for them; their completion order is not
// defined.
type EffectorResult struct {
	Events          []veil.SpaceEvent
	ExternalActions []ExternalAction
}

// ExternalAction is a side effect an Effector wants performed outside the
// space's own state: e.g. sending a rendered completion to an agent's provider,
// or invoking a bridged tool. Run must not block the scheduler indefinitely;
// long-running work should complete by producing a future SpaceEvent rather
// than by the scheduler awaiting it mid-phase.
type ExternalAction struct {
	Kind    string
	Payload map[string]any
	Run     func(ctx context.Context) error
}

// Effector runs in Phase 3: each declares a Filter (type, aspect, or attribute
// match) and is invoked with the subset of this frame's ChangeSet matching it,
// plus the read-only S2 view.
type Effector interface {
	Name() string
	Filter() FacetFilter
	Effect(ctx context.Context, view veil.ReadOnlyView, changes ChangeSet) (EffectorResult, error)
}

// Maintainer runs in Phase 4: it receives the sealed frame, the frame's
// full change set, and the post-transformation view, performing bookkeeping
// (element lifecycle transitions, persistence hand-off) that must never abort
// the frame on failure. Ephemeral facets are expired by the scheduler itself
// after every Maintainer has run.
type Maintainer interface {
	Name() string
	Maintain(ctx context.Context, view veil.ReadOnlyView, frame *veil.Frame, changes ChangeSet) error
}
