package components_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/connectome/pkg/components"
	"github.com/anima-research/connectome/pkg/veil"
)

type stubTransform struct {
	name     string
	provides []string
	requires []string
}

func (s stubTransform) Name() string       { return s.name }
func (s stubTransform) Provides() []string { return s.provides }
func (s stubTransform) Requires() []string { return s.requires }
func (s stubTransform) Apply(ctx context.Context, view veil.ReadOnlyView, pending []veil.Delta) ([]veil.Delta, error) {
	return nil, nil
}

func TestOrderTransforms_RespectsDependencies(t *testing.T) {
	a := stubTransform{name: "a", provides: []string{"cap-a"}}
	b := stubTransform{name: "b", provides: []string{"cap-b"}, requires: []string{"cap-a"}}
	c := stubTransform{name: "c", requires: []string{"cap-b"}}

	ordered, err := components.OrderTransforms([]components.Transform{c, a, b})
	require.NoError(t, err)
	require.Len(t, ordered, 3)

	pos := map[string]int{}
	for i, t := range ordered {
		pos[t.Name()] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestOrderTransforms_UnconstrainedKeepRegistrationOrder(t *testing.T) {
	a := stubTransform{name: "a"}
	b := stubTransform{name: "b"}
	c := stubTransform{name: "c"}

	ordered1, err := components.OrderTransforms([]components.Transform{c, b, a})
	require.NoError(t, err)
	ordered2, err := components.OrderTransforms([]components.Transform{a, b, c})
	require.NoError(t, err)

	names1 := []string{ordered1[0].Name(), ordered1[1].Name(), ordered1[2].Name()}
	names2 := []string{ordered2[0].Name(), ordered2[1].Name(), ordered2[2].Name()}
	assert.Equal(t, []string{"c", "b", "a"}, names1)
	assert.Equal(t, []string{"a", "b", "c"}, names2)
}

func TestOrderTransforms_RegistrationOrderBreaksTies(t *testing.T) {
	// z provides nothing anyone needs and registers first; it must run
	// first even though its name sorts last. The constrained pair still
	// orders by its dependency edge.
	z := stubTransform{name: "z"}
	a := stubTransform{name: "a", requires: []string{"cap-m"}}
	m := stubTransform{name: "m", provides: []string{"cap-m"}}

	ordered, err := components.OrderTransforms([]components.Transform{z, a, m})
	require.NoError(t, err)
	names := []string{ordered[0].Name(), ordered[1].Name(), ordered[2].Name()}
	assert.Equal(t, []string{"z", "m", "a"}, names)
}

func TestOrderTransforms_RejectsCycle(t *testing.T) {
	a := stubTransform{name: "a", provides: []string{"cap-a"}, requires: []string{"cap-b"}}
	b := stubTransform{name: "b", provides: []string{"cap-b"}, requires: []string{"cap-a"}}

	_, err := components.OrderTransforms([]components.Transform{a, b})
	require.Error(t, err)
	var cycleErr *components.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotEmpty(t, cycleErr.Cycle)
}

func TestOrderTransforms_MissingProviderSuggestsClosestCapability(t *testing.T) {
	a := stubTransform{name: "a", provides: []string{"inventory-state"}}
	b := stubTransform{name: "b", requires: []string{"inventry-state"}} // typo

	_, err := components.OrderTransforms([]components.Transform{a, b})
	require.Error(t, err)
	var missing *components.MissingProviderError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "inventory-state", missing.Suggestion)
}

func TestOrderTransforms_AmbiguousProvider(t *testing.T) {
	a := stubTransform{name: "a", provides: []string{"cap-x"}}
	b := stubTransform{name: "b", provides: []string{"cap-x"}}

	_, err := components.OrderTransforms([]components.Transform{a, b})
	require.Error(t, err)
	var amb *components.AmbiguousProviderError
	require.ErrorAs(t, err, &amb)
}

func TestFacetFilter_Matches(t *testing.T) {
	ff := components.FacetFilter{Kinds: []veil.Kind{veil.KindState}, Streams: []string{"room-1"}}
	assert.True(t, ff.Matches(&veil.Facet{Kind: veil.KindState, StreamID: "room-1"}))
	assert.False(t, ff.Matches(&veil.Facet{Kind: veil.KindEvent, StreamID: "room-1"}))
	assert.False(t, ff.Matches(&veil.Facet{Kind: veil.KindState, StreamID: "room-2"}))

	empty := components.FacetFilter{}
	assert.True(t, empty.Matches(&veil.Facet{Kind: veil.KindEvent}))
}

func TestFacetFilter_AspectMatch(t *testing.T) {
	ff := components.FacetFilter{Aspect: veil.HasAgentGeneratedAspect}
	assert.True(t, ff.Matches(&veil.Facet{Kind: veil.KindSpeech, Content: "hi"}))
	assert.False(t, ff.Matches(&veil.Facet{Kind: veil.KindState}))
}

func TestFacetFilter_AttributeMatch(t *testing.T) {
	ff := components.FacetFilter{
		Kinds:      []veil.Kind{veil.KindState},
		Attributes: map[string]any{"isOpen": true},
	}
	assert.True(t, ff.Matches(&veil.Facet{
		Kind: veil.KindState, State: map[string]any{"isOpen": true, "color": "blue"},
	}))
	assert.False(t, ff.Matches(&veil.Facet{
		Kind: veil.KindState, State: map[string]any{"isOpen": false},
	}))
	assert.False(t, ff.Matches(&veil.Facet{Kind: veil.KindState}), "missing attribute never matches")
}
