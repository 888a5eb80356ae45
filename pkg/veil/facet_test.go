package veil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anima-research/connectome/pkg/veil"
)

func TestAspectPredicates(t *testing.T) {
	state := &veil.Facet{ID: "s1", Kind: veil.KindState, State: map[string]any{"x": 1}}
	speech := &veil.Facet{ID: "sp1", Kind: veil.KindSpeech, AgentID: "agent-1", Content: "hi"}
	ctx := &veil.Facet{ID: "c1", Kind: veil.KindRenderedContext, Ephemeral: true}

	assert.True(t, veil.HasStateAspect(state))
	assert.False(t, veil.HasStateAspect(speech))

	assert.True(t, veil.HasAgentGeneratedAspect(speech))
	assert.False(t, veil.HasAgentGeneratedAspect(state))

	assert.True(t, veil.HasContentAspect(speech))
	assert.True(t, veil.HasContentAspect(state))

	assert.True(t, veil.HasEphemeralAspect(ctx))
	assert.False(t, veil.HasEphemeralAspect(state))

	withStream := &veil.Facet{ID: "e1", Kind: veil.KindEvent, StreamID: "room-1"}
	assert.True(t, veil.HasStreamAspect(withStream))
	assert.False(t, veil.HasStreamAspect(state))
}

func TestFacetClone_IsIndependent(t *testing.T) {
	orig := &veil.Facet{
		ID:     "s1",
		Kind:   veil.KindState,
		Scope:  []string{"room-1"},
		State:  map[string]any{"isOpen": false},
	}
	clone := orig.Clone()
	clone.Scope[0] = "mutated"
	clone.State["isOpen"] = true

	assert.Equal(t, "room-1", orig.Scope[0])
	assert.Equal(t, false, orig.State["isOpen"])
}

func TestFacetStructurallyEqual(t *testing.T) {
	a := &veil.Facet{ID: "s1", Kind: veil.KindState, State: map[string]any{"x": 1}}
	b := &veil.Facet{ID: "s1", Kind: veil.KindState, State: map[string]any{"x": 1}}
	c := &veil.Facet{ID: "s1", Kind: veil.KindState, State: map[string]any{"x": 2}}

	assert.True(t, a.StructurallyEqual(b))
	assert.False(t, a.StructurallyEqual(c))
}

func TestFacetClone_NilSafe(t *testing.T) {
	var f *veil.Facet
	assert.Nil(t, f.Clone())
}
