package veil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/connectome/pkg/veil"
)

func TestReverseDeltaRoundTrip(t *testing.T) {
	s := veil.New()

	forward := []veil.Delta{
		veil.AddFacet(&veil.Facet{ID: "box-1", Kind: veil.KindState, State: map[string]any{"isOpen": false}}),
	}
	res := s.ApplyDeltas(forward)
	require.Empty(t, res.Dropped)
	require.Len(t, res.Reverse, 1)
	assert.Equal(t, veil.DeltaRemove, res.Reverse[0].Kind)

	res2 := s.ApplyDeltas([]veil.Delta{
		veil.RewriteFacet("box-1", map[string]any{veil.ChangeKeyState: map[string]any{"isOpen": true}}),
	})
	require.Empty(t, res2.Dropped)
	require.Len(t, res2.Reverse, 1)

	reverseOfRewrite := res2.Reverse[0]
	applyBack := s.ApplyDeltas([]veil.Delta{reverseOfRewrite})
	require.Empty(t, applyBack.Dropped)

	f, ok := s.Readonly().Facet("box-1")
	require.True(t, ok)
	assert.Equal(t, false, f.State["isOpen"], "applying the reverse delta must restore the prior state")

	applyBack2 := s.ApplyDeltas([]veil.Delta{res.Reverse[0]})
	require.Empty(t, applyBack2.Dropped)
	_, ok = s.Readonly().Facet("box-1")
	assert.False(t, ok, "reverse of addFacet must be a removeFacet that deletes the facet")
}

func TestRewriteFacet_NonMapStateOverlayIsRejected(t *testing.T) {
	s := veil.New()
	s.ApplyDeltas([]veil.Delta{veil.AddFacet(&veil.Facet{ID: "s1", Kind: veil.KindState, State: map[string]any{"a": 1}})})

	res := s.ApplyDeltas([]veil.Delta{
		veil.RewriteFacet("s1", map[string]any{veil.ChangeKeyState: "not-a-map"}),
	})
	assert.Len(t, res.Dropped, 1)
}
