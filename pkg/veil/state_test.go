package veil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/connectome/pkg/veil"
)

func TestApplyDeltas_AddRewriteRemove(t *testing.T) {
	s := veil.New()

	res := s.ApplyDeltas([]veil.Delta{
		veil.AddFacet(&veil.Facet{ID: "box-7", Kind: veil.KindState, State: map[string]any{"isOpen": false, "color": "blue"}}),
	})
	require.Empty(t, res.Dropped)
	require.Len(t, res.Applied, 1)

	view := s.Readonly()
	f, ok := view.Facet("box-7")
	require.True(t, ok)
	assert.Equal(t, false, f.State["isOpen"])

	res = s.ApplyDeltas([]veil.Delta{
		veil.RewriteFacet("box-7", map[string]any{
			veil.ChangeKeyState:   map[string]any{"isOpen": true},
			veil.ChangeKeyContent: "the box is open",
		}),
	})
	require.Empty(t, res.Dropped)
	view = s.Readonly()
	f, _ = view.Facet("box-7")
	assert.Equal(t, true, f.State["isOpen"])
	assert.Equal(t, "blue", f.State["color"], "shallow overlay must preserve untouched keys")
	assert.Equal(t, "the box is open", f.Content)

	res = s.ApplyDeltas([]veil.Delta{veil.RemoveFacet("box-7")})
	require.Empty(t, res.Dropped)
	view = s.Readonly()
	_, ok = view.Facet("box-7")
	assert.False(t, ok)
	rk, ok := view.IsRemoved("box-7")
	require.True(t, ok)
	assert.Equal(t, veil.RemovalDeleted, rk)
}

func TestApplyDeltas_UnknownIDIsRecoverable(t *testing.T) {
	s := veil.New()
	res := s.ApplyDeltas([]veil.Delta{
		veil.RewriteFacet("missing", map[string]any{veil.ChangeKeyContent: "x"}),
		veil.AddFacet(&veil.Facet{ID: "ok", Kind: veil.KindEvent, Content: "hi"}),
	})
	require.Len(t, res.Dropped, 1)
	require.Len(t, res.Applied, 1)
	_, ok := s.Readonly().Facet("ok")
	assert.True(t, ok, "a later valid delta must still apply after an earlier one is dropped")
}

func TestApplyDeltas_ReaddingStructurallyEqualIsNoop(t *testing.T) {
	s := veil.New()
	f := &veil.Facet{ID: "e1", Kind: veil.KindEvent, Content: "hello"}
	res1 := s.ApplyDeltas([]veil.Delta{veil.AddFacet(f)})
	require.Empty(t, res1.Dropped)

	res2 := s.ApplyDeltas([]veil.Delta{veil.AddFacet(&veil.Facet{ID: "e1", Kind: veil.KindEvent, Content: "hello"})})
	assert.Empty(t, res2.Dropped, "re-adding an equal facet must be a silent no-op")
}

func TestApplyDeltas_ReaddingDifferentFacetConflicts(t *testing.T) {
	s := veil.New()
	s.ApplyDeltas([]veil.Delta{veil.AddFacet(&veil.Facet{ID: "e1", Kind: veil.KindEvent, Content: "hello"})})
	res := s.ApplyDeltas([]veil.Delta{veil.AddFacet(&veil.Facet{ID: "e1", Kind: veil.KindEvent, Content: "different"})})
	require.Len(t, res.Dropped, 1)
	var conflict *veil.ConflictError
	assert.ErrorAs(t, res.Dropped[0], &conflict)
}

func TestApplyDeltas_DanglingStateChangeTargetDropped(t *testing.T) {
	s := veil.New()
	res := s.ApplyDeltas([]veil.Delta{
		veil.AddFacet(&veil.Facet{
			ID:             "sc1",
			Kind:           veil.KindStateChange,
			TargetFacetIDs: []string{"does-not-exist"},
		}),
	})
	require.Len(t, res.Dropped, 1)
	var verr *veil.ValidationError
	assert.ErrorAs(t, res.Dropped[0], &verr)
}

func TestExpireEphemeral(t *testing.T) {
	s := veil.New()
	s.ApplyDeltas([]veil.Delta{
		veil.AddFacet(&veil.Facet{ID: "act-1", Kind: veil.KindAgentActivation, Ephemeral: true}),
		veil.AddFacet(&veil.Facet{ID: "ctx-1", Kind: veil.KindRenderedContext, Ephemeral: true}),
		veil.AddFacet(&veil.Facet{ID: "durable", Kind: veil.KindState}),
	})

	expired := s.ExpireEphemeral(map[string]struct{}{"ctx-1": {}})
	assert.ElementsMatch(t, []string{"act-1"}, expired)

	view := s.Readonly()
	_, ok := view.Facet("act-1")
	assert.False(t, ok)
	_, ok = view.Facet("ctx-1")
	assert.True(t, ok, "facets in the keep set survive this expiry pass")
	_, ok = view.Facet("durable")
	assert.True(t, ok)
}

func TestRecordFrame_RejectsSequenceGap(t *testing.T) {
	s := veil.New()
	require.NoError(t, s.RecordFrame(&veil.Frame{Sequence: 1}))
	err := s.RecordFrame(&veil.Frame{Sequence: 3})
	require.Error(t, err)
	var iv *veil.InvariantError
	assert.ErrorAs(t, err, &iv)
}

func TestFacetsByType(t *testing.T) {
	s := veil.New()
	s.ApplyDeltas([]veil.Delta{
		veil.AddFacet(&veil.Facet{ID: "e1", Kind: veil.KindEvent}),
		veil.AddFacet(&veil.Facet{ID: "e2", Kind: veil.KindEvent}),
		veil.AddFacet(&veil.Facet{ID: "s1", Kind: veil.KindState}),
	})
	events := s.Readonly().FacetsByType(veil.KindEvent)
	assert.Len(t, events, 2)
}
