package components_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/connectome/pkg/components"
	"github.com/anima-research/connectome/pkg/veil"
)

type stubModulator struct{ name string }

func (s stubModulator) Name() string { return s.name }
func (s stubModulator) Modulate(ctx context.Context, view veil.ReadOnlyView, events []veil.SpaceEvent) ([]veil.SpaceEvent, error) {
	return events, nil
}

func TestRegistry_RegistersAndListsComponents(t *testing.T) {
	r := components.New(nil)
	r.RegisterModulator(stubModulator{name: "m1"})
	r.RegisterTransform(stubTransform{name: "t1", provides: []string{"cap-1"}})
	r.RegisterTransform(stubTransform{name: "t2", requires: []string{"cap-1"}})

	assert.Len(t, r.Modulators(), 1)

	ordered, err := r.Transforms()
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, "t1", ordered[0].Name())
	assert.Equal(t, "t2", ordered[1].Name())
}

func TestRegistry_TransformsCachedUntilNewRegistration(t *testing.T) {
	r := components.New(nil)
	r.RegisterTransform(stubTransform{name: "t1"})

	first, err := r.Transforms()
	require.NoError(t, err)
	require.Len(t, first, 1)

	r.RegisterTransform(stubTransform{name: "t2"})
	second, err := r.Transforms()
	require.NoError(t, err)
	require.Len(t, second, 2)
}
