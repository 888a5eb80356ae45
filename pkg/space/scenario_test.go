package space

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/connectome/pkg/agentbridge"
	"github.com/anima-research/connectome/pkg/components"
	"github.com/anima-research/connectome/pkg/compression"
	"github.com/anima-research/connectome/pkg/render"
	"github.com/anima-research/connectome/pkg/veil"
)

// The tests below are the concrete end-to-end scenarios from the design's
// acceptance list: a button press cascading into element creation, a
// staged state transition, compression preserving final state, and
// cross-frame event ordering.

func newTestSpace(t *testing.T, provider agentbridge.Provider) *Space {
	t.Helper()
	s, err := New(Config{Name: "test"}, provider, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// --- shared test components -------------------------------------------------

type topicReceptor struct {
	name   string
	topics []string
	fn     func(view veil.ReadOnlyView, ev veil.SpaceEvent) []veil.Delta
}

func (r topicReceptor) Name() string     { return r.name }
func (r topicReceptor) Topics() []string { return r.topics }
func (r topicReceptor) Receive(_ context.Context, view veil.ReadOnlyView, ev veil.SpaceEvent) ([]veil.Delta, error) {
	return r.fn(view, ev), nil
}

type facetEffector struct {
	name   string
	filter components.FacetFilter
	fn     func(view veil.ReadOnlyView, changes components.ChangeSet) []veil.SpaceEvent
}

func (e facetEffector) Name() string                   { return e.name }
func (e facetEffector) Filter() components.FacetFilter { return e.filter }
func (e facetEffector) Effect(_ context.Context, view veil.ReadOnlyView, changes components.ChangeSet) (components.EffectorResult, error) {
	return components.EffectorResult{Events: e.fn(view, changes)}, nil
}

// continuationTransform queues an agent activation for every completed
// continuation naming one.
type continuationTransform struct{}

func (continuationTransform) Name() string       { return "continuation" }
func (continuationTransform) Provides() []string { return []string{"continuation"} }
func (continuationTransform) Requires() []string { return nil }
func (continuationTransform) Apply(_ context.Context, view veil.ReadOnlyView, pending []veil.Delta) ([]veil.Delta, error) {
	var out []veil.Delta
	for _, d := range pending {
		if d.Kind != veil.DeltaAdd || d.Facet.Kind != veil.KindContinuation {
			continue
		}
		for _, next := range d.Facet.Continuations {
			if next != "activate-agent" {
				continue
			}
			out = append(out, veil.AddFacet(&veil.Facet{
				ID:               d.Facet.ID + "-activation",
				Kind:             veil.KindAgentActivation,
				ActivationSource: "continuation",
				ActivationReason: "follow-up on " + d.Facet.ID,
				Ephemeral:        true,
			}))
		}
	}
	return out, nil
}

// boxStateTransform consumes staged state-change facets, rewrites their
// targets, and removes the staging facet.
type boxStateTransform struct{}

func (boxStateTransform) Name() string       { return "box-state" }
func (boxStateTransform) Provides() []string { return []string{"box-state"} }
func (boxStateTransform) Requires() []string { return nil }
func (boxStateTransform) Apply(_ context.Context, view veil.ReadOnlyView, _ []veil.Delta) ([]veil.Delta, error) {
	var out []veil.Delta
	for _, sc := range view.FacetsByType(veil.KindStateChange) {
		for _, target := range sc.TargetFacetIDs {
			changes := map[string]any{veil.ChangeKeyState: sc.Changes}
			if open, ok := sc.Changes["isOpen"].(bool); ok && open {
				changes[veil.ChangeKeyContent] = "an open box"
			}
			out = append(out, veil.RewriteFacet(target, changes))
		}
		out = append(out, veil.RemoveFacet(sc.ID))
	}
	return out, nil
}

// --- scenarios ---------------------------------------------------------------

func TestButtonDispensesBox(t *testing.T) {
	s := newTestSpace(t, nil)
	ctx := context.Background()

	s.Registry().RegisterReceptor(topicReceptor{
		name:   "button",
		topics: []string{"button:press"},
		fn: func(_ veil.ReadOnlyView, _ veil.SpaceEvent) []veil.Delta {
			return []veil.Delta{veil.AddFacet(&veil.Facet{
				ID: "button-press", Kind: veil.KindEvent, Content: "The button clicks.",
			})}
		},
	})
	s.Registry().RegisterReceptor(topicReceptor{
		name:   "element-create",
		topics: []string{"element:create"},
		fn: func(_ veil.ReadOnlyView, ev veil.SpaceEvent) []veil.Delta {
			elementID, _ := ev.Payload["elementId"].(string)
			return []veil.Delta{
				veil.AddFacet(&veil.Facet{
					ID:      "box-state-" + elementID,
					Kind:    veil.KindState,
					Content: "a closed box",
					State:   map[string]any{"isOpen": false},
				}),
				veil.AddFacet(&veil.Facet{
					ID:            "box-created-" + elementID,
					Kind:          veil.KindContinuation,
					Success:       true,
					Continuations: []string{"activate-agent"},
					Ephemeral:     true,
				}),
			}
		},
	})
	s.Registry().RegisterTransform(continuationTransform{})
	s.Registry().RegisterEffector(facetEffector{
		name:   "dispenser",
		filter: components.FacetFilter{Kinds: []veil.Kind{veil.KindEvent}},
		fn: func(_ veil.ReadOnlyView, changes components.ChangeSet) []veil.SpaceEvent {
			for _, f := range changes.Added {
				if f.ID == "button-press" {
					return []veil.SpaceEvent{{
						Topic:   "element:create",
						Source:  veil.ElementRef{ElementID: "dispenser"},
						Payload: map[string]any{"component": "BoxComponent", "elementId": "box-1"},
					}}
				}
			}
			return nil
		},
	})
	require.NoError(t, s.Validate())

	s.Enqueue(veil.SpaceEvent{Topic: "button:press", Payload: map[string]any{}})
	frames, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	// Frame 1: the press becomes an event facet; frame 2: the element is
	// created, its state facet appears, and a continuation queues an
	// agent activation.
	view := s.State()
	_, ok := view.Facet("button-press")
	assert.True(t, ok)
	box, ok := view.Facet("box-state-box-1")
	require.True(t, ok)
	assert.Equal(t, false, box.State["isOpen"])

	activationSeen := false
	for _, d := range frames[1].Deltas {
		if d.Kind == veil.DeltaAdd && d.Facet.Kind == veil.KindAgentActivation {
			activationSeen = true
		}
	}
	assert.True(t, activationSeen, "continuation should have queued an agent activation")

	// Frame 2 was driven by the element-creation event.
	require.NotNil(t, frames[1].Events)
	assert.Equal(t, "element:create", frames[1].Events[0].Topic)
}

func TestOpenBoxStateTransition(t *testing.T) {
	s := newTestSpace(t, nil)
	ctx := context.Background()

	s.Registry().RegisterReceptor(topicReceptor{
		name:   "seed",
		topics: []string{"test:seed"},
		fn: func(_ veil.ReadOnlyView, _ veil.SpaceEvent) []veil.Delta {
			return []veil.Delta{veil.AddFacet(&veil.Facet{
				ID: "box-7", Kind: veil.KindState, Content: "a closed blue box",
				State: map[string]any{"isOpen": false, "color": "blue"},
			})}
		},
	})
	s.Registry().RegisterReceptor(topicReceptor{
		name:   "box-open",
		topics: []string{"box:open"},
		fn: func(_ veil.ReadOnlyView, ev veil.SpaceEvent) []veil.Delta {
			method, _ := ev.Payload["method"].(string)
			boxID := fmt.Sprintf("box-%v", ev.Payload["boxId"])
			return []veil.Delta{
				veil.AddFacet(&veil.Facet{
					ID: boxID + "-opened", Kind: veil.KindEvent,
					Content: fmt.Sprintf("💥 The box opens %s!", method),
				}),
				veil.AddFacet(&veil.Facet{
					ID: boxID + "-open-change", Kind: veil.KindStateChange,
					TargetFacetIDs: []string{boxID},
					Changes:        map[string]any{"isOpen": true},
					Ephemeral:      true,
				}),
				veil.AddFacet(&veil.Facet{
					ID: boxID + "-open-activation", Kind: veil.KindAgentActivation,
					ActivationSource: "box", ActivationReason: "the box opened",
					Ephemeral: true,
				}),
			}
		},
	})
	s.Registry().RegisterTransform(boxStateTransform{})
	require.NoError(t, s.Validate())

	s.Enqueue(veil.SpaceEvent{Topic: "test:seed"})
	_, err := s.Drain(ctx)
	require.NoError(t, err)

	s.Enqueue(veil.SpaceEvent{Topic: "box:open", Payload: map[string]any{"boxId": 7, "method": "gently"}})
	frames, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	view := s.State()
	opened, ok := view.Facet("box-7-opened")
	require.True(t, ok)
	assert.Equal(t, "💥 The box opens gently!", opened.Content)

	box, ok := view.Facet("box-7")
	require.True(t, ok)
	assert.Equal(t, true, box.State["isOpen"])
	assert.Equal(t, "blue", box.State["color"])
	assert.Equal(t, "an open box", box.Content)

	// The staged state-change was consumed and removed.
	_, ok = view.Facet("box-7-open-change")
	assert.False(t, ok)
}

type fixedSummarizer struct{}

func (fixedSummarizer) Summarize(_ context.Context, rng compression.Range, _ []string) (string, error) {
	return fmt.Sprintf("[frames %d-%d compressed]", rng.From, rng.To), nil
}

func TestCompressionPreservesFinalState(t *testing.T) {
	s := newTestSpace(t, nil)
	ctx := context.Background()

	s.Registry().RegisterReceptor(topicReceptor{
		name:   "counter",
		topics: []string{"counter:set"},
		fn: func(view veil.ReadOnlyView, ev veil.SpaceEvent) []veil.Delta {
			value := ev.Payload["value"].(int)
			if _, exists := view.Facet("counter"); !exists {
				return []veil.Delta{veil.AddFacet(&veil.Facet{
					ID: "counter", Kind: veil.KindState,
					Content: fmt.Sprintf("counter at %d", value),
					State:   map[string]any{"value": value},
				})}
			}
			return []veil.Delta{veil.RewriteFacet("counter", map[string]any{
				veil.ChangeKeyState:   map[string]any{"value": value},
				veil.ChangeKeyContent: fmt.Sprintf("counter at %d", value),
			})}
		},
	})
	s.Registry().RegisterReceptor(topicReceptor{
		name:   "noise",
		topics: []string{"noise"},
		fn: func(_ veil.ReadOnlyView, ev veil.SpaceEvent) []veil.Delta {
			return []veil.Delta{veil.AddFacet(&veil.Facet{
				ID: fmt.Sprintf("noise-%d", ev.Timestamp), Kind: veil.KindEvent,
				Content: "background chatter",
			})}
		},
	})
	require.NoError(t, s.Validate())

	// 8 frames: counter 0 -> 5 -> 10 -> 15 across frames 1-4, noise after.
	for i, value := range []int{0, 5, 10, 15} {
		s.Enqueue(veil.SpaceEvent{Topic: "counter:set", Timestamp: int64(i), Payload: map[string]any{"value": value}})
		_, err := s.Drain(ctx)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		s.Enqueue(veil.SpaceEvent{Topic: "noise", Timestamp: int64(100 + i)})
		_, err := s.Drain(ctx)
		require.NoError(t, err)
	}

	history := s.State().History()
	require.Len(t, history, 8)

	engine := compression.NewEngine(fixedSummarizer{}, 1, 1)
	rng := compression.Range{From: 2, To: 4}
	result, err := engine.CompressRange(ctx, rng, history)
	require.NoError(t, err)
	assert.Equal(t, "[frames 2-4 compressed]", result.Summary)

	// The net state delta carries a single change entry for the counter
	// with its value as of the end of the range.
	require.Len(t, result.StateDelta.Changes, 1)
	assert.Equal(t, map[string]any{"value": 15}, result.StateDelta.Changes["counter"])
	assert.Empty(t, result.StateDelta.Added)
	assert.Empty(t, result.StateDelta.Deleted)

	cache := s.CompressionCache()
	cache.Store(rng, result)

	// Anchor-frame convention: only the first frame of the range renders
	// the replacement, later frames render nothing.
	repl, ok := cache.Replacement(2)
	require.True(t, ok)
	assert.NotEmpty(t, repl)
	for seq := uint64(3); seq <= 4; seq++ {
		repl, ok := cache.Replacement(seq)
		require.True(t, ok)
		assert.Empty(t, repl)
	}

	rendered := s.Renderer().Render(s.State(), "check", render.Options{Compression: cache})
	var all string
	for _, m := range rendered.Messages {
		all += m.Content + "\n"
	}
	assert.Contains(t, all, "[frames 2-4 compressed]")
	assert.NotContains(t, all, "counter at 5")
	assert.NotContains(t, all, "counter at 10")

	counter, ok := s.State().Facet("counter")
	require.True(t, ok)
	assert.Equal(t, 15, counter.State["value"])
}

func TestOrderingUnderCrossFrameEffect(t *testing.T) {
	s := newTestSpace(t, nil)
	ctx := context.Background()

	addEventFacet := func(id, content string) []veil.Delta {
		return []veil.Delta{veil.AddFacet(&veil.Facet{ID: id, Kind: veil.KindEvent, Content: content})}
	}
	s.Registry().RegisterReceptor(topicReceptor{
		name: "ping", topics: []string{"ping"},
		fn: func(_ veil.ReadOnlyView, _ veil.SpaceEvent) []veil.Delta {
			return addEventFacet("ping-received", "ping")
		},
	})
	s.Registry().RegisterReceptor(topicReceptor{
		name: "relay", topics: []string{"relay:one", "relay:two"},
		fn: func(_ veil.ReadOnlyView, ev veil.SpaceEvent) []veil.Delta {
			return addEventFacet("facet-"+ev.Topic, ev.Topic)
		},
	})
	s.Registry().RegisterReceptor(topicReceptor{
		name: "pong", topics: []string{"pong"},
		fn: func(_ veil.ReadOnlyView, _ veil.SpaceEvent) []veil.Delta {
			return addEventFacet("pong-received", "pong")
		},
	})
	s.Registry().RegisterEffector(facetEffector{
		name:   "fanout",
		filter: components.FacetFilter{Kinds: []veil.Kind{veil.KindEvent}},
		fn: func(_ veil.ReadOnlyView, changes components.ChangeSet) []veil.SpaceEvent {
			for _, f := range changes.Added {
				switch f.ID {
				case "ping-received":
					return []veil.SpaceEvent{{Topic: "relay:one"}, {Topic: "relay:two"}}
				case "facet-relay:two":
					return []veil.SpaceEvent{{Topic: "pong"}}
				}
			}
			return nil
		},
	})
	require.NoError(t, s.Validate())

	s.Enqueue(veil.SpaceEvent{Topic: "ping"})
	frames, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, uint64(1), frames[0].Sequence)
	assert.Equal(t, uint64(2), frames[1].Sequence)
	assert.Equal(t, uint64(3), frames[2].Sequence)

	require.Len(t, frames[0].Events, 1)
	assert.Equal(t, "ping", frames[0].Events[0].Topic)
	require.Len(t, frames[1].Events, 2)
	assert.Equal(t, "relay:one", frames[1].Events[0].Topic)
	assert.Equal(t, "relay:two", frames[1].Events[1].Topic)
	require.Len(t, frames[2].Events, 1)
	assert.Equal(t, "pong", frames[2].Events[0].Topic)
}

type cyclicTransform struct {
	name     string
	provides []string
	requires []string
}

func (c cyclicTransform) Name() string       { return c.name }
func (c cyclicTransform) Provides() []string { return c.provides }
func (c cyclicTransform) Requires() []string { return c.requires }
func (c cyclicTransform) Apply(context.Context, veil.ReadOnlyView, []veil.Delta) ([]veil.Delta, error) {
	return nil, nil
}

func TestTransformCycleRejectedAtStartup(t *testing.T) {
	s := newTestSpace(t, nil)
	s.Registry().RegisterTransform(cyclicTransform{name: "A", provides: []string{"x"}, requires: []string{"y"}})
	s.Registry().RegisterTransform(cyclicTransform{name: "B", provides: []string{"y"}, requires: []string{"x"}})

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A")
	assert.Contains(t, err.Error(), "B")
}

type scriptedProvider struct{ content string }

func (p scriptedProvider) Generate(_ context.Context, _ []veil.RenderedMessage, _ agentbridge.GenerateOptions) (agentbridge.Completion, error) {
	return agentbridge.Completion{Content: p.content, TokensUsed: 5}, nil
}

func TestFullAgentTurn(t *testing.T) {
	provider := scriptedProvider{content: `<thought>someone is here</thought>Hello!`}
	s := newTestSpace(t, provider)
	ctx := context.Background()

	s.Registry().RegisterReceptor(topicReceptor{
		name: "console", topics: []string{"console:input"},
		fn: func(_ veil.ReadOnlyView, ev veil.SpaceEvent) []veil.Delta {
			text, _ := ev.Payload["text"].(string)
			return []veil.Delta{
				veil.AddFacet(&veil.Facet{
					ID: fmt.Sprintf("console-%d", ev.Timestamp), Kind: veil.KindEvent, Content: text,
				}),
				veil.AddFacet(&veil.Facet{
					ID: fmt.Sprintf("activation-%d", ev.Timestamp), Kind: veil.KindAgentActivation,
					ActivationSource: "console", ActivationReason: "user spoke",
					TargetAgentID: "agent-1", Ephemeral: true,
				}),
			}
		},
	})
	require.NoError(t, s.Validate())

	s.Enqueue(veil.SpaceEvent{Topic: "console:input", Timestamp: 1, Payload: map[string]any{"text": "hi there"}})
	frames, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	// The activation and its rendered context are paired within the frame
	// and both ephemeral: present in the frame's deltas, absent afterwards.
	var rcID string
	for _, d := range frames[0].Deltas {
		if d.Kind == veil.DeltaAdd && d.Facet.Kind == veil.KindRenderedContext {
			rcID = d.Facet.ID
			assert.Equal(t, "activation-1", d.Facet.ActivationID)
		}
	}
	require.NotEmpty(t, rcID, "a rendered context should have been materialized")
	_, stillThere := s.State().Facet(rcID)
	assert.False(t, stillThere, "rendered context is ephemeral")
	_, stillThere = s.State().Facet("activation-1")
	assert.False(t, stillThere, "activation is ephemeral")

	// The provider call completes on a background goroutine and re-enters
	// the space as an event; drain until the speech facet lands.
	require.Eventually(t, func() bool {
		_, _ = s.Drain(ctx)
		_, ok := s.State().Facet("activation-1-speech-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	speech, _ := s.State().Facet("activation-1-speech-1")
	assert.Equal(t, "Hello!", speech.Content)
	assert.Equal(t, "agent-1", speech.AgentID)
	thought, ok := s.State().Facet("activation-1-thought-0")
	require.True(t, ok)
	assert.Equal(t, "someone is here", thought.Content)
}
