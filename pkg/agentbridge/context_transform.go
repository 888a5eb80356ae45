package agentbridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/anima-research/connectome/pkg/render"
	"github.com/anima-research/connectome/pkg/veil"
)

// RenderedContextIDFor returns the id of the rendered-context facet paired
// with an activation. The pairing is by construction: one activation, one
// context, id derivable from either side.
func RenderedContextIDFor(activationID string) string {
	return "rendered-context-" + activationID
}

// ContextTransform is the Phase 2 transform that detects pending
// agent-activation facets without a corresponding rendered-context and
// materializes one using the renderer. The rendered-context is
// ephemeral: it exists for the AgentEffector in this frame's Phase 3 and
// is gone afterwards.
type ContextTransform struct {
	renderer *render.Renderer
	opts     render.Options
	logger   *zap.Logger
}

// NewContextTransform builds the transform. opts configures every render
// (token budget, ambient depth, compression source).
func NewContextTransform(renderer *render.Renderer, opts render.Options, logger *zap.Logger) *ContextTransform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextTransform{renderer: renderer, opts: opts, logger: logger}
}

func (t *ContextTransform) Name() string       { return "context" }
func (t *ContextTransform) Provides() []string { return []string{"rendered-context"} }
func (t *ContextTransform) Requires() []string { return nil }

// Apply renders one context per uncovered activation.
func (t *ContextTransform) Apply(_ context.Context, view veil.ReadOnlyView, _ []veil.Delta) ([]veil.Delta, error) {
	var deltas []veil.Delta
	for _, activation := range view.FacetsByType(veil.KindAgentActivation) {
		ctxID := RenderedContextIDFor(activation.ID)
		if _, exists := view.Facet(ctxID); exists {
			continue
		}
		rendered := t.renderer.Render(view, activation.ID, t.opts)
		tokens := 0
		for _, m := range rendered.Messages {
			for _, c := range m.Chunks {
				tokens += c.Tokens
			}
		}
		t.logger.Debug("materialized rendered context",
			zap.String("activation", activation.ID),
			zap.Int("messages", len(rendered.Messages)),
			zap.Int("tokens", tokens))
		deltas = append(deltas, veil.AddFacet(&veil.Facet{
			ID:           ctxID,
			Kind:         veil.KindRenderedContext,
			ActivationID: activation.ID,
			StreamID:     activation.ActivationStreamRef,
			Messages:     rendered.Messages,
			TokenCount:   tokens,
			Ephemeral:    true,
		}))
	}
	return deltas, nil
}
