// Package agentbridge implements the core's boundary with the external
// agent subsystem: the Phase 2 transform that materializes a
// rendered-context for every pending agent-activation, the Phase 3
// effector that hands the context to an LLM provider, and the receptors
// that fold the provider's completion back into speech/thought/action
// facets on a later frame. The provider itself stays opaque to the core;
// only the Generate contract below is assumed.
package agentbridge

import (
	"context"

	"github.com/anima-research/connectome/pkg/veil"
)

// Completion is what a provider returns for one activation.
type Completion struct {
	Content    string
	TokensUsed int
	Metadata   map[string]any
}

// GenerateOptions carries per-call provider knobs.
type GenerateOptions struct {
	Model     string
	MaxTokens int
}

// Provider is the opaque LLM binding.
type Provider interface {
	Generate(ctx context.Context, messages []veil.RenderedMessage, opts GenerateOptions) (Completion, error)
}
