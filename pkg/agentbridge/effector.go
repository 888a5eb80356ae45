package agentbridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/anima-research/connectome/pkg/components"
	"github.com/anima-research/connectome/pkg/veil"
)

// Event topics on the agent boundary. Completions re-enter the space as
// ordinary events so the parse happens in a Receptor on the next frame,
// never mid-phase.
const (
	TopicCompletion = "agent:completion"
	TopicFailure    = "agent:failure"
)

// Enqueuer is how the effector's external actions feed events back into
// the space; the scheduler implements it.
type Enqueuer interface {
	Enqueue(events ...veil.SpaceEvent)
}

// AgentEffector is the Phase 3 bridge to the external LLM: it
// consumes each newly materialized rendered-context, pairs it with its
// activation, and returns an external action that performs the provider
// call off the scheduler's thread. The completion (or failure) comes back
// as an event consumed on a later frame; the ephemeral activation and
// context fade at the end of this one.
type AgentEffector struct {
	provider Provider
	enqueue  Enqueuer
	opts     GenerateOptions
	logger   *zap.Logger
}

// NewAgentEffector builds the effector.
func NewAgentEffector(provider Provider, enqueue Enqueuer, opts GenerateOptions, logger *zap.Logger) *AgentEffector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentEffector{provider: provider, enqueue: enqueue, opts: opts, logger: logger}
}

func (e *AgentEffector) Name() string { return "agent" }

func (e *AgentEffector) Filter() components.FacetFilter {
	return components.FacetFilter{Kinds: []veil.Kind{veil.KindRenderedContext}}
}

// Effect launches one generation per added rendered-context.
func (e *AgentEffector) Effect(_ context.Context, view veil.ReadOnlyView, changes components.ChangeSet) (components.EffectorResult, error) {
	var result components.EffectorResult
	for _, rc := range changes.Added {
		activation, ok := view.Facet(rc.ActivationID)
		if !ok {
			e.logger.Warn("rendered context without activation", zap.String("context", rc.ID))
			continue
		}
		result.ExternalActions = append(result.ExternalActions, e.generateAction(activation, rc))
	}
	return result, nil
}

func (e *AgentEffector) generateAction(activation, rc *veil.Facet) components.ExternalAction {
	activationID := activation.ID
	agentID := activation.TargetAgentID
	streamID := activation.ActivationStreamRef
	messages := rc.Messages

	return components.ExternalAction{
		Kind: "llm:generate",
		Payload: map[string]any{
			"activationId": activationID,
			"agentId":      agentID,
		},
		Run: func(ctx context.Context) error {
			completion, err := e.provider.Generate(ctx, messages, e.opts)
			source := veil.ElementRef{ElementID: agentID, ElementType: "agent"}
			if err != nil {
				e.logger.Error("agent generation failed",
					zap.String("activation", activationID), zap.Error(err))
				e.enqueue.Enqueue(veil.SpaceEvent{
					Topic:  TopicFailure,
					Source: source,
					Payload: map[string]any{
						"activationId": activationID,
						"agentId":      agentID,
						"streamId":     streamID,
						"error":        err.Error(),
					},
				})
				return err
			}
			e.enqueue.Enqueue(veil.SpaceEvent{
				Topic:  TopicCompletion,
				Source: source,
				Payload: map[string]any{
					"activationId": activationID,
					"agentId":      agentID,
					"streamId":     streamID,
					"content":      completion.Content,
					"tokensUsed":   completion.TokensUsed,
				},
			})
			return nil
		},
	}
}
