package agentbridge

import (
	"context"
	"fmt"

	"github.com/anima-research/connectome/pkg/veil"
)

// CompletionReceptor folds an agent completion event into speech, thought,
// and action facets. It is a pure function of the event
// payload and the read-only view: facet ids derive from the activation id
// and segment index, so replaying the same completion event always
// produces the same deltas.
type CompletionReceptor struct{}

func (CompletionReceptor) Name() string     { return "agent-completion" }
func (CompletionReceptor) Topics() []string { return []string{TopicCompletion} }

func (CompletionReceptor) Receive(_ context.Context, view veil.ReadOnlyView, event veil.SpaceEvent) ([]veil.Delta, error) {
	activationID, _ := event.Payload["activationId"].(string)
	agentID, _ := event.Payload["agentId"].(string)
	streamID, _ := event.Payload["streamId"].(string)
	content, _ := event.Payload["content"].(string)
	if activationID == "" {
		return nil, fmt.Errorf("agentbridge: completion event without activationId")
	}

	var deltas []veil.Delta
	for i, seg := range ParseCompletion(content) {
		id := fmt.Sprintf("%s-%s-%d", activationID, seg.Kind, i)
		switch seg.Kind {
		case SegmentThought:
			deltas = append(deltas, veil.AddFacet(&veil.Facet{
				ID: id, Kind: veil.KindThought,
				Content: seg.Content, AgentID: agentID, StreamID: streamID,
			}))
		case SegmentAction:
			if err := validateAgainstTool(view, seg); err != nil {
				// Validation errors drop the staged action and surface a
				// system diagnostic in its place.
				deltas = append(deltas, veil.AddFacet(&veil.Facet{
					ID: id + "-invalid", Kind: veil.KindEvent,
					Content:  fmt.Sprintf("action %q rejected: %v", seg.ToolName, err),
					StreamID: streamID,
				}))
				continue
			}
			deltas = append(deltas, veil.AddFacet(&veil.Facet{
				ID: id, Kind: veil.KindAction,
				Content: seg.Content, AgentID: agentID, StreamID: streamID,
				ToolName: seg.ToolName, Parameters: seg.Parameters,
			}))
		default:
			deltas = append(deltas, veil.AddFacet(&veil.Facet{
				ID: id, Kind: veil.KindSpeech,
				Content: seg.Content, AgentID: agentID, StreamID: streamID,
			}))
		}
	}
	return deltas, nil
}

// validateAgainstTool looks up the advertised schema for the action's tool
// and validates the parsed parameters against it. An action naming a tool
// nobody advertised passes through unvalidated; downstream effectors
// decide what an unknown tool means.
func validateAgainstTool(view veil.ReadOnlyView, seg Segment) error {
	for _, kind := range []veil.Kind{veil.KindTool, veil.KindDefineAction} {
		for _, tool := range view.FacetsByType(kind) {
			if tool.ToolName != seg.ToolName {
				continue
			}
			return ValidateActionParameters(tool.Definition, seg.Parameters)
		}
	}
	return nil
}

// FailureReceptor turns an agent failure event into a visible system event
// facet; generation trouble never blocks the scheduler, it just shows up
// in history.
type FailureReceptor struct{}

func (FailureReceptor) Name() string     { return "agent-failure" }
func (FailureReceptor) Topics() []string { return []string{TopicFailure} }

func (FailureReceptor) Receive(_ context.Context, _ veil.ReadOnlyView, event veil.SpaceEvent) ([]veil.Delta, error) {
	activationID, _ := event.Payload["activationId"].(string)
	streamID, _ := event.Payload["streamId"].(string)
	errText, _ := event.Payload["error"].(string)
	return []veil.Delta{veil.AddFacet(&veil.Facet{
		ID:       fmt.Sprintf("%s-failure", activationID),
		Kind:     veil.KindEvent,
		Content:  fmt.Sprintf("agent generation failed: %s", errText),
		StreamID: streamID,
	})}, nil
}
