package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/anima-research/connectome/pkg/veil"
)

// The JSON wire format below is shared by persistence and
// debug: tagged delta objects, a flat frame file, and a content-addressed
// bucket file. Encoding always goes through the typed structs here rather
// than marshaling veil types directly, so the on-disk schema stays stable
// even when the in-memory structs grow fields. encoding/json writes struct
// fields in declaration order and sorts map keys, which is what makes the
// bucket hash reproducible.

type elementRefJSON struct {
	ElementID   string   `json:"elementId"`
	ElementPath []string `json:"elementPath,omitempty"`
	ElementType string   `json:"elementType,omitempty"`
}

type eventJSON struct {
	Topic     string         `json:"topic"`
	Source    elementRefJSON `json:"source"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type frameRangeJSON struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type stateDeltaJSON struct {
	Changes map[string]map[string]any `json:"changes,omitempty"`
	Added   []string                  `json:"added,omitempty"`
	Deleted []string                  `json:"deleted,omitempty"`
}

type facetJSON struct {
	ID   string `json:"id"`
	Kind string `json:"type"`

	StreamID    string   `json:"streamId,omitempty"`
	Scope       []string `json:"scope,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Children    []string `json:"children,omitempty"`

	Content string `json:"content,omitempty"`

	State               map[string]any    `json:"state,omitempty"`
	TransitionRenderers map[string]string `json:"transitionRenderers,omitempty"`

	TargetFacetIDs []string       `json:"targetFacetIds,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`

	AgentID    string         `json:"agentId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	Definition map[string]any `json:"definition,omitempty"`

	ActivationSource    string `json:"activationSource,omitempty"`
	ActivationReason    string `json:"activationReason,omitempty"`
	ActivationPrio      int    `json:"activationPriority,omitempty"`
	TargetAgentID       string `json:"targetAgentId,omitempty"`
	ActivationStreamRef string `json:"activationStreamRef,omitempty"`
	ActivationID        string `json:"activationId,omitempty"`

	ComponentID string `json:"componentId,omitempty"`
	ElementID   string `json:"elementId,omitempty"`

	Success       bool     `json:"success,omitempty"`
	Continuations []string `json:"continuations,omitempty"`

	Engine     string           `json:"engine,omitempty"`
	Ranges     []frameRangeJSON `json:"ranges,omitempty"`
	Summary    string           `json:"summary,omitempty"`
	StateDelta *stateDeltaJSON  `json:"stateDelta,omitempty"`
}

type deltaJSON struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Facet   *facetJSON     `json:"facet,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

type elementOpJSON struct {
	Kind      string         `json:"kind"`
	ElementID string         `json:"elementId"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type transitionJSON struct {
	ElementOps []elementOpJSON `json:"elementOps,omitempty"`
}

type chunkJSON struct {
	Content  string   `json:"content"`
	Tokens   int      `json:"tokens"`
	FacetIDs []string `json:"facetIds,omitempty"`
	Type     string   `json:"type,omitempty"`
	Role     string   `json:"role,omitempty"`
}

type snapshotJSON struct {
	Chunks       []chunkJSON `json:"chunks"`
	TotalContent string      `json:"totalContent"`
	TotalTokens  int         `json:"totalTokens"`
	Role         string      `json:"role"`
	CapturedAt   int64       `json:"capturedAt"`
	HasContent   bool        `json:"hasContent"`
}

type frameJSON struct {
	Sequence         uint64          `json:"sequence"`
	Timestamp        int64           `json:"timestamp"`
	Events           []eventJSON     `json:"events"`
	Deltas           []deltaJSON     `json:"deltas"`
	Transition       *transitionJSON `json:"transition,omitempty"`
	RenderedSnapshot *snapshotJSON   `json:"renderedSnapshot,omitempty"`
}

func encodeEvent(ev veil.SpaceEvent) eventJSON {
	return eventJSON{
		Topic: ev.Topic,
		Source: elementRefJSON{
			ElementID:   ev.Source.ElementID,
			ElementPath: ev.Source.ElementPath,
			ElementType: ev.Source.ElementType,
		},
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	}
}

func decodeEvent(ej eventJSON) veil.SpaceEvent {
	return veil.SpaceEvent{
		Topic: ej.Topic,
		Source: veil.ElementRef{
			ElementID:   ej.Source.ElementID,
			ElementPath: ej.Source.ElementPath,
			ElementType: ej.Source.ElementType,
		},
		Timestamp: ej.Timestamp,
		Payload:   ej.Payload,
	}
}

func encodeStateDelta(sd *veil.StateDelta) *stateDeltaJSON {
	if sd == nil {
		return nil
	}
	return &stateDeltaJSON{Changes: sd.Changes, Added: sd.Added, Deleted: sd.Deleted}
}

func decodeStateDelta(sj *stateDeltaJSON) *veil.StateDelta {
	if sj == nil {
		return nil
	}
	return &veil.StateDelta{Changes: sj.Changes, Added: sj.Added, Deleted: sj.Deleted}
}

func encodeFacet(f *veil.Facet) *facetJSON {
	if f == nil {
		return nil
	}
	fj := &facetJSON{
		ID:                  f.ID,
		Kind:                string(f.Kind),
		StreamID:            f.StreamID,
		Scope:               f.Scope,
		DisplayName:         f.DisplayName,
		Children:            f.Children,
		Content:             f.Content,
		State:               f.State,
		TransitionRenderers: f.TransitionRenderers,
		TargetFacetIDs:      f.TargetFacetIDs,
		Changes:             f.Changes,
		AgentID:             f.AgentID,
		ToolName:            f.ToolName,
		Parameters:          f.Parameters,
		Definition:          f.Definition,
		ActivationSource:    f.ActivationSource,
		ActivationReason:    f.ActivationReason,
		ActivationPrio:      f.ActivationPrio,
		TargetAgentID:       f.TargetAgentID,
		ActivationStreamRef: f.ActivationStreamRef,
		ActivationID:        f.ActivationID,
		ComponentID:         f.ComponentID,
		ElementID:           f.ElementID,
		Success:             f.Success,
		Continuations:       f.Continuations,
		Engine:              f.Engine,
		Summary:             f.Summary,
		StateDelta:          encodeStateDelta(f.StateDelta),
	}
	for _, r := range f.Ranges {
		fj.Ranges = append(fj.Ranges, frameRangeJSON{From: r.From, To: r.To})
	}
	return fj
}

func decodeFacet(fj *facetJSON) *veil.Facet {
	if fj == nil {
		return nil
	}
	f := &veil.Facet{
		ID:                  fj.ID,
		Kind:                veil.Kind(fj.Kind),
		StreamID:            fj.StreamID,
		Scope:               fj.Scope,
		DisplayName:         fj.DisplayName,
		Children:            fj.Children,
		Content:             fj.Content,
		State:               fj.State,
		TransitionRenderers: fj.TransitionRenderers,
		TargetFacetIDs:      fj.TargetFacetIDs,
		Changes:             fj.Changes,
		AgentID:             fj.AgentID,
		ToolName:            fj.ToolName,
		Parameters:          fj.Parameters,
		Definition:          fj.Definition,
		ActivationSource:    fj.ActivationSource,
		ActivationReason:    fj.ActivationReason,
		ActivationPrio:      fj.ActivationPrio,
		TargetAgentID:       fj.TargetAgentID,
		ActivationStreamRef: fj.ActivationStreamRef,
		ActivationID:        fj.ActivationID,
		ComponentID:         fj.ComponentID,
		ElementID:           fj.ElementID,
		Success:             fj.Success,
		Continuations:       fj.Continuations,
		Engine:              fj.Engine,
		Summary:             fj.Summary,
		StateDelta:          decodeStateDelta(fj.StateDelta),
	}
	for _, r := range fj.Ranges {
		f.Ranges = append(f.Ranges, veil.FrameRange{From: r.From, To: r.To})
	}
	return f
}

func encodeDelta(d veil.Delta) deltaJSON {
	switch d.Kind {
	case veil.DeltaAdd:
		return deltaJSON{Type: string(veil.DeltaAdd), Facet: encodeFacet(d.Facet)}
	case veil.DeltaRewrite:
		return deltaJSON{Type: string(veil.DeltaRewrite), ID: d.ID, Changes: d.Changes}
	default:
		return deltaJSON{Type: string(veil.DeltaRemove), ID: d.ID}
	}
}

func decodeDelta(dj deltaJSON) (veil.Delta, error) {
	switch veil.DeltaKind(dj.Type) {
	case veil.DeltaAdd:
		if dj.Facet == nil {
			return veil.Delta{}, fmt.Errorf("persistence: addFacet delta without facet payload")
		}
		f := decodeFacet(dj.Facet)
		return veil.Delta{Kind: veil.DeltaAdd, ID: f.ID, Facet: f}, nil
	case veil.DeltaRewrite:
		return veil.Delta{Kind: veil.DeltaRewrite, ID: dj.ID, Changes: dj.Changes}, nil
	case veil.DeltaRemove:
		return veil.Delta{Kind: veil.DeltaRemove, ID: dj.ID}, nil
	default:
		return veil.Delta{}, fmt.Errorf("persistence: unknown delta type %q", dj.Type)
	}
}

func encodeFrame(f *veil.Frame) frameJSON {
	fj := frameJSON{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Events:    []eventJSON{},
		Deltas:    []deltaJSON{},
	}
	for _, ev := range f.Events {
		fj.Events = append(fj.Events, encodeEvent(ev))
	}
	for _, d := range f.Deltas {
		// Ephemeral facets are never persisted; removals of
		// ephemeral ids are meaningless on replay too, but a remove carries
		// no kind information, so only adds are filtered here and replay
		// drops the orphaned removes as recoverable validation errors.
		if d.Kind == veil.DeltaAdd && d.Facet != nil && d.Facet.Ephemeral {
			continue
		}
		fj.Deltas = append(fj.Deltas, encodeDelta(d))
	}
	if f.Transition != nil {
		tj := &transitionJSON{}
		for _, op := range f.Transition.ElementOps {
			tj.ElementOps = append(tj.ElementOps, elementOpJSON{Kind: op.Kind, ElementID: op.ElementID, Detail: op.Detail})
		}
		fj.Transition = tj
	}
	if f.RenderedSnapshot != nil {
		sj := &snapshotJSON{
			Chunks:       []chunkJSON{},
			TotalContent: f.RenderedSnapshot.TotalContent,
			TotalTokens:  f.RenderedSnapshot.TotalTokens,
			Role:         string(f.RenderedSnapshot.Role),
			CapturedAt:   f.RenderedSnapshot.CapturedAt,
			HasContent:   f.RenderedSnapshot.HasContent,
		}
		for _, c := range f.RenderedSnapshot.Chunks {
			sj.Chunks = append(sj.Chunks, chunkJSON{
				Content: c.Content, Tokens: c.Tokens, FacetIDs: c.FacetIDs,
				Type: c.Type, Role: string(c.Role),
			})
		}
		fj.RenderedSnapshot = sj
	}
	return fj
}

func decodeFrame(fj frameJSON) (*veil.Frame, error) {
	f := &veil.Frame{Sequence: fj.Sequence, Timestamp: fj.Timestamp}
	for _, ej := range fj.Events {
		f.Events = append(f.Events, decodeEvent(ej))
	}
	for _, dj := range fj.Deltas {
		d, err := decodeDelta(dj)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", fj.Sequence, err)
		}
		f.Deltas = append(f.Deltas, d)
	}
	if fj.Transition != nil {
		t := &veil.Transition{}
		for _, oj := range fj.Transition.ElementOps {
			t.ElementOps = append(t.ElementOps, veil.ElementOp{Kind: oj.Kind, ElementID: oj.ElementID, Detail: oj.Detail})
		}
		f.Transition = t
	}
	if fj.RenderedSnapshot != nil {
		snap := &veil.FrameSnapshot{
			TotalContent: fj.RenderedSnapshot.TotalContent,
			TotalTokens:  fj.RenderedSnapshot.TotalTokens,
			Role:         veil.Role(fj.RenderedSnapshot.Role),
			CapturedAt:   fj.RenderedSnapshot.CapturedAt,
			HasContent:   fj.RenderedSnapshot.HasContent,
		}
		for _, cj := range fj.RenderedSnapshot.Chunks {
			snap.Chunks = append(snap.Chunks, veil.RenderedChunk{
				Content: cj.Content, Tokens: cj.Tokens, FacetIDs: cj.FacetIDs,
				Type: cj.Type, Role: veil.Role(cj.Role),
			})
		}
		f.RenderedSnapshot = snap
	}
	return f, nil
}

// MarshalFrame serializes f to the frame wire format.
func MarshalFrame(f *veil.Frame) ([]byte, error) {
	return json.Marshal(encodeFrame(f))
}

// UnmarshalFrame parses data produced by MarshalFrame.
func UnmarshalFrame(data []byte) (*veil.Frame, error) {
	var fj frameJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return nil, fmt.Errorf("persistence: parsing frame: %w", err)
	}
	return decodeFrame(fj)
}
