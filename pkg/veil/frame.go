package veil

// ElementRef identifies the element that sourced a SpaceEvent.
type ElementRef struct {
	ElementID   string
	ElementPath []string
	ElementType string
}

// SpaceEvent is the external event contract.
type SpaceEvent struct {
	Topic     string
	Source    ElementRef
	Timestamp int64
	Payload   map[string]any
}

// Transition is the persistence-facing record of element-operation bookkeeping
// a frame's Maintainers staged; it is opaque to the scheduler and VEIL manager
// beyond being carried on the Frame.
type Transition struct {
	ElementOps []ElementOp
}

// ElementOp records a single element-tree bookkeeping operation a Maintainer
// performed while sealing a frame.
type ElementOp struct {
	Kind      string // "create" | "destroy" | "move" |...
	ElementID string
	Detail    map[string]any
}

// Frame is the atomic, immutable unit of scheduling and history. Once sealed by
// the scheduler, a Frame is never modified except to attach a RenderedSnapshot
// or its Transition record.
type Frame struct {
	Sequence  uint64
	Timestamp int64
	Events    []SpaceEvent
	Deltas    []Delta

	Transition       *Transition
	RenderedSnapshot *FrameSnapshot
}

// FrameSnapshot is the durable, subjective rendering of a frame captured at the
// end of Phase 2, before later transforms can rewrite earlier state out from
// under it.
type FrameSnapshot struct {
	Chunks      []RenderedChunk
	TotalContent string
	TotalTokens  int
	Role         Role
	CapturedAt   int64
	HasContent   bool
}
