package scheduler

import "github.com/anima-research/connectome/pkg/veil"

// DebugObserver is the external debug/introspection boundary: callbacks fired
// as a frame progresses, with no required transport — the CLI's `inspect`
// command and any future MCP debug surface both implement this against the same
// scheduler. A nil DebugObserver (the common case in tests) is treated as
// all-callbacks-no-ops.
type DebugObserver interface {
	OnFrameStart(seq uint64, events []veil.SpaceEvent)
	OnFrameEvent(seq uint64, ev veil.SpaceEvent)
	OnFrameComplete(frame *veil.Frame)
	OnOutgoingFrame(frame *veil.Frame)
	OnRenderedContext(activationID string, messages []veil.RenderedMessage)
}

type noopObserver struct{}

func (noopObserver) OnFrameStart(uint64, []veil.SpaceEvent)                  {}
func (noopObserver) OnFrameEvent(uint64, veil.SpaceEvent)                    {}
func (noopObserver) OnFrameComplete(*veil.Frame)                            {}
func (noopObserver) OnOutgoingFrame(*veil.Frame)                            {}
func (noopObserver) OnRenderedContext(string, []veil.RenderedMessage)        {}
