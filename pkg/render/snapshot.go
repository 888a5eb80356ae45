package render

import (
	"strings"

	"github.com/anima-research/connectome/pkg/veil"
)

// CaptureSnapshot renders frame "as it looks right now": it seeds a replay map
// from the live view's full facet set (so a facet's children, already
// materialized in authoritative state, resolve correctly) rather than walking
// all of history, then renders just this frame's own deltas against that map.
// The result satisfies scheduler.SnapshotCapturer and is attached to the frame
// in-place before it is sealed into history.
func (r *Renderer) CaptureSnapshot(view veil.ReadOnlyView, frame *veil.Frame) *veil.FrameSnapshot {
	replay := newReplayMap()
	for _, f := range view.FacetsByAspect(func(*veil.Facet) bool { return true }) {
		replay.add(f)
	}

	role := classifyFrameRole(frame)
	chunks := r.renderFrameDeltas(replay, frame, role)

	var sb strings.Builder
	total := 0
	hasContent := false
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(c.Content)
		total += c.Tokens
		if c.Content != "" {
			hasContent = true
		}
	}

	return &veil.FrameSnapshot{
		Chunks:       chunks,
		TotalContent: sb.String(),
		TotalTokens:  total,
		Role:         role,
		CapturedAt:   frame.Timestamp,
		HasContent:   hasContent,
	}
}
