package render

import "github.com/anima-research/connectome/pkg/veil"

// SnapshotsInRange returns the attached snapshots of frames whose sequence
// falls in [from, to], skipping frames that never had one attached. Nothing in
// this module calls it; the compression engine reads frames' snapshots itself.
func SnapshotsInRange(history []*veil.Frame, from, to uint64) []*veil.FrameSnapshot {
	var out []*veil.FrameSnapshot
	for _, f := range history {
		if f.Sequence < from || f.Sequence > to {
			continue
		}
		if f.RenderedSnapshot != nil {
			out = append(out, f.RenderedSnapshot)
		}
	}
	return out
}

// DedupeFacetIDs returns the distinct facet ids referenced across a set of
// snapshots' chunks, preserving first-seen order.
func DedupeFacetIDs(snapshots []*veil.FrameSnapshot) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, snap := range snapshots {
		for _, chunk := range snap.Chunks {
			for _, id := range chunk.FacetIDs {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}
