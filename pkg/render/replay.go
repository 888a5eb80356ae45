package render

import "github.com/anima-research/connectome/pkg/veil"

// replayMap is the renderer's "local map": it replays
// addFacet/rewriteFacet/removeFacet deltas frame by frame so a frame's
// rendering reflects VEIL state as of that frame, not the live state —
// later frames (and compression's state deltas) must not retroactively
// change how an earlier frame renders.
type replayMap struct {
	facets map[string]*veil.Facet
	hidden map[string]bool
}

func newReplayMap() *replayMap {
	return &replayMap{facets: make(map[string]*veil.Facet), hidden: make(map[string]bool)}
}

func (m *replayMap) add(f *veil.Facet) {
	if f == nil {
		return
	}
	m.facets[f.ID] = f.Clone()
	delete(m.hidden, f.ID)
}

// rewrite applies the same Changes overlay semantics as veil.State's
// applyRewrite (content/children replaced wholesale when present, state
// merged by shallow overlay), so replay matches how the delta actually
// mutated authoritative state at the time it was applied.
func (m *replayMap) rewrite(id string, changes map[string]any) {
	existing, ok := m.facets[id]
	if !ok {
		return
	}
	updated := existing.Clone()
	if v, ok := changes[veil.ChangeKeyContent]; ok {
		if s, ok := v.(string); ok {
			updated.Content = s
		}
	}
	if v, ok := changes[veil.ChangeKeyChildren]; ok {
		if c, ok := v.([]string); ok {
			updated.Children = c
		}
	}
	if v, ok := changes[veil.ChangeKeyState]; ok {
		if overlay, ok := v.(map[string]any); ok {
			if updated.State == nil {
				updated.State = make(map[string]any, len(overlay))
			}
			for k, val := range overlay {
				updated.State[k] = val
			}
		}
	}
	m.facets[id] = updated
}

func (m *replayMap) remove(id string) {
	delete(m.facets, id)
	m.hidden[id] = true
}

func (m *replayMap) get(id string) *veil.Facet {
	return m.facets[id]
}

func (m *replayMap) isHidden(id string) bool {
	return m.hidden[id]
}

// applyStateDelta folds a compression result's net state delta into the
// replay map. Each Changes entry is a facet's State overlay, folded in the
// way rewrite() folds a state overlay; Added ids carry no facet payload in the delta (the
// compression engine only ever summarizes existing facets into a
// replacement string), so there is nothing to materialize for them here —
// they exist only as a hint to callers that track facet counts.
func (m *replayMap) applyStateDelta(sd veil.StateDelta) {
	for _, id := range sd.Deleted {
		m.remove(id)
	}
	for id, attrs := range sd.Changes {
		m.rewrite(id, map[string]any{veil.ChangeKeyState: attrs})
	}
}
