package veil

// ReadOnlyView is the immutable snapshot contract every component other than
// the scheduler and State itself is given: iteration by id, by type, by aspect
// predicate, and stream/scope membership, with no mutation surface at all.
type ReadOnlyView interface {
	Facet(id string) (*Facet, bool)
	FacetsByType(kind Kind) []*Facet
	FacetsByAspect(pred func(*Facet) bool) []*Facet
	FacetsByStream(streamID string) []*Facet
	FacetsByScope(scope string) []*Facet
	Stream(id string) (*Stream, bool)
	Streams() []*Stream
	Agent(id string) (*AgentInfo, bool)
	Agents() []*AgentInfo
	History() []*Frame
	CurrentSequence() uint64
	IsRemoved(id string) (RemovalKind, bool)
}

type readonlyView struct {
	facets  map[string]*Facet
	byKind  map[Kind]map[string]struct{}
	streams map[string]*Stream
	agents  map[string]*AgentInfo
	removed map[string]RemovalKind
	history []*Frame
	seq     uint64
}

// Readonly captures an immutable snapshot of s as of the moment of the call.
// The scheduler takes one snapshot per phase boundary.
func (s *State) Readonly() ReadOnlyView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := &readonlyView{
		facets:  make(map[string]*Facet, len(s.facets)),
		byKind:  make(map[Kind]map[string]struct{}, len(s.byKind)),
		streams: make(map[string]*Stream, len(s.streams)),
		agents:  make(map[string]*AgentInfo, len(s.agents)),
		removed: make(map[string]RemovalKind, len(s.removed)),
		history: s.history, // append-only; safe to share
		seq:     s.currentSequence,
	}
	for id, f := range s.facets {
		v.facets[id] = f
	}
	for k, ids := range s.byKind {
		cp := make(map[string]struct{}, len(ids))
		for id := range ids {
			cp[id] = struct{}{}
		}
		v.byKind[k] = cp
	}
	for id, st := range s.streams {
		v.streams[id] = st
	}
	for id, a := range s.agents {
		v.agents[id] = a
	}
	for id, rk := range s.removed {
		v.removed[id] = rk
	}
	return v
}

func (v *readonlyView) Facet(id string) (*Facet, bool) {
	f, ok := v.facets[id]
	return f, ok
}

func (v *readonlyView) FacetsByType(kind Kind) []*Facet {
	ids := v.byKind[kind]
	out := make([]*Facet, 0, len(ids))
	for id := range ids {
		out = append(out, v.facets[id])
	}
	return out
}

func (v *readonlyView) FacetsByAspect(pred func(*Facet) bool) []*Facet {
	var out []*Facet
	for _, f := range v.facets {
		if pred(f) {
			out = append(out, f)
		}
	}
	return out
}

func (v *readonlyView) FacetsByStream(streamID string) []*Facet {
	var out []*Facet
	for _, f := range v.facets {
		if f.StreamID == streamID {
			out = append(out, f)
		}
	}
	return out
}

func (v *readonlyView) FacetsByScope(scope string) []*Facet {
	var out []*Facet
	for _, f := range v.facets {
		for _, s := range f.Scope {
			if s == scope {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func (v *readonlyView) Stream(id string) (*Stream, bool) {
	st, ok := v.streams[id]
	return st, ok
}

func (v *readonlyView) Streams() []*Stream {
	out := make([]*Stream, 0, len(v.streams))
	for _, st := range v.streams {
		out = append(out, st)
	}
	return out
}

func (v *readonlyView) Agent(id string) (*AgentInfo, bool) {
	a, ok := v.agents[id]
	return a, ok
}

func (v *readonlyView) Agents() []*AgentInfo {
	out := make([]*AgentInfo, 0, len(v.agents))
	for _, a := range v.agents {
		out = append(out, a)
	}
	return out
}

func (v *readonlyView) History() []*Frame { return v.history }

func (v *readonlyView) CurrentSequence() uint64 { return v.seq }

func (v *readonlyView) IsRemoved(id string) (RemovalKind, bool) {
	rk, ok := v.removed[id]
	return rk, ok
}
