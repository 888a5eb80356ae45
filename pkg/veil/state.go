package veil

import (
	"fmt"
	"sync"
)

// RemovalKind distinguishes a facet hidden from rendering (it happened, but is
// no longer current) from one deleted outright.
type RemovalKind int

const (
	// RemovalHidden marks a facet that expired naturally (an ephemeral facet
	// surviving past the frame(s) that needed it).
	RemovalHidden RemovalKind = iota
	// RemovalDeleted marks a facet removed by an explicit removeFacet delta.
	RemovalDeleted
)

// State is the authoritative VEIL state manager: the facet map, stream map,
// scope set, agent map, and frame history for one space. All other components
// reach it only through a ReadOnlyView and through the deltas they emit —
// State.ApplyDeltas is the only delta mutator. The scheduler calls it during
// frame processing, and persistence.Store.Restore calls it at startup to
// replay persisted transitions.
type State struct {
	mu sync.RWMutex

	facets  map[string]*Facet
	byKind  map[Kind]map[string]struct{}
	streams map[string]*Stream
	scopes  map[string]struct{}
	agents  map[string]*AgentInfo
	removed map[string]RemovalKind

	history         []*Frame
	currentSequence uint64
}

// New creates an empty VEIL state manager.
func New() *State {
	return &State{
		facets:  make(map[string]*Facet),
		byKind:  make(map[Kind]map[string]struct{}),
		streams: make(map[string]*Stream),
		scopes:  make(map[string]struct{}),
		agents:  make(map[string]*AgentInfo),
		removed: make(map[string]RemovalKind),
	}
}

// ApplyResult reports what happened when a batch of deltas was applied: which
// deltas actually took effect and which were dropped as recoverable validation
// errors.
type ApplyResult struct {
	Applied  []Delta
	Reverse  []Delta
	Dropped  []error
}

// ApplyDeltas applies deltas atomically: either every delta that passes
// validation is applied, in order, or (for an InvariantError) none are.
// Unknown-id rewrite/remove deltas are dropped with a recoverable
// ValidationError rather than aborting the whole batch; dangling state-change
// targets are dropped the same way.
func (s *State) ApplyDeltas(deltas []Delta) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult
	for _, d := range deltas {
		reverse, err := s.applyOne(d)
		if err != nil {
			res.Dropped = append(res.Dropped, err)
			continue
		}
		res.Applied = append(res.Applied, d)
		if reverse != nil {
			res.Reverse = append(res.Reverse, *reverse)
		}
	}
	return res
}

func (s *State) applyOne(d Delta) (*Delta, error) {
	switch d.Kind {
	case DeltaAdd:
		return s.applyAdd(d)
	case DeltaRewrite:
		return s.applyRewrite(d)
	case DeltaRemove:
		return s.applyRemove(d)
	default:
		return nil, &ValidationError{Op: string(d.Kind), FacetID: d.ID, Reason: "unknown delta kind"}
	}
}

func (s *State) applyAdd(d Delta) (*Delta, error) {
	if d.Facet == nil {
		return nil, &ValidationError{Op: "addFacet", FacetID: d.ID, Reason: "missing facet payload"}
	}
	if d.Facet.Kind == KindStateChange {
		if err := s.validateStateChangeTargets(d.Facet); err != nil {
			return nil, err
		}
	}
	existing, ok := s.facets[d.Facet.ID]
	if ok {
		if existing.StructurallyEqual(d.Facet) {
			return nil, nil // no-op re-add
		}
		return nil, &ConflictError{FacetID: d.Facet.ID}
	}

	f := d.Facet.Clone()
	s.facets[f.ID] = f
	s.indexKind(f)
	for _, scope := range f.Scope {
		s.scopes[scope] = struct{}{}
	}
	delete(s.removed, f.ID)

	reverse := RemoveFacet(f.ID)
	return &reverse, nil
}

func (s *State) applyRewrite(d Delta) (*Delta, error) {
	existing, ok := s.facets[d.ID]
	if !ok {
		return nil, &ValidationError{Op: "rewriteFacet", FacetID: d.ID, Reason: "unknown facet id"}
	}

	oldChanges := snapshotForRewrite(existing)
	updated := existing.Clone()

	if v, ok := d.Changes[ChangeKeyContent]; ok {
		if str, ok := v.(string); ok {
			updated.Content = str
		}
	}
	if v, ok := d.Changes[ChangeKeyChildren]; ok {
		if children, ok := v.([]string); ok {
			updated.Children = children
		}
	}
	if v, ok := d.Changes[ChangeKeyState]; ok {
		overlay, ok := v.(map[string]any)
		if !ok {
			return nil, &ValidationError{Op: "rewriteFacet", FacetID: d.ID, Reason: "state overlay must be a map"}
		}
		if updated.State == nil {
			updated.State = make(map[string]any, len(overlay))
		}
		for k, val := range overlay {
			updated.State[k] = val
		}
	}
	// Any remaining keys are treated as top-level field overlays (e.g.
	// DisplayName) for forward compatibility with new facet kinds.
	for k, v := range d.Changes {
		switch k {
		case ChangeKeyContent, ChangeKeyChildren, ChangeKeyState:
			continue
		case "displayName":
			if str, ok := v.(string); ok {
				updated.DisplayName = str
			}
		}
	}

	s.facets[d.ID] = updated
	s.reindexKind(existing, updated)
	for _, scope := range updated.Scope {
		s.scopes[scope] = struct{}{}
	}

	reverse := RewriteFacet(d.ID, oldChanges)
	return &reverse, nil
}

func (s *State) applyRemove(d Delta) (*Delta, error) {
	existing, ok := s.facets[d.ID]
	if !ok {
		return nil, &ValidationError{Op: "removeFacet", FacetID: d.ID, Reason: "unknown facet id"}
	}
	delete(s.facets, d.ID)
	s.unindexKind(existing)
	s.removed[d.ID] = RemovalDeleted

	reverse := AddFacet(existing.Clone())
	return &reverse, nil
}

// ExpireEphemeral drops ephemeral facets that should no longer be live. keepIDs
// names facets still needed by a downstream phase this frame (e.g. a
// rendered-context still awaiting its AgentEffector).
func (s *State) ExpireEphemeral(keepIDs map[string]struct{}) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, f := range s.facets {
		if !f.Ephemeral {
			continue
		}
		if _, keep := keepIDs[id]; keep {
			continue
		}
		expired = append(expired, id)
	}
	for _, id := range expired {
		f := s.facets[id]
		delete(s.facets, id)
		s.unindexKind(f)
		s.removed[id] = RemovalHidden
	}
	return expired
}

func (s *State) validateStateChangeTargets(f *Facet) error {
	for _, target := range f.TargetFacetIDs {
		tf, ok := s.facets[target]
		if !ok || tf.Kind != KindState {
			return &ValidationError{Op: "state-change", FacetID: f.ID, Reason: fmt.Sprintf("dangling target %q", target)}
		}
	}
	return nil
}

func snapshotForRewrite(f *Facet) map[string]any {
	changes := map[string]any{
		ChangeKeyContent: f.Content,
	}
	if f.Children != nil {
		changes[ChangeKeyChildren] = f.Children
	}
	if f.State != nil {
		changes[ChangeKeyState] = cloneAnyMap(f.State)
	}
	return changes
}

func (s *State) indexKind(f *Facet) {
	m, ok := s.byKind[f.Kind]
	if !ok {
		m = make(map[string]struct{})
		s.byKind[f.Kind] = m
	}
	m[f.ID] = struct{}{}
}

func (s *State) unindexKind(f *Facet) {
	if m, ok := s.byKind[f.Kind]; ok {
		delete(m, f.ID)
	}
}

func (s *State) reindexKind(old, updated *Facet) {
	if old.Kind != updated.Kind {
		s.unindexKind(old)
		s.indexKind(updated)
	}
}

// RecordFrame appends frame to history and advances currentSequence. The caller
// (the frame scheduler) is responsible for assigning a strictly increasing,
// gap-free Sequence before calling this.
func (s *State) RecordFrame(frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) > 0 {
		last := s.history[len(s.history)-1]
		if frame.Sequence != last.Sequence+1 {
			return &InvariantError{Reason: fmt.Sprintf("sequence gap: last=%d next=%d", last.Sequence, frame.Sequence)}
		}
	}
	s.history = append(s.history, frame)
	s.currentSequence = frame.Sequence
	return nil
}

// AttachSnapshot records a rendered snapshot onto the frame at seq, the one
// in-place mutation frame history permits.
func (s *State) AttachSnapshot(seq uint64, snap *FrameSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.frameAt(seq)
	if f == nil {
		return &InvariantError{Reason: fmt.Sprintf("no frame with sequence %d", seq)}
	}
	f.RenderedSnapshot = snap
	return nil
}

// AttachTransition records the persistence transition onto the frame at seq.
func (s *State) AttachTransition(seq uint64, t *Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.frameAt(seq)
	if f == nil {
		return &InvariantError{Reason: fmt.Sprintf("no frame with sequence %d", seq)}
	}
	f.Transition = t
	return nil
}

func (s *State) frameAt(seq uint64) *Frame {
	// History is append-only and sequences are contiguous from the first recorded
	// frame, so this is a direct offset.
	if len(s.history) == 0 {
		return nil
	}
	first := s.history[0].Sequence
	if seq < first {
		return nil
	}
	idx := seq - first
	if int(idx) >= len(s.history) {
		return nil
	}
	return s.history[idx]
}

// CurrentSequence returns the sequence number of the last recorded frame.
func (s *State) CurrentSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSequence
}

// RegisterStream adds or replaces a stream definition.
func (s *State) RegisterStream(stream *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.ID] = stream
}

// RegisterAgent adds or replaces an agent's identity/runtime flags.
func (s *State) RegisterAgent(agent *AgentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
}

// RestoreSnapshot replaces the live facet/stream/agent maps and the current
// sequence with the contents of a persisted full-state snapshot. It is called
// exactly once, before the first frame of a resumed space; frame history stays
// empty — replay of persisted transitions, if wanted, happens through
// ApplyDeltas/RecordFrame like any other frame.
func (s *State) RestoreSnapshot(facets []*Facet, streams []*Stream, agents []*AgentInfo, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) > 0 || len(s.facets) > 0 {
		return &InvariantError{Reason: "restore into non-empty state"}
	}
	for _, f := range facets {
		cp := f.Clone()
		s.facets[cp.ID] = cp
		s.indexKind(cp)
		for _, scope := range cp.Scope {
			s.scopes[scope] = struct{}{}
		}
	}
	for _, st := range streams {
		s.streams[st.ID] = st
	}
	for _, a := range agents {
		s.agents[a.ID] = a
	}
	s.currentSequence = seq
	return nil
}

// History returns the full recorded frame slice. Callers must not mutate the
// returned frames; it is exposed for the renderer and persistence, which only
// read it.
func (s *State) History() []*Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history
}
