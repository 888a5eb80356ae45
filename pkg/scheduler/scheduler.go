// Package scheduler implements the frame scheduler: the hardest subsystem in
// the core, a single-threaded cooperative pipeline that advances a connectome
// space by one frame at a time through five strictly ordered phases
// (Modulation, Reception, Transformation, Effectuation, Maintenance).
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/anima-research/connectome/pkg/components"
	"github.com/anima-research/connectome/pkg/veil"
)

// Scheduler drives one space's frame loop. It owns the event queue and is the
// sole caller of veil.State's mutating methods: no other component reaches the
// state manager directly.
type Scheduler struct {
	mu sync.Mutex

	state    *veil.State
	registry *components.Registry
	logger   *zap.Logger
	cfg      Config
	clock    Clock
	observer DebugObserver

	queue    []veil.SpaceEvent
	safeMode bool
	safeWhy  string

	snapshotCapturer SnapshotCapturer
}

// SnapshotCapturer captures how a frame renders at the end of Phase 2, before
// later frames' Transforms can rewrite the state it depends on. pkg/render's
// Renderer implements this; it is injected rather than imported directly so
// pkg/scheduler has no dependency on the rendering stack.
type SnapshotCapturer interface {
	CaptureSnapshot(view veil.ReadOnlyView, frame *veil.Frame) *veil.FrameSnapshot
}

// New constructs a Scheduler. A nil logger, clock, or observer is replaced with
// a safe default (zap.NewNop, SystemClock, a no-op observer).
func New(state *veil.State, registry *components.Registry, logger *zap.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		state:    state,
		registry: registry,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		clock:    SystemClock{},
		observer: noopObserver{},
	}
}

// SetClock overrides the scheduler's time source, for deterministic tests and
// replay.
func (s *Scheduler) SetClock(c Clock) {
	if c != nil {
		s.clock = c
	}
}

// SetObserver attaches a debug observer. Pass nil to detach.
func (s *Scheduler) SetObserver(o DebugObserver) {
	if o == nil {
		o = noopObserver{}
	}
	s.observer = o
}

// SetSnapshotCapturer attaches the frame snapshot capturer. Pass nil to disable
// snapshot capture entirely.
func (s *Scheduler) SetSnapshotCapturer(c SnapshotCapturer) {
	s.snapshotCapturer = c
}

func (s *Scheduler) captureSnapshot(view veil.ReadOnlyView, frame *veil.Frame) {
	if s.snapshotCapturer == nil {
		return
	}
	frame.RenderedSnapshot = s.snapshotCapturer.CaptureSnapshot(view, frame)
}

// Enqueue adds events to the queue consumed by the next Tick.
func (s *Scheduler) Enqueue(events ...veil.SpaceEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, events...)
}

// HasWork reports whether a Tick would have any queued events to process. A
// space's Run loop uses this to decide whether to advance at all.
func (s *Scheduler) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// InSafeMode reports whether an invariant violation has halted new frame
// intake.
func (s *Scheduler) InSafeMode() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeMode, s.safeWhy
}

func (s *Scheduler) enterSafeMode(reason string) {
	s.safeMode = true
	s.safeWhy = reason
	s.logger.Error("scheduler entering safe mode", zap.String("reason", reason))
}

// Tick runs exactly one frame to completion: it snapshots the current queue,
// runs the five phases, seals the resulting Frame into history, and returns it.
// Events emitted during this frame are queued for the next Tick, never this
// one.
func (s *Scheduler) Tick(ctx context.Context) (*veil.Frame, error) {
	s.mu.Lock()
	if s.safeMode {
		reason := s.safeWhy
		s.mu.Unlock()
		return nil, &SafeModeError{Reason: reason}
	}
	events := s.queue
	s.queue = nil
	s.mu.Unlock()

	seq := s.state.CurrentSequence() + 1
	ts := s.clock.Now()
	frameStart := s.state.Readonly()

	s.observer.OnFrameStart(seq, events)
	for _, ev := range events {
		s.observer.OnFrameEvent(seq, ev)
	}

	events = s.runModulation(ctx, frameStart, events)

	phase1Applied, phase1Reverse, diagnostics := s.runReception(ctx, frameStart, events)

	var allDeltas []veil.Delta
	allDeltas = append(allDeltas, phase1Applied...)

	phase2Applied, phase2Reverse, aborted, abortReason := s.runTransformation(ctx, phase1Applied, &diagnostics)
	if aborted {
		s.rollback(append(phase2Reverse, phase1Reverse...))
		diagnostics = append(diagnostics, diagnosticEvent(seq, abortReason))
		if !s.cfg.AdvanceOnAbort {
			s.mu.Lock()
			s.queue = append(diagnostics, s.queue...)
			s.mu.Unlock()
			return nil, &AbortedFrameError{Sequence: seq, Reason: abortReason}
		}
		frame := &veil.Frame{Sequence: seq, Timestamp: ts, Events: events, Deltas: allDeltas}
		s.captureSnapshot(s.state.Readonly(), frame)
		if err := s.state.RecordFrame(frame); err != nil {
			s.enterSafeMode(err.Error())
			return nil, err
		}
		s.mu.Lock()
		s.queue = append(s.queue, diagnostics...)
		s.mu.Unlock()
		s.observer.OnFrameComplete(frame)
		return frame, &AbortedFrameError{Sequence: seq, Reason: abortReason}
	}
	allDeltas = append(allDeltas, phase2Applied...)

	// Snapshot capture happens here, at the end of Phase 2, using the
	// post-transformation view — before Phase 3 effectors can stage further events
	// that, once applied next frame, would retroactively change how this frame's
	// facets would render.
	frame := &veil.Frame{Sequence: seq, Timestamp: ts, Events: events, Deltas: allDeltas}
	s2View := s.state.Readonly()
	s.captureSnapshot(s2View, frame)
	changes := computeChangeSet(frameStart, s2View)

	nextEvents, externalActions := s.runEffectuation(ctx, s2View, changes)

	if err := s.state.RecordFrame(frame); err != nil {
		s.enterSafeMode(err.Error())
		return nil, err
	}

	s.runMaintenance(ctx, frame, changes)
	s.dispatchExternalActions(externalActions)

	// Ephemeral facets live exactly as long as the frame that produced them needs
	// them; by the time Phase 4 has run, nothing downstream is left to consume
	// them.
	if expired := s.state.ExpireEphemeral(nil); len(expired) > 0 {
		s.logger.Debug("expired ephemeral facets", zap.Strings("ids", expired))
	}

	s.mu.Lock()
	s.queue = append(s.queue, diagnostics...)
	s.queue = append(s.queue, nextEvents...)
	s.mu.Unlock()

	s.observer.OnFrameComplete(frame)
	return frame, nil
}

// runModulation executes Phase 0 in registration order. A failing Modulator is
// isolated: it is skipped and the event list it would have received passes
// through unchanged.
func (s *Scheduler) runModulation(ctx context.Context, view veil.ReadOnlyView, events []veil.SpaceEvent) []veil.SpaceEvent {
	for _, m := range s.registry.Modulators() {
		filtered, err := m.Modulate(ctx, view, events)
		if err != nil {
			s.logger.Error("modulator failed, passing events through unchanged",
				zap.String("modulator", m.Name()), zap.Error(err))
			continue
		}
		events = filtered
	}
	return events
}

// runReception executes Phase 1: every Receptor whose Topics include an event's
// topic runs against that event, in (event order, receptor registration order).
// A Receptor error isolates to that receptor/event pair; the diagnostic is
// queued for the next frame.
func (s *Scheduler) runReception(ctx context.Context, view veil.ReadOnlyView, events []veil.SpaceEvent) (applied, reverse []veil.Delta, diagnostics []veil.SpaceEvent) {
	var pending []veil.Delta
	receptors := s.registry.Receptors()
	for _, ev := range events {
		for _, r := range receptors {
			if !components.ReceptorMatchesTopic(r, ev.Topic) {
				continue
			}
			deltas, err := r.Receive(ctx, view, ev)
			if err != nil {
				s.logger.Error("receptor failed",
					zap.String("receptor", r.Name()), zap.String("topic", ev.Topic), zap.Error(err))
				diagnostics = append(diagnostics, diagnosticEvent(view.CurrentSequence()+1, err.Error()))
				continue
			}
			pending = append(pending, deltas...)
		}
	}
	res := s.state.ApplyDeltas(pending)
	for _, err := range res.Dropped {
		diagnostics = append(diagnostics, diagnosticEvent(view.CurrentSequence()+1, err.Error()))
	}
	return res.Applied, res.Reverse, diagnostics
}

// runTransformation executes Phase 2's bounded fixed-point loop.
func (s *Scheduler) runTransformation(ctx context.Context, seed []veil.Delta, diagnostics *[]veil.SpaceEvent) (applied, reverse []veil.Delta, aborted bool, reason string) {
	ordered, err := s.registry.Transforms()
	if err != nil {
		return nil, nil, true, fmt.Sprintf("computing transform order: %v", err)
	}
	required := requiredCapabilityProviders(ordered)

	pending := seed
	for iter := 0; iter < s.cfg.TransformFixedPointLimit; iter++ {
		anyNew := false
		view := s.state.Readonly()
		for _, t := range ordered {
			newDeltas, err := t.Apply(ctx, view, pending)
			if err != nil {
				s.logger.Error("transform failed", zap.String("transform", t.Name()), zap.Error(err))
				if required[t.Name()] {
					return applied, reverse, true, fmt.Sprintf("required transform %q failed: %v", t.Name(), err)
				}
				continue
			}
			if len(newDeltas) == 0 {
				continue
			}
			res := s.state.ApplyDeltas(newDeltas)
			applied = append(applied, res.Applied...)
			reverse = append(reverse, res.Reverse...)
			for _, derr := range res.Dropped {
				*diagnostics = append(*diagnostics, diagnosticEvent(view.CurrentSequence()+1, derr.Error()))
			}
			if len(res.Applied) > 0 {
				anyNew = true
			}
			pending = res.Applied
			view = s.state.Readonly()
		}
		if !anyNew {
			return applied, reverse, false, ""
		}
	}
	return applied, reverse, true, "transform fixed point did not converge within iteration limit"
}

// runEffectuation executes Phase 3: each Effector is invoked with the subset of
// this frame's ChangeSet matching its Filter, under a per-effector soft
// deadline. Effectors run concurrently via sourcegraph/conc but their results
// are collected in registration order: the result pool preserves submission
// order regardless of completion order, so effectuation stays deterministic.
func (s *Scheduler) runEffectuation(ctx context.Context, view veil.ReadOnlyView, changes components.ChangeSet) (events []veil.SpaceEvent, externalActions []components.ExternalAction) {
	effectors := s.registry.Effectors()
	if len(effectors) == 0 {
		return nil, nil
	}

	type outcome struct {
		name string
		res  components.EffectorResult
		err  error
	}

	p := pool.NewWithResults[outcome]().WithMaxGoroutines(len(effectors))
	for _, e := range effectors {
		e := e
		p.Go(func() outcome {
			filtered := e.Filter().FilterChangeSet(changes)
			ectx, cancel := context.WithTimeout(ctx, s.cfg.Phase3SoftDeadline)
			defer cancel()
			res, err := e.Effect(ectx, view, filtered)
			return outcome{name: e.Name(), res: res, err: err}
		})
	}

	for _, o := range p.Wait() {
		if o.err != nil {
			s.logger.Error("effector failed", zap.String("effector", o.name), zap.Error(o.err))
			externalActions = append(externalActions, components.ExternalAction{
				Kind:    "diagnostic",
				Payload: map[string]any{"effector": o.name, "error": o.err.Error()},
			})
			continue
		}
		events = append(events, o.res.Events...)
		externalActions = append(externalActions, o.res.ExternalActions...)
	}
	return events, externalActions
}

// runMaintenance executes Phase 4 in registration order, handing each
// Maintainer the sealed frame and the frame's change set; a failing
// Maintainer is logged but never aborts an already-sealed frame.
func (s *Scheduler) runMaintenance(ctx context.Context, frame *veil.Frame, changes components.ChangeSet) {
	view := s.state.Readonly()
	for _, m := range s.registry.Maintainers() {
		if err := m.Maintain(ctx, view, frame, changes); err != nil {
			s.logger.Error("maintainer failed", zap.String("maintainer", m.Name()), zap.Error(err))
		}
	}
}

// dispatchExternalActions runs each action's Run function on its own goroutine;
// the scheduler never blocks Phase 3/4 completion waiting for one.
func (s *Scheduler) dispatchExternalActions(actions []components.ExternalAction) {
	for _, a := range actions {
		if a.Run == nil {
			continue
		}
		a := a
		go func() {
			if err := a.Run(context.Background()); err != nil {
				s.logger.Warn("external action failed", zap.String("kind", a.Kind), zap.Error(err))
			}
		}()
	}
}

// rollback applies a set of reverse deltas to undo a partially-applied phase.
// Reverses must be applied most-recent-first, the inverse of application order.
func (s *Scheduler) rollback(reverses []veil.Delta) {
	for i := len(reverses) - 1; i >= 0; i-- {
		res := s.state.ApplyDeltas([]veil.Delta{reverses[i]})
		for _, err := range res.Dropped {
			s.logger.Error("rollback delta dropped, state may be inconsistent", zap.Error(err))
		}
	}
}

// requiredCapabilityProviders returns the set of transform names whose
// Provides() is consumed by some other registered transform's Requires().
func requiredCapabilityProviders(ordered []components.Transform) map[string]bool {
	providerOf := make(map[string]string, len(ordered))
	for _, t := range ordered {
		for _, capability := range t.Provides() {
			providerOf[capability] = t.Name()
		}
	}
	required := make(map[string]bool, len(ordered))
	for _, t := range ordered {
		for _, req := range t.Requires() {
			if provider, ok := providerOf[req]; ok {
				required[provider] = true
			}
		}
	}
	return required
}

// computeChangeSet diffs before and after into the Added/Changed/Removed sets
// Phase 3 Effectors filter against.
func computeChangeSet(before, after veil.ReadOnlyView) components.ChangeSet {
	var cs components.ChangeSet
	seen := make(map[string]struct{})
	for _, f := range after.FacetsByAspect(func(*veil.Facet) bool { return true }) {
		seen[f.ID] = struct{}{}
		prior, existed := before.Facet(f.ID)
		switch {
		case !existed:
			cs.Added = append(cs.Added, f)
		case !prior.StructurallyEqual(f):
			cs.Changed = append(cs.Changed, f)
		}
	}
	for _, f := range before.FacetsByAspect(func(*veil.Facet) bool { return true }) {
		if _, ok := seen[f.ID]; ok {
			continue
		}
		if _, ok := after.Facet(f.ID); !ok {
			cs.Removed = append(cs.Removed, f.ID)
		}
	}
	return cs
}

// diagnosticEvent builds the system-sourced event Phase 1/2 failures enqueue
// for the next frame.
func diagnosticEvent(nextSeq uint64, reason string) veil.SpaceEvent {
	return veil.SpaceEvent{
		Topic:     "system:diagnostic",
		Source:    veil.ElementRef{ElementType: "system"},
		Timestamp: int64(nextSeq),
		Payload:   map[string]any{"reason": reason},
	}
}
