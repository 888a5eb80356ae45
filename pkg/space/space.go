// Package space composes the frame-processing core into one runnable unit: a
// VEIL state manager, a component registry, the frame scheduler, the HUD
// renderer, the compression pipeline, the agent bridge, and persistence, wired
// together into one event-driven runtime. Everything a space touches is
// constructed here and threaded explicitly; there is no package-level registry
// or tracer.
package space

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/anima-research/connectome/internal/pubsub"
	"github.com/anima-research/connectome/pkg/agentbridge"
	"github.com/anima-research/connectome/pkg/components"
	"github.com/anima-research/connectome/pkg/compression"
	"github.com/anima-research/connectome/pkg/persistence"
	"github.com/anima-research/connectome/pkg/persistence/index"
	"github.com/anima-research/connectome/pkg/render"
	"github.com/anima-research/connectome/pkg/scheduler"
	"github.com/anima-research/connectome/pkg/veil"
)

// Config is the full set of options the core recognizes.
type Config struct {
	Name string
	// Reset starts from empty state instead of restoring from persistence.
	Reset bool

	PersistenceEnabled bool
	Persistence        persistence.Config

	CompressionTriggerThreshold int
	CompressionMinFrames        int
	CompressionTransform        compression.TransformConfig

	Scheduler scheduler.Config
	Render    render.Options

	Agent agentbridge.GenerateOptions
}

// Space is one running connectome space.
type Space struct {
	cfg      Config
	logger   *zap.Logger
	state    *veil.State
	registry *components.Registry
	sched    *scheduler.Scheduler
	renderer *render.Renderer
	ids      *scheduler.IDGenerator

	cache  *compression.Cache
	store  *persistence.Store
	idx    *index.Index
	frames *pubsub.Broker[*veil.Frame]
	notify chan struct{}
}

// New builds a space. The provider and summarizer are the two external
// collaborators; either may be nil. A nil provider leaves the agent effector
// and its completion/failure receptors unregistered (the context transform is
// registered regardless); a nil summarizer leaves the compression transform
// unregistered.
func New(cfg Config, provider agentbridge.Provider, summarizer compression.Summarizer, logger *zap.Logger) (*Space, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "space"
	}

	state := veil.New()
	registry := components.New(logger)
	sched := scheduler.New(state, registry, logger, cfg.Scheduler)
	renderer := render.NewRenderer(nil, logger)

	s := &Space{
		cfg:      cfg,
		logger:   logger.With(zap.String("space", cfg.Name)),
		state:    state,
		registry: registry,
		sched:    sched,
		renderer: renderer,
		ids:      scheduler.NewIDGenerator(cfg.Name),
		cache:    compression.NewCache(),
		frames:   pubsub.NewBroker[*veil.Frame](),
		notify:   make(chan struct{}, 1),
	}
	sched.SetSnapshotCapturer(renderer)

	if cfg.PersistenceEnabled {
		store, err := persistence.Open(cfg.Persistence, logger)
		if err != nil {
			return nil, err
		}
		s.store = store
		idxPath := filepath.Join(cfg.Persistence.StoragePath, "index.db")
		ix, err := index.Open(idxPath)
		if err != nil {
			// The index is a derived cache; a broken one degrades to directory scans
			// instead of failing startup.
			s.logger.Warn("bucket index unavailable", zap.Error(err))
		} else {
			s.idx = ix
		}
		var indexer persistence.Indexer
		if s.idx != nil {
			indexer = s.idx
		}
		registry.RegisterMaintainer(persistence.NewTransitionMaintainer(store, indexer, logger))

		if !cfg.Reset {
			if err := store.Restore(state); err != nil {
				return nil, fmt.Errorf("space: restoring from persistence: %w", err)
			}
			s.logger.Info("restored from persistence", zap.Uint64("sequence", state.CurrentSequence()))
		}
	}

	if summarizer != nil {
		engine := compression.NewEngine(summarizer, cfg.CompressionTriggerThreshold, cfg.CompressionMinFrames)
		registry.RegisterTransform(compression.NewTransform(engine, s.cache, cfg.CompressionTransform))
	}
	renderOpts := cfg.Render
	renderOpts.Compression = s.cache
	registry.RegisterTransform(agentbridge.NewContextTransform(renderer, renderOpts, logger))
	if provider != nil {
		registry.RegisterEffector(agentbridge.NewAgentEffector(provider, sched, cfg.Agent, logger))
		registry.RegisterReceptor(agentbridge.CompletionReceptor{})
		registry.RegisterReceptor(agentbridge.FailureReceptor{})
	}

	return s, nil
}

// Validate resolves the transform order once, surfacing cycle and
// missing-provider errors at startup instead of on the first frame. Call it
// after all application components are registered.
func (s *Space) Validate() error {
	if _, err := s.registry.Transforms(); err != nil {
		return err
	}
	return nil
}

// Registry exposes component registration for the application wiring this
// space.
func (s *Space) Registry() *components.Registry { return s.registry }

// State exposes the read-only view of the space's current state.
func (s *Space) State() veil.ReadOnlyView { return s.state.Readonly() }

// Renderer exposes the space's HUD renderer.
func (s *Space) Renderer() *render.Renderer { return s.renderer }

// CompressionCache exposes the compression result cache, for rendering with
// compression applied.
func (s *Space) CompressionCache() *compression.Cache { return s.cache }

// Store exposes the persistence store, nil when persistence is disabled.
func (s *Space) Store() *persistence.Store { return s.store }

// IDs exposes the space's deterministic id generator.
func (s *Space) IDs() *scheduler.IDGenerator { return s.ids }

// SetObserver attaches a debug observer to the scheduler.
func (s *Space) SetObserver(o scheduler.DebugObserver) { s.sched.SetObserver(o) }

// SetClock overrides the scheduler's time source for deterministic runs.
func (s *Space) SetClock(c scheduler.Clock) { s.sched.SetClock(c) }

// SubscribeFrames returns a channel of sealed frames and a cancel func.
func (s *Space) SubscribeFrames(buffer int) (<-chan pubsub.Event[*veil.Frame], func()) {
	return s.frames.Subscribe(buffer)
}

// Enqueue adds external events for the next frame and wakes the Run loop.
func (s *Space) Enqueue(events ...veil.SpaceEvent) {
	s.sched.Enqueue(events...)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Tick advances exactly one frame.
func (s *Space) Tick(ctx context.Context) (*veil.Frame, error) {
	frame, err := s.sched.Tick(ctx)
	if frame != nil {
		s.frames.Publish(pubsub.NewCreatedEvent(frame))
	}
	return frame, err
}

// Drain ticks until the event queue is empty, returning the frames sealed.
// Follow-up events enqueued by effectors during a tick keep the drain going:
// frame N's effects become frame N+1's input.
func (s *Space) Drain(ctx context.Context) ([]*veil.Frame, error) {
	var sealed []*veil.Frame
	for s.sched.HasWork() {
		frame, err := s.Tick(ctx)
		if frame != nil {
			sealed = append(sealed, frame)
		}
		if err != nil {
			return sealed, err
		}
	}
	return sealed, nil
}

// Run drives the frame loop until ctx is cancelled: drain whatever is queued,
// then sleep until Enqueue wakes us. External actions completing in the
// background re-enter through Enqueue like any other event source.
func (s *Space) Run(ctx context.Context) error {
	if err := s.Validate(); err != nil {
		return err
	}
	// External actions (the agent effector's LLM calls) call scheduler.Enqueue
	// directly; poll at a coarse interval so their events are picked up even
	// without a Space.Enqueue wake-up.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := s.Drain(ctx); err != nil {
			var safeErr *scheduler.SafeModeError
			if errors.As(err, &safeErr) {
				return err
			}
			s.logger.Warn("frame aborted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		case <-ticker.C:
		}
	}
}

// Close releases resources owned by the space.
func (s *Space) Close() error {
	if s.idx != nil {
		return s.idx.Close()
	}
	return nil
}
