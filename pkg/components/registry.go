package components

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the components wired into one space, grouped by phase.
// Construction-time wiring is the space's job; Registry is deliberately dumb
// bookkeeping so the scheduler that drives it stays free of registration
// concerns.
type Registry struct {
	mu sync.RWMutex

	logger *zap.Logger

	modulators  []Modulator
	receptors   []Receptor
	transforms  []Transform
	effectors   []Effector
	maintainers []Maintainer

	ordered []Transform // cached result of OrderTransforms, invalidated on registration
}

// New creates an empty component registry. A nil logger is replaced with a
// no-op logger.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// RegisterModulator adds m to the Phase 0 pipeline, in registration order.
func (r *Registry) RegisterModulator(m Modulator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modulators = append(r.modulators, m)
	r.logger.Debug("registered modulator", zap.String("name", m.Name()))
}

// RegisterReceptor adds rc to the Phase 1 pipeline.
func (r *Registry) RegisterReceptor(rc Receptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receptors = append(r.receptors, rc)
	r.logger.Debug("registered receptor", zap.String("name", rc.Name()))
}

// RegisterTransform adds t to the Phase 2 pool. The dependency order is
// recomputed lazily the next time Transforms is called.
func (r *Registry) RegisterTransform(t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms = append(r.transforms, t)
	r.ordered = nil
	r.logger.Debug("registered transform",
		zap.String("name", t.Name()),
		zap.Strings("provides", t.Provides()),
		zap.Strings("requires", t.Requires()))
}

// RegisterEffector adds e to the Phase 3 pool.
func (r *Registry) RegisterEffector(e Effector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effectors = append(r.effectors, e)
	r.logger.Debug("registered effector", zap.String("name", e.Name()))
}

// RegisterMaintainer adds m to the Phase 4 pool.
func (r *Registry) RegisterMaintainer(m Maintainer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maintainers = append(r.maintainers, m)
	r.logger.Debug("registered maintainer", zap.String("name", m.Name()))
}

// Modulators returns the registered Phase 0 components, in registration order.
func (r *Registry) Modulators() []Modulator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Modulator(nil), r.modulators...)
}

// Receptors returns the registered Phase 1 components, in registration order.
func (r *Registry) Receptors() []Receptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Receptor(nil), r.receptors...)
}

// Transforms returns the registered Phase 2 components in dependency order. The
// order is computed once per registration set and cached.
func (r *Registry) Transforms() ([]Transform, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ordered != nil {
		return r.ordered, nil
	}
	ordered, err := OrderTransforms(r.transforms)
	if err != nil {
		return nil, fmt.Errorf("components: computing transform order: %w", err)
	}
	r.ordered = ordered
	return ordered, nil
}

// Effectors returns the registered Phase 3 components, in registration order.
func (r *Registry) Effectors() []Effector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Effector(nil), r.effectors...)
}

// Maintainers returns the registered Phase 4 components, in registration order.
func (r *Registry) Maintainers() []Maintainer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Maintainer(nil), r.maintainers...)
}
