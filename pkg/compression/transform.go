package compression

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anima-research/connectome/pkg/veil"
)

// TransformConfig carries the orchestration tunables recognized under the
// `compression.*` configuration keys.
type TransformConfig struct {
	MaxPendingRanges int
	MaxConcurrent    int
	RetryLimit       int
	RetryDelay       time.Duration
}

// DefaultTransformConfig returns the documented defaults.
func DefaultTransformConfig() TransformConfig {
	return TransformConfig{MaxPendingRanges: 4, MaxConcurrent: 2, RetryLimit: 2, RetryDelay: 200 * time.Millisecond}
}

func (c TransformConfig) withDefaults() TransformConfig {
	if c.MaxPendingRanges <= 0 {
		c.MaxPendingRanges = 4
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	return c
}

type jobResult struct {
	rng    Range
	result Result
	err    error
}

// Transform orchestrates the compression engine: it tracks pending ranges
// (bounded by MaxConcurrent/MaxPendingRanges), retries a failed CompressRange
// call up to RetryLimit times with a fixed backoff, and emits ephemeral
// compression-plan/compression-result facets for observability as work starts
// and completes. Compression runs on background goroutines rather than blocking
// the frame it's invoked from — Apply only ever does bookkeeping and returns
// immediately, consistent with Transforms never performing slow I/O inline.
type Transform struct {
	engine *Engine
	cache  *Cache
	cfg    TransformConfig

	mu        sync.Mutex
	started   map[Range]bool
	inFlight  int
	completed []jobResult
}

// NewTransform builds a CompressionTransform wired to engine and cache.
func NewTransform(engine *Engine, cache *Cache, cfg TransformConfig) *Transform {
	return &Transform{
		engine:  engine,
		cache:   cache,
		cfg:     cfg.withDefaults(),
		started: make(map[Range]bool),
	}
}

func (t *Transform) Name() string       { return "compression" }
func (t *Transform) Provides() []string { return []string{"compression"} }
func (t *Transform) Requires() []string { return nil }

// Apply identifies newly compressible ranges, starts compression for as many as
// MaxConcurrent/MaxPendingRanges allow, and drains any ranges that finished
// compressing since the last frame into compression-result deltas.
func (t *Transform) Apply(_ context.Context, view veil.ReadOnlyView, _ []veil.Delta) ([]veil.Delta, error) {
	history := view.History()
	var deltas []veil.Delta

	t.mu.Lock()
	pendingCount := len(t.started)
	t.mu.Unlock()

	for _, rng := range t.engine.IdentifyCompressibleRanges(history) {
		if t.cache.Has(rng) {
			continue
		}
		t.mu.Lock()
		if t.started[rng] {
			t.mu.Unlock()
			continue
		}
		if pendingCount >= t.cfg.MaxPendingRanges || t.inFlight >= t.cfg.MaxConcurrent {
			t.mu.Unlock()
			continue
		}
		t.started[rng] = true
		t.inFlight++
		pendingCount++
		t.mu.Unlock()

		deltas = append(deltas, planDelta(rng))
		t.launch(rng, history)
	}

	for _, jr := range t.drainCompleted() {
		if jr.err != nil {
			deltas = append(deltas, resultDelta(jr.rng, Result{Range: jr.rng, Summary: ""}, jr.err))
			continue
		}
		t.cache.Store(jr.rng, jr.result)
		deltas = append(deltas, resultDelta(jr.rng, jr.result, nil))
	}

	return deltas, nil
}

func (t *Transform) drainCompleted() []jobResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.completed
	t.completed = nil
	return out
}

func (t *Transform) launch(rng Range, frames []*veil.Frame) {
	go func() {
		ctx := context.Background()
		var result Result
		var err error
		for attempt := 0; attempt <= t.cfg.RetryLimit; attempt++ {
			result, err = t.engine.CompressRange(ctx, rng, frames)
			if err == nil {
				break
			}
			if attempt < t.cfg.RetryLimit {
				time.Sleep(t.cfg.RetryDelay)
			}
		}
		t.mu.Lock()
		t.completed = append(t.completed, jobResult{rng: rng, result: result, err: err})
		t.inFlight--
		delete(t.started, rng)
		t.mu.Unlock()
	}()
}

func rangeFacetID(prefix string, rng Range) string {
	return fmt.Sprintf("%s-%d-%d", prefix, rng.From, rng.To)
}

func planDelta(rng Range) veil.Delta {
	return veil.AddFacet(&veil.Facet{
		ID:        rangeFacetID("compression-plan", rng),
		Kind:      veil.KindCompressionPlan,
		Ephemeral: true,
		Engine:    "compression",
		Ranges:    []veil.FrameRange{{From: rng.From, To: rng.To}},
	})
}

func resultDelta(rng Range, result Result, err error) veil.Delta {
	f := &veil.Facet{
		ID:        rangeFacetID("compression-result", rng),
		Kind:      veil.KindCompressionResult,
		Ephemeral: true,
		Engine:    "compression",
		Ranges:    []veil.FrameRange{{From: rng.From, To: rng.To}},
		Summary:   result.Summary,
	}
	if err != nil {
		f.Content = err.Error()
	} else {
		sd := result.StateDelta.Clone()
		f.StateDelta = &sd
	}
	return veil.AddFacet(f)
}
