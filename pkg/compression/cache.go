package compression

import (
	"sync"

	"github.com/anima-research/connectome/pkg/veil"
)

// Cache holds completed compression Results and implements
// render.CompressionSource (structurally — pkg/render has no dependency on this
// package). Only the first frame of a replaced range ("the anchor") returns its
// replacement content; later frames in the range return "" to signal skip.
type Cache struct {
	mu      sync.RWMutex
	results map[uint64]Result // keyed by Range.From
	rangeOf map[uint64]Range  // sequence -> the range covering it
}

// NewCache builds an empty Cache.
func NewCache() *Cache {
	return &Cache{results: make(map[uint64]Result), rangeOf: make(map[uint64]Range)}
}

// Store records rng's result and marks every sequence in rng as covered.
func (c *Cache) Store(rng Range, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[rng.From] = result
	for seq := rng.From; seq <= rng.To; seq++ {
		c.rangeOf[seq] = rng
	}
}

// Has reports whether rng already has a stored result.
func (c *Cache) Has(rng Range) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.results[rng.From]
	return ok
}

// ShouldReplaceFrame reports whether seq falls inside a compressed range.
func (c *Cache) ShouldReplaceFrame(seq uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rangeOf[seq]
	return ok
}

// Replacement returns (summary, true) for a range's anchor frame, ("", true)
// for a later frame in the same range, or ("", false) if seq has no compression
// result at all.
func (c *Cache) Replacement(seq uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rng, ok := c.rangeOf[seq]
	if !ok {
		return "", false
	}
	if seq != rng.From {
		return "", true
	}
	return c.results[rng.From].Summary, true
}

// StateDelta returns the range's net state delta, attributed to the anchor
// frame only (replaying it more than once would double-apply it).
func (c *Cache) StateDelta(seq uint64) *veil.StateDelta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rng, ok := c.rangeOf[seq]
	if !ok || seq != rng.From {
		return nil
	}
	sd := c.results[rng.From].StateDelta.Clone()
	return &sd
}
