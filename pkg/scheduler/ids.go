package scheduler

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator is the centralized id source that keeps replay
// deterministic replay: components that need fresh facet ids draw them from
// here instead of calling a random source directly. Ids are name-based
// UUIDs (SHA-1 over seed + counter), so the same seed always yields the
// same id sequence.
type IDGenerator struct {
	mu      sync.Mutex
	ns      uuid.UUID
	seed    string
	counter uint64
}

// NewIDGenerator builds a generator for one space. The seed is typically
// the space name; replaying the same event history with the same seed
// reproduces every generated id.
func NewIDGenerator(seed string) *IDGenerator {
	return &IDGenerator{ns: uuid.NameSpaceOID, seed: seed}
}

// NextID returns the next id with the given prefix.
func (g *IDGenerator) NextID(prefix string) string {
	g.mu.Lock()
	n := g.counter
	g.counter++
	g.mu.Unlock()
	id := uuid.NewSHA1(g.ns, []byte(fmt.Sprintf("%s/%d", g.seed, n)))
	return fmt.Sprintf("%s-%s", prefix, id.String()[:8])
}
