// Package persistence implements the durable append-only history layer
//: per-frame transition files, periodic full-state snapshots,
// a content-addressed frame-bucket store with an LRU of loaded buckets,
// and a manifest tracking branches for time-travel debugging.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/anima-research/connectome/pkg/veil"
)

// Config carries the storage layer's tunables, recognized under the
// `persistence.*` configuration keys.
type Config struct {
	StoragePath      string
	SnapshotInterval int // frames between full-state snapshots (default 100)
	BucketSize       int // frames per bucket (default 100)
	BucketCacheSize  int // LRU size in buckets (default 10)
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 100
	}
	if c.BucketSize <= 0 {
		c.BucketSize = 100
	}
	if c.BucketCacheSize <= 0 {
		c.BucketCacheSize = 10
	}
	return c
}

// BranchInfo is the manifest's per-branch metadata.
type BranchInfo struct {
	Head    uint64      `json:"head"`
	Buckets []BucketRef `json:"buckets,omitempty"`
}

// Manifest tracks the current branch and branch metadata.
type Manifest struct {
	CurrentBranch string                 `json:"currentBranch"`
	Branches      map[string]*BranchInfo `json:"branches"`
}

// Store owns one space's storage directory.
type Store struct {
	cfg     Config
	logger  *zap.Logger
	buckets *BucketStore

	manifest *Manifest
	branch   string
}

// Open loads (or initializes) the storage directory at cfg.StoragePath and
// positions the store on the manifest's current branch, "main" when fresh.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoragePath == "" {
		return nil, fmt.Errorf("persistence: storage path is required")
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: creating storage root: %w", err)
	}
	buckets, err := NewBucketStore(cfg.StoragePath, cfg.BucketCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, logger: logger, buckets: buckets}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.cfg.StoragePath, "manifest.json")
}

func (s *Store) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		s.manifest = &Manifest{
			CurrentBranch: "main",
			Branches:      map[string]*BranchInfo{"main": {}},
		}
		s.branch = "main"
		return s.saveManifest()
	}
	if err != nil {
		return fmt.Errorf("persistence: reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("persistence: manifest is corrupt: %w", err)
	}
	if m.Branches == nil {
		m.Branches = map[string]*BranchInfo{}
	}
	if m.CurrentBranch == "" {
		m.CurrentBranch = "main"
	}
	if m.Branches[m.CurrentBranch] == nil {
		m.Branches[m.CurrentBranch] = &BranchInfo{}
	}
	s.manifest = &m
	s.branch = m.CurrentBranch
	return nil
}

func (s *Store) saveManifest() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: encoding manifest: %w", err)
	}
	return writeFileAtomic(s.manifestPath(), data)
}

// Branch returns the branch the store currently appends to.
func (s *Store) Branch() string { return s.branch }

// BranchHead returns the last persisted sequence on the current branch.
func (s *Store) BranchHead() uint64 {
	return s.manifest.Branches[s.branch].Head
}

// Buckets returns the bucket store, for callers (the inspect command,
// tests) that read history directly.
func (s *Store) Buckets() *BucketStore { return s.buckets }

// BranchRefs returns the bucket references recorded for branch.
func (s *Store) BranchRefs(branch string) []BucketRef {
	bi := s.manifest.Branches[branch]
	if bi == nil {
		return nil
	}
	return bi.Buckets
}

// ForkBranch creates a new branch that shares history with the current one
// up to its head, then switches to it. Shared history costs nothing: the
// new branch references the same content-addressed buckets.
func (s *Store) ForkBranch(name string) error {
	if _, exists := s.manifest.Branches[name]; exists {
		return fmt.Errorf("persistence: branch %q already exists", name)
	}
	cur := s.manifest.Branches[s.branch]
	s.manifest.Branches[name] = &BranchInfo{
		Head:    cur.Head,
		Buckets: append([]BucketRef(nil), cur.Buckets...),
	}
	s.manifest.CurrentBranch = name
	s.branch = name
	return s.saveManifest()
}

func (s *Store) transitionPath(seq uint64) string {
	return filepath.Join(s.cfg.StoragePath, "transitions", s.branch, fmt.Sprintf("%d.json", seq))
}

func (s *Store) snapshotPath(seq uint64) string {
	return filepath.Join(s.cfg.StoragePath, "snapshots", s.branch, fmt.Sprintf("%d.json", seq))
}

// WriteTransition persists frame's transition file and advances the branch
// head.
func (s *Store) WriteTransition(frame *veil.Frame) error {
	data, err := MarshalFrame(frame)
	if err != nil {
		return fmt.Errorf("persistence: encoding frame %d: %w", frame.Sequence, err)
	}
	path := s.transitionPath(frame.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persistence: creating transitions dir: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("persistence: writing transition %d: %w", frame.Sequence, err)
	}
	s.manifest.Branches[s.branch].Head = frame.Sequence
	return s.saveManifest()
}

// ReadTransition loads a persisted frame by sequence on the current branch.
func (s *Store) ReadTransition(seq uint64) (*veil.Frame, error) {
	data, err := os.ReadFile(s.transitionPath(seq))
	if err != nil {
		return nil, fmt.Errorf("persistence: reading transition %d: %w", seq, err)
	}
	return UnmarshalFrame(data)
}

// TransitionSequences lists the persisted transition sequences on the
// current branch in ascending order, used by Restore to replay history
// recorded after the latest snapshot.
func (s *Store) TransitionSequences() ([]uint64, error) {
	dir := filepath.Join(s.cfg.StoragePath, "transitions", s.branch)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: listing transitions: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		seq, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// stateSnapshotJSON is the periodic full-state dump: a
// serialized VEIL state plus metadata counters.
type stateSnapshotJSON struct {
	Sequence   uint64       `json:"sequence"`
	Facets     []*facetJSON `json:"facets"`
	Streams    []streamJSON `json:"streams,omitempty"`
	Agents     []agentJSON  `json:"agents,omitempty"`
	FacetCount int          `json:"facetCount"`
	FrameCount int          `json:"frameCount"`
}

type streamJSON struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type agentJSON struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Active   bool           `json:"active"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WriteStateSnapshot dumps the full VEIL state as of view into
// snapshots/<branch>/<seq>.json. Ephemeral facets are skipped; they are
// never persisted.
func (s *Store) WriteStateSnapshot(view veil.ReadOnlyView) error {
	seq := view.CurrentSequence()
	snap := stateSnapshotJSON{
		Sequence:   seq,
		Facets:     []*facetJSON{},
		FrameCount: len(view.History()),
	}
	facets := view.FacetsByAspect(func(f *veil.Facet) bool { return !f.Ephemeral })
	sort.Slice(facets, func(i, j int) bool { return facets[i].ID < facets[j].ID })
	for _, f := range facets {
		snap.Facets = append(snap.Facets, encodeFacet(f))
	}
	snap.FacetCount = len(snap.Facets)

	streams := view.Streams()
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	for _, st := range streams {
		snap.Streams = append(snap.Streams, streamJSON{ID: st.ID, DisplayName: st.DisplayName})
	}
	agents := view.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	for _, a := range agents {
		snap.Agents = append(snap.Agents, agentJSON{ID: a.ID, Name: a.Name, Active: a.Active, Metadata: a.Metadata})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persistence: encoding snapshot %d: %w", seq, err)
	}
	path := s.snapshotPath(seq)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persistence: creating snapshots dir: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("persistence: writing snapshot %d: %w", seq, err)
	}
	return nil
}

// LatestSnapshotSequence returns the highest snapshot sequence on the
// current branch, or (0, false) when none exists.
func (s *Store) LatestSnapshotSequence() (uint64, bool) {
	dir := filepath.Join(s.cfg.StoragePath, "snapshots", s.branch)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	var best uint64
	found := false
	for _, e := range entries {
		seq, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".json"), 10, 64)
		if err != nil {
			continue
		}
		if !found || seq > best {
			best = seq
			found = true
		}
	}
	return best, found
}

// Restore rebuilds state from the latest snapshot, then replays any
// transitions recorded after it. Ephemeral state never round-trips; it was
// never written.
func (s *Store) Restore(state *veil.State) error {
	snapSeq, haveSnap := s.LatestSnapshotSequence()
	if haveSnap {
		data, err := os.ReadFile(s.snapshotPath(snapSeq))
		if err != nil {
			return fmt.Errorf("persistence: reading snapshot %d: %w", snapSeq, err)
		}
		var snap stateSnapshotJSON
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("persistence: snapshot %d is corrupt: %w", snapSeq, err)
		}
		facets := make([]*veil.Facet, 0, len(snap.Facets))
		for _, fj := range snap.Facets {
			facets = append(facets, decodeFacet(fj))
		}
		streams := make([]*veil.Stream, 0, len(snap.Streams))
		for _, sj := range snap.Streams {
			streams = append(streams, &veil.Stream{ID: sj.ID, DisplayName: sj.DisplayName})
		}
		agents := make([]*veil.AgentInfo, 0, len(snap.Agents))
		for _, aj := range snap.Agents {
			agents = append(agents, &veil.AgentInfo{ID: aj.ID, Name: aj.Name, Active: aj.Active, Metadata: aj.Metadata})
		}
		if err := state.RestoreSnapshot(facets, streams, agents, snap.Sequence); err != nil {
			return err
		}
	}

	seqs, err := s.TransitionSequences()
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if seq <= snapSeq && haveSnap {
			continue
		}
		frame, err := s.ReadTransition(seq)
		if err != nil {
			return err
		}
		res := state.ApplyDeltas(frame.Deltas)
		for _, derr := range res.Dropped {
			s.logger.Warn("restore: dropped delta during replay",
				zap.Uint64("sequence", seq), zap.Error(derr))
		}
		if err := state.RecordFrame(frame); err != nil {
			return fmt.Errorf("persistence: replaying frame %d: %w", seq, err)
		}
	}
	return nil
}

// FlushBucket groups frames into a bucket, stores it content-addressed, and
// records the reference on the current branch.
func (s *Store) FlushBucket(frames []*veil.Frame) (BucketRef, error) {
	ref, err := s.buckets.Write(frames)
	if err != nil {
		return BucketRef{}, err
	}
	bi := s.manifest.Branches[s.branch]
	bi.Buckets = append(bi.Buckets, ref)
	if err := s.saveManifest(); err != nil {
		return BucketRef{}, err
	}
	return ref, nil
}

// BucketSize returns the configured frames-per-bucket.
func (s *Store) BucketSize() int { return s.cfg.BucketSize }

// SnapshotInterval returns the configured frames-per-snapshot cadence.
func (s *Store) SnapshotInterval() int { return s.cfg.SnapshotInterval }
