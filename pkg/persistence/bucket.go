package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anima-research/connectome/pkg/veil"
)

// BucketRef is the lightweight handle a branch keeps for a stored bucket.
type BucketRef struct {
	Hash          string `json:"hash"`
	StartSequence uint64 `json:"startSequence"`
	EndSequence   uint64 `json:"endSequence"`
	FrameCount    int    `json:"frameCount"`
}

type bucketJSON struct {
	Hash          string      `json:"hash"`
	StartSequence uint64      `json:"startSequence"`
	EndSequence   uint64      `json:"endSequence"`
	FrameCount    int         `json:"frameCount"`
	Frames        []frameJSON `json:"frames"`
}

// HashFrames computes the content address for a run of frames: the SHA-256
// of their canonical JSON encoding. Two branches holding identical frame
// runs produce the same hash and therefore share one on-disk object.
func HashFrames(frames []*veil.Frame) (string, error) {
	encoded := make([]frameJSON, len(frames))
	for i, f := range frames {
		encoded[i] = encodeFrame(f)
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("persistence: hashing frames: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// BucketStore reads and writes content-addressed frame buckets under
// <root>/frame-buckets/<hh>/<rest>.json, with a small LRU of recently
// loaded buckets.
type BucketStore struct {
	root  string
	cache *lru.Cache[string, []*veil.Frame]
}

// NewBucketStore builds a BucketStore rooted at the storage directory.
// cacheSize <= 0 uses the default of 10 buckets.
func NewBucketStore(root string, cacheSize int) (*BucketStore, error) {
	if cacheSize <= 0 {
		cacheSize = 10
	}
	cache, err := lru.New[string, []*veil.Frame](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("persistence: building bucket cache: %w", err)
	}
	return &BucketStore{root: root, cache: cache}, nil
}

func (bs *BucketStore) pathFor(hash string) string {
	return filepath.Join(bs.root, "frame-buckets", hash[:2], hash[2:]+".json")
}

// Write stores frames as one bucket and returns its reference. Writing a
// bucket whose hash already exists on disk is a no-op beyond returning the
// same ref, which is what makes duplicated history across branches free.
func (bs *BucketStore) Write(frames []*veil.Frame) (BucketRef, error) {
	if len(frames) == 0 {
		return BucketRef{}, fmt.Errorf("persistence: refusing to write empty bucket")
	}
	hash, err := HashFrames(frames)
	if err != nil {
		return BucketRef{}, err
	}
	ref := BucketRef{
		Hash:          hash,
		StartSequence: frames[0].Sequence,
		EndSequence:   frames[len(frames)-1].Sequence,
		FrameCount:    len(frames),
	}

	path := bs.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		return ref, nil // content-addressed: already stored
	}

	bj := bucketJSON{
		Hash:          hash,
		StartSequence: ref.StartSequence,
		EndSequence:   ref.EndSequence,
		FrameCount:    ref.FrameCount,
		Frames:        make([]frameJSON, len(frames)),
	}
	for i, f := range frames {
		bj.Frames[i] = encodeFrame(f)
	}
	data, err := json.Marshal(bj)
	if err != nil {
		return BucketRef{}, fmt.Errorf("persistence: encoding bucket %s: %w", hash, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return BucketRef{}, fmt.Errorf("persistence: creating bucket dir: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return BucketRef{}, fmt.Errorf("persistence: writing bucket %s: %w", hash, err)
	}
	return ref, nil
}

// Load returns the frames for one bucket, from the LRU when possible.
func (bs *BucketStore) Load(ref BucketRef) ([]*veil.Frame, error) {
	if frames, ok := bs.cache.Get(ref.Hash); ok {
		return frames, nil
	}
	data, err := os.ReadFile(bs.pathFor(ref.Hash))
	if err != nil {
		return nil, fmt.Errorf("persistence: reading bucket %s: %w", ref.Hash, err)
	}
	var bj bucketJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return nil, fmt.Errorf("persistence: parsing bucket %s: %w", ref.Hash, err)
	}
	if bj.Hash != ref.Hash || bj.FrameCount != len(bj.Frames) {
		return nil, fmt.Errorf("persistence: bucket %s is corrupt (hash=%s frames=%d/%d)",
			ref.Hash, bj.Hash, len(bj.Frames), bj.FrameCount)
	}
	frames := make([]*veil.Frame, len(bj.Frames))
	for i, fj := range bj.Frames {
		f, err := decodeFrame(fj)
		if err != nil {
			return nil, fmt.Errorf("persistence: bucket %s: %w", ref.Hash, err)
		}
		frames[i] = f
	}
	bs.cache.Add(ref.Hash, frames)
	return frames, nil
}

// LoadFrames loads every referenced bucket lazily, in order, concatenating
// their frames.
func (bs *BucketStore) LoadFrames(refs []BucketRef) ([]*veil.Frame, error) {
	var out []*veil.Frame
	for _, ref := range refs {
		frames, err := bs.Load(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

// ObjectCount reports how many bucket objects exist on disk, used by tests
// and the inspect command to demonstrate cross-branch deduplication.
func (bs *BucketStore) ObjectCount() (int, error) {
	count := 0
	root := filepath.Join(bs.root, "frame-buckets")
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".json" {
			count++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return count, err
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
