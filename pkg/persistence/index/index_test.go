package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/connectome/pkg/persistence"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestBucketLookup(t *testing.T) {
	ix := openTestIndex(t)

	ref := persistence.BucketRef{Hash: "abc123", StartSequence: 1, EndSequence: 100, FrameCount: 100}
	require.NoError(t, ix.RecordBucket("main", ref))

	got, ok, err := ix.BucketForSequence("main", 50)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref, got)

	_, ok, err = ix.BucketForSequence("main", 101)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ix.BucketForSequence("other", 50)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeadUpsert(t *testing.T) {
	ix := openTestIndex(t)

	_, ok, err := ix.Head("main")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ix.SetHead("main", 10))
	require.NoError(t, ix.SetHead("main", 11))

	head, ok, err := ix.Head("main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(11), head)
}

func TestRebuildFromManifest(t *testing.T) {
	ix := openTestIndex(t)

	// Stale contents get replaced wholesale.
	require.NoError(t, ix.SetHead("stale", 99))

	m := &persistence.Manifest{
		CurrentBranch: "main",
		Branches: map[string]*persistence.BranchInfo{
			"main": {
				Head: 200,
				Buckets: []persistence.BucketRef{
					{Hash: "h1", StartSequence: 1, EndSequence: 100, FrameCount: 100},
					{Hash: "h2", StartSequence: 101, EndSequence: 200, FrameCount: 100},
				},
			},
		},
	}
	require.NoError(t, ix.Rebuild(m))

	_, ok, err := ix.Head("stale")
	require.NoError(t, err)
	assert.False(t, ok)

	head, ok, err := ix.Head("main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(200), head)

	ref, ok, err := ix.BucketForSequence("main", 150)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h2", ref.Hash)
}
