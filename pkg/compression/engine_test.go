package compression_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-research/connectome/pkg/compression"
	"github.com/anima-research/connectome/pkg/veil"
)

type stubSummarizer struct {
	calls int
	fail  int
}

func (s *stubSummarizer) Summarize(_ context.Context, rng compression.Range, content []string) (string, error) {
	s.calls++
	if s.calls <= s.fail {
		return "", fmt.Errorf("summarizer unavailable")
	}
	return fmt.Sprintf("summary of %d-%d (%d chunks)", rng.From, rng.To, len(content)), nil
}

func frameWithSnapshot(seq uint64, tokens int, content string, deltas ...veil.Delta) *veil.Frame {
	return &veil.Frame{
		Sequence: seq,
		Timestamp: int64(seq),
		Deltas:    deltas,
		RenderedSnapshot: &veil.FrameSnapshot{
			TotalTokens:  tokens,
			TotalContent: content,
			HasContent:   content != "",
		},
	}
}

func counterFrames() []*veil.Frame {
	// Builds an 8-frame history mutating a "counter" state facet's value:
	// 0 (frame 1) -> 5 (frame 2) -> 10 (frame 3) -> 15 (frame 4), with
	// unrelated noise frames after, so the range [2,4] covers every rewrite
	// and its net overlay is the final value 15.
	frames := []*veil.Frame{
		frameWithSnapshot(1, 10, "start", veil.AddFacet(&veil.Facet{ID: "counter", Kind: veil.KindState, State: map[string]any{"value": 0}})),
		frameWithSnapshot(2, 10, "tick", veil.RewriteFacet("counter", map[string]any{veil.ChangeKeyState: map[string]any{"value": 5}})),
		frameWithSnapshot(3, 10, "tick", veil.RewriteFacet("counter", map[string]any{veil.ChangeKeyState: map[string]any{"value": 10}})),
		frameWithSnapshot(4, 10, "tick", veil.RewriteFacet("counter", map[string]any{veil.ChangeKeyState: map[string]any{"value": 15}})),
		frameWithSnapshot(5, 10, "noise", veil.AddFacet(&veil.Facet{ID: "noise1", Kind: veil.KindEvent, Content: "noise"})),
		frameWithSnapshot(6, 10, "noise", veil.AddFacet(&veil.Facet{ID: "noise2", Kind: veil.KindEvent, Content: "noise"})),
		frameWithSnapshot(7, 10, "noise", veil.AddFacet(&veil.Facet{ID: "noise3", Kind: veil.KindEvent, Content: "noise"})),
		frameWithSnapshot(8, 10, "noise", veil.AddFacet(&veil.Facet{ID: "noise4", Kind: veil.KindEvent, Content: "noise"})),
	}
	return frames
}

func TestIdentifyCompressibleRanges_IsDeterministicAndRespectsThresholds(t *testing.T) {
	frames := counterFrames() // 8 frames, 10 tokens each = 80 total
	engine := compression.NewEngine(&stubSummarizer{}, 25, 3)

	ranges1 := engine.IdentifyCompressibleRanges(frames)
	ranges2 := engine.IdentifyCompressibleRanges(frames)
	assert.Equal(t, ranges1, ranges2)

	require.NotEmpty(t, ranges1)
	for _, r := range ranges1 {
		assert.LessOrEqual(t, r.From, r.To)
	}
}

func TestIdentifyCompressibleRanges_RequiresBothThresholdAndMinFrames(t *testing.T) {
	frames := []*veil.Frame{
		frameWithSnapshot(1, 1000, "big"),
	}
	engine := compression.NewEngine(&stubSummarizer{}, 100, 3)
	assert.Empty(t, engine.IdentifyCompressibleRanges(frames), "single frame shouldn't qualify even over threshold when minFrames is 3")
}

func TestCompressRange_DerivesStateDeltaForCounterScenario(t *testing.T) {
	frames := counterFrames()
	engine := compression.NewEngine(&stubSummarizer{}, 25, 3)

	result, err := engine.CompressRange(context.Background(), compression.Range{From: 2, To: 4}, frames)
	require.NoError(t, err)

	require.Contains(t, result.StateDelta.Changes, "counter")
	assert.Equal(t, map[string]any{"value": 15}, result.StateDelta.Changes["counter"])
	assert.Empty(t, result.StateDelta.Added, "counter facet existed before the range started")
	assert.Empty(t, result.StateDelta.Deleted)
}

func TestCompressRange_TracksAddedAndDeletedFacets(t *testing.T) {
	frames := []*veil.Frame{
		frameWithSnapshot(1, 10, "start"),
		frameWithSnapshot(2, 10, "spawn", veil.AddFacet(&veil.Facet{ID: "temp", Kind: veil.KindEvent, Content: "ephemeral note"})),
		frameWithSnapshot(3, 10, "reap", veil.RemoveFacet("temp")),
	}
	engine := compression.NewEngine(&stubSummarizer{}, 10, 2)

	result, err := engine.CompressRange(context.Background(), compression.Range{From: 2, To: 3}, frames)
	require.NoError(t, err)

	assert.Contains(t, result.StateDelta.Deleted, "temp")
	assert.NotContains(t, result.StateDelta.Added, "temp", "added then deleted within the same range nets to a deletion, not an add")
}

func TestCompressRange_PropagatesSummarizerFailure(t *testing.T) {
	frames := counterFrames()
	engine := compression.NewEngine(&stubSummarizer{fail: 99}, 25, 3)

	_, err := engine.CompressRange(context.Background(), compression.Range{From: 2, To: 4}, frames)
	assert.Error(t, err)
}
