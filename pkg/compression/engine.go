// Package compression implements the compression engine: identifying frame
// ranges suitable for coalescing and producing replacement summaries plus a net
// state delta, so the renderer can substitute a compact summary for a long run
// of history without losing the state later frames depend on.
package compression

import (
	"context"
	"fmt"

	"github.com/anima-research/connectome/pkg/veil"
)

// Range is an inclusive span of frame sequence numbers considered for
// coalescing into one replacement summary.
type Range struct {
	From uint64
	To   uint64
}

// Result is what compressing a Range produces.
type Result struct {
	Range      Range
	Summary    string
	StateDelta veil.StateDelta
}

// Summarizer is the external collaborator that turns a run of rendered frame
// content into a single summary line. It returns the summary rather than
// mutating anything in place; the engine owns the result.
type Summarizer interface {
	Summarize(ctx context.Context, rng Range, content []string) (string, error)
}

// Engine drives range coalescing: IdentifyCompressibleRanges is pure and
// deterministic over frame history and attached snapshots; CompressRange is
// async from the caller's perspective (it may invoke an external summarizer)
// and additionally derives the range's net state delta by replaying the facets
// it touched.
type Engine struct {
	summarizer       Summarizer
	triggerThreshold int
	minFrames        int
}

// NewEngine builds an Engine. triggerThreshold is the cumulative token count
// (summed from each frame's captured RenderedSnapshot) that must be reached
// before a span becomes a candidate range; minFrames is the minimum span length
// regardless of token count.
func NewEngine(summarizer Summarizer, triggerThreshold, minFrames int) *Engine {
	if triggerThreshold <= 0 {
		triggerThreshold = 2000
	}
	if minFrames <= 0 {
		minFrames = 3
	}
	return &Engine{summarizer: summarizer, triggerThreshold: triggerThreshold, minFrames: minFrames}
}

// IdentifyCompressibleRanges walks frames in order, accumulating each frame's
// captured snapshot tokens into a running span; once a span meets both the
// token threshold and the minimum frame count it is emitted as a Range and
// accumulation restarts at the next frame. Frames without a captured snapshot
// contribute zero tokens but still count toward minFrames. This is pure and
// deterministic: the same frame history always yields the same ranges.
func (e *Engine) IdentifyCompressibleRanges(frames []*veil.Frame) []Range {
	var ranges []Range
	var spanStart uint64
	var spanTokens, spanLen int
	inSpan := false

	for _, f := range frames {
		if !inSpan {
			spanStart = f.Sequence
			spanTokens, spanLen = 0, 0
			inSpan = true
		}
		if f.RenderedSnapshot != nil {
			spanTokens += f.RenderedSnapshot.TotalTokens
		}
		spanLen++
		if spanTokens >= e.triggerThreshold && spanLen >= e.minFrames {
			ranges = append(ranges, Range{From: spanStart, To: f.Sequence})
			inSpan = false
		}
	}
	return ranges
}

// CompressRange produces a Result for rng: it gathers each frame's captured
// snapshot content in the range, asks the Summarizer to coalesce it, and
// derives the range's net StateDelta by replaying the state facets the range's
// deltas touched.
func (e *Engine) CompressRange(ctx context.Context, rng Range, frames []*veil.Frame) (Result, error) {
	var content []string
	for _, f := range frames {
		if f.Sequence < rng.From || f.Sequence > rng.To {
			continue
		}
		if f.RenderedSnapshot != nil && f.RenderedSnapshot.TotalContent != "" {
			content = append(content, f.RenderedSnapshot.TotalContent)
		}
	}

	summary, err := e.summarizer.Summarize(ctx, rng, content)
	if err != nil {
		return Result{}, fmt.Errorf("compression: summarizing range %d-%d: %w", rng.From, rng.To, err)
	}

	return Result{
		Range:      rng,
		Summary:    summary,
		StateDelta: deriveStateDelta(rng, frames),
	}, nil
}

// deriveStateDelta replays frame deltas up to rng.To, tracking which facet ids
// were added, rewritten, or removed within [rng.From, rng.To]. A touched id
// still present at rng.To contributes its final State map as a Changes overlay;
// one removed within the range is listed in Deleted; one that didn't exist
// before the range started is additionally listed in Added.
func deriveStateDelta(rng Range, frames []*veil.Frame) veil.StateDelta {
	state := make(map[string]*veil.Facet)
	touched := make(map[string]bool)
	existedBefore := make(map[string]bool)

	for _, f := range frames {
		if f.Sequence > rng.To {
			break
		}
		inRange := f.Sequence >= rng.From
		for _, d := range f.Deltas {
			switch d.Kind {
			case veil.DeltaAdd:
				if d.Facet == nil {
					continue
				}
				if !inRange {
					existedBefore[d.Facet.ID] = true
				} else {
					touched[d.Facet.ID] = true
				}
				state[d.Facet.ID] = d.Facet.Clone()
			case veil.DeltaRewrite:
				existing, ok := state[d.ID]
				if !ok {
					continue
				}
				state[d.ID] = applyOverlay(existing, d.Changes)
				if inRange {
					touched[d.ID] = true
				}
			case veil.DeltaRemove:
				delete(state, d.ID)
				if inRange {
					touched[d.ID] = true
				}
			}
		}
	}

	sd := veil.StateDelta{Changes: make(map[string]map[string]any)}
	for id := range touched {
		f, stillPresent := state[id]
		if !stillPresent {
			sd.Deleted = append(sd.Deleted, id)
			continue
		}
		if !existedBefore[id] {
			sd.Added = append(sd.Added, id)
		}
		if f.State != nil {
			overlay := make(map[string]any, len(f.State))
			for k, v := range f.State {
				overlay[k] = v
			}
			sd.Changes[id] = overlay
		}
	}
	return sd
}

// applyOverlay mirrors veil.State's rewriteFacet overlay semantics
// (content/children replaced wholesale when present, state merged by shallow
// overlay) for the subset this package's replay needs.
func applyOverlay(existing *veil.Facet, changes map[string]any) *veil.Facet {
	updated := existing.Clone()
	if v, ok := changes[veil.ChangeKeyContent]; ok {
		if s, ok := v.(string); ok {
			updated.Content = s
		}
	}
	if v, ok := changes[veil.ChangeKeyChildren]; ok {
		if c, ok := v.([]string); ok {
			updated.Children = c
		}
	}
	if v, ok := changes[veil.ChangeKeyState]; ok {
		if overlay, ok := v.(map[string]any); ok {
			if updated.State == nil {
				updated.State = make(map[string]any, len(overlay))
			}
			for k, val := range overlay {
				updated.State[k] = val
			}
		}
	}
	return updated
}
