package space

import (
	"context"
	"fmt"

	"github.com/anima-research/connectome/pkg/veil"
)

// DedupeModulator drops byte-identical duplicates of an event within one
// frame's input batch, a common artifact of external adapters that
// redeliver on reconnect. It keeps the first occurrence, preserving queue
// order. Its only state is derived from the frame input itself, so
// replay is trivially idempotent.
type DedupeModulator struct{}

func (DedupeModulator) Name() string { return "dedupe" }

func (DedupeModulator) Modulate(_ context.Context, _ veil.ReadOnlyView, events []veil.SpaceEvent) ([]veil.SpaceEvent, error) {
	if len(events) < 2 {
		return events, nil
	}
	seen := make(map[string]struct{}, len(events))
	out := events[:0:0]
	for _, ev := range events {
		key := fmt.Sprintf("%s|%s|%d|%v", ev.Topic, ev.Source.ElementID, ev.Timestamp, ev.Payload)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out, nil
}
