package persistence

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/anima-research/connectome/pkg/components"
	"github.com/anima-research/connectome/pkg/veil"
)

// Indexer is the optional derived index the maintainer keeps alongside the
// JSON files. It is a cache, never the source of
// truth: any error is logged and swallowed.
type Indexer interface {
	RecordBucket(branch string, ref BucketRef) error
	SetHead(branch string, seq uint64) error
}

// TransitionMaintainer is the Phase 4 component that drives persistence: it
// stamps the frame's transition record, writes the per-frame transition
// file, cuts a full-state snapshot every SnapshotInterval frames, and
// flushes a content-addressed bucket every BucketSize frames. A failed
// transition write is returned to the scheduler, which logs it and seals the
// frame anyway; bucket, index and snapshot failures are logged here and not
// returned. Persistence trouble never stops the world.
type TransitionMaintainer struct {
	store   *Store
	index   Indexer
	logger  *zap.Logger
	pending []*veil.Frame
}

// NewTransitionMaintainer builds the maintainer. index may be nil.
func NewTransitionMaintainer(store *Store, index Indexer, logger *zap.Logger) *TransitionMaintainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransitionMaintainer{store: store, index: index, logger: logger}
}

func (m *TransitionMaintainer) Name() string { return "transition-maintainer" }

// Maintain persists the sealed frame. The change set is part of the
// maintenance contract but everything this maintainer writes is already on
// the frame itself.
func (m *TransitionMaintainer) Maintain(_ context.Context, view veil.ReadOnlyView, frame *veil.Frame, _ components.ChangeSet) error {
	if frame.Transition == nil {
		frame.Transition = transitionFromEvents(frame.Events)
	}

	if err := m.store.WriteTransition(frame); err != nil {
		return err
	}
	if m.index != nil {
		if err := m.index.SetHead(m.store.Branch(), frame.Sequence); err != nil {
			m.logger.Warn("bucket index head update failed", zap.Error(err))
		}
	}

	m.pending = append(m.pending, frame)
	if len(m.pending) >= m.store.BucketSize() {
		ref, err := m.store.FlushBucket(m.pending)
		if err != nil {
			m.logger.Error("bucket flush failed, frames stay pending", zap.Error(err))
		} else {
			m.pending = nil
			if m.index != nil {
				if err := m.index.RecordBucket(m.store.Branch(), ref); err != nil {
					m.logger.Warn("bucket index update failed", zap.Error(err))
				}
			}
		}
	}

	if frame.Sequence%uint64(m.store.SnapshotInterval()) == 0 {
		if err := m.store.WriteStateSnapshot(view); err != nil {
			m.logger.Error("state snapshot failed", zap.Error(err))
		}
	}
	return nil
}

// transitionFromEvents derives the element-operation record from the
// frame's element lifecycle events.
func transitionFromEvents(events []veil.SpaceEvent) *veil.Transition {
	t := &veil.Transition{}
	for _, ev := range events {
		if !strings.HasPrefix(ev.Topic, "element:") {
			continue
		}
		op := veil.ElementOp{
			Kind:      strings.TrimPrefix(ev.Topic, "element:"),
			ElementID: ev.Source.ElementID,
			Detail:    ev.Payload,
		}
		if id, ok := ev.Payload["elementId"].(string); ok && id != "" {
			op.ElementID = id
		}
		t.ElementOps = append(t.ElementOps, op)
	}
	return t
}
