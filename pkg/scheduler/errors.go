package scheduler

import "fmt"

// AbortedFrameError reports that a frame was sealed in its aborted form. The
// frame still advances the sequence when Config.AdvanceOnAbort is set (the
// default), so the failure is visible in history rather than silently skipped.
type AbortedFrameError struct {
	Sequence uint64
	Reason   string
}

func (e *AbortedFrameError) Error() string {
	return fmt.Sprintf("scheduler: frame %d aborted: %s", e.Sequence, e.Reason)
}

// SafeModeError reports that the scheduler has halted new frame processing
// after observing an invariant violation. The last good state remains readable;
// only Tick is refused.
type SafeModeError struct {
	Reason string
}

func (e *SafeModeError) Error() string {
	return fmt.Sprintf("scheduler: in safe mode: %s", e.Reason)
}
