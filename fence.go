package cmdstream

import (
	"errors"
	"time"
)

// ErrTimeout is returned by CPU readback when the fence wait gave up
// before the GPU finished. The condition is recoverable; the caller may
// retry with a longer timeout.
var ErrTimeout = errors.New("cmdstream: fence wait timed out")

// FenceManager observes fence completion and drives batch retirement.
//
// Wait and Poll may be called concurrently from any goroutine, including
// while another goroutine is mid-flush: fences are immutable once
// issued, and the manager takes the engine lock only for the brief
// bookkeeping around a completed or lost fence, never across the
// blocking transport wait.
type FenceManager struct {
	engine *Engine
}

// Wait blocks until the fence signals, the timeout expires, or the
// device context is lost.
//
// The zero fence is always Signaled. A fence issued before the last
// device-loss recovery reports FenceLost: work from a dead context
// never completes. A zero timeout behaves exactly as [FenceManager.Poll]
// and may return FencePending.
func (m *FenceManager) Wait(f FenceHandle, timeout time.Duration) FenceStatus {
	if f.IsZero() {
		return FenceSignaled
	}

	e := m.engine
	e.mu.Lock()
	if f.Generation != e.generation {
		e.mu.Unlock()
		return FenceLost
	}
	if e.lost {
		e.mu.Unlock()
		return FenceLost
	}
	if _, pending := e.inflight[f]; !pending {
		// Issued in this generation but no longer in flight: retired.
		e.mu.Unlock()
		return FenceSignaled
	}
	e.mu.Unlock()

	status, err := e.transport.Wait(f, timeout)
	if err != nil {
		// A failing wait means the kernel context is unusable; treat it
		// like a reported reset.
		Logger().Warn("cmdstream: fence wait failed", "fence", f.Seqno, "err", err)
		e.deviceLost()
		return FenceLost
	}

	switch status {
	case FenceSignaled:
		e.mu.Lock()
		if b, ok := e.inflight[f]; ok {
			b.queue.retireUpToLocked(f.Seqno)
		}
		e.mu.Unlock()
		return FenceSignaled
	case FenceLost:
		e.deviceLost()
		return FenceLost
	case FencePending, FenceTimedOut:
		if timeout == 0 {
			return FencePending
		}
		return FenceTimedOut
	default:
		return status
	}
}

// Poll reports the fence state without blocking.
func (m *FenceManager) Poll(f FenceHandle) FenceStatus {
	return m.Wait(f, 0)
}
