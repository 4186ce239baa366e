package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/cmdstream"
	"github.com/gogpu/gputypes"
)

// Software transport errors.
var (
	// ErrUnknownHandle is returned when a submission references a handle
	// the transport never allocated (or already freed).
	ErrUnknownHandle = errors.New("backend: unknown resource handle")

	// ErrContextReset is returned by Submit after a reset has been
	// injected; a dead kernel context rejects new submissions.
	ErrContextReset = errors.New("backend: context reset")
)

// init registers the software backend on package import.
func init() {
	Register(BackendSoftware, func() TransportBackend {
		return NewSoftwareBackend()
	})
}

// SoftwareBackend wraps a SoftwareTransport behind the backend
// interface. It is always available and needs no device.
type SoftwareBackend struct {
	transport *SoftwareTransport
}

// NewSoftwareBackend creates a new software backend.
func NewSoftwareBackend() *SoftwareBackend {
	return &SoftwareBackend{}
}

// Name returns the backend identifier.
func (b *SoftwareBackend) Name() string { return BackendSoftware }

// Init initializes the backend.
func (b *SoftwareBackend) Init() error {
	if b.transport == nil {
		b.transport = NewSoftwareTransport()
	}
	return nil
}

// Close releases all backend resources.
func (b *SoftwareBackend) Close() {
	b.transport = nil
}

// Transport returns the submission transport.
func (b *SoftwareBackend) Transport() cmdstream.Transport {
	if b.transport == nil {
		return nil
	}
	return b.transport
}

// Submission is one recorded Submit call, kept for inspection.
type Submission struct {
	// Fence is the fence issued for the submission.
	Fence cmdstream.FenceHandle

	// Commands is a copy of the submitted command bytes.
	Commands []byte

	// Resources lists the referenced resources with access modes.
	Resources []cmdstream.SubmitResource

	// Waits lists the fences the submission was ordered after.
	Waits []cmdstream.FenceHandle
}

// SoftwareTransport is an in-process simulation of the kernel
// submission interface, in the spirit of a no-op drm shim: it allocates
// handles, records submissions verbatim and signals fences without any
// hardware behind it.
//
// By default every submission signals immediately. Tests that need
// batches to stay in flight call SetManual(true) and drive completion
// with Complete or CompleteAll; InjectReset simulates device loss.
//
// SoftwareTransport is safe for concurrent use.
type SoftwareTransport struct {
	mu         sync.Mutex
	nextHandle uint64
	nextSeqno  uint64
	signaled   uint64
	manual     bool
	reset      cmdstream.ResetStatus

	allocs      map[cmdstream.ResourceHandle]softwareAlloc
	submissions []Submission

	// changed is closed and replaced on every state change so blocking
	// waiters can re-check without polling.
	changed chan struct{}
}

type softwareAlloc struct {
	size  uint64
	usage gputypes.BufferUsage
}

// NewSoftwareTransport creates a transport that signals every
// submission immediately.
func NewSoftwareTransport() *SoftwareTransport {
	return &SoftwareTransport{
		allocs:  make(map[cmdstream.ResourceHandle]softwareAlloc),
		changed: make(chan struct{}),
	}
}

// SetManual switches between immediate signaling (false, the default)
// and manual completion via Complete/CompleteAll (true).
func (t *SoftwareTransport) SetManual(manual bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manual = manual
}

// Allocate creates a simulated GPU allocation.
func (t *SoftwareTransport) Allocate(size uint64, usage gputypes.BufferUsage) (cmdstream.ResourceHandle, error) {
	if size == 0 {
		return 0, fmt.Errorf("backend: invalid allocation size 0")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextHandle++
	h := cmdstream.ResourceHandle(t.nextHandle)
	t.allocs[h] = softwareAlloc{size: size, usage: usage}
	return h, nil
}

// Free releases a simulated allocation. Freeing an unknown handle is a
// no-op, matching kernel close-on-invalid-handle behavior.
func (t *SoftwareTransport) Free(h cmdstream.ResourceHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.allocs, h)
}

// Submit records the command stream and issues the next fence.
func (t *SoftwareTransport) Submit(commands []byte, resources []cmdstream.SubmitResource, waits []cmdstream.FenceHandle) (cmdstream.FenceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reset != cmdstream.ResetNone {
		return cmdstream.FenceHandle{}, ErrContextReset
	}
	for _, r := range resources {
		if _, ok := t.allocs[r.Handle]; !ok {
			return cmdstream.FenceHandle{}, fmt.Errorf("%w: %d", ErrUnknownHandle, r.Handle)
		}
	}

	t.nextSeqno++
	fence := cmdstream.FenceHandle{Seqno: t.nextSeqno}

	sub := Submission{
		Fence:     fence,
		Commands:  append([]byte(nil), commands...),
		Resources: append([]cmdstream.SubmitResource(nil), resources...),
		Waits:     append([]cmdstream.FenceHandle(nil), waits...),
	}
	t.submissions = append(t.submissions, sub)

	if !t.manual {
		t.signaled = t.nextSeqno
	}
	t.broadcastLocked()

	cmdstream.Logger().Debug("backend: submission recorded",
		"seqno", fence.Seqno,
		"bytes", len(commands),
		"resources", len(resources))
	return fence, nil
}

// Wait blocks until the fence signals, the timeout expires, or a reset
// has been injected. A zero timeout polls.
func (t *SoftwareTransport) Wait(f cmdstream.FenceHandle, timeout time.Duration) (cmdstream.FenceStatus, error) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}

	for {
		t.mu.Lock()
		status := t.statusLocked(f)
		ch := t.changed
		t.mu.Unlock()

		if status != cmdstream.FencePending {
			return status, nil
		}
		if timeout == 0 {
			return cmdstream.FencePending, nil
		}
		select {
		case <-ch:
		case <-timer.C:
			return cmdstream.FenceTimedOut, nil
		}
	}
}

// statusLocked computes the fence status. Caller must hold t.mu.
func (t *SoftwareTransport) statusLocked(f cmdstream.FenceHandle) cmdstream.FenceStatus {
	if t.reset != cmdstream.ResetNone {
		return cmdstream.FenceLost
	}
	if f.Seqno <= t.signaled {
		return cmdstream.FenceSignaled
	}
	return cmdstream.FencePending
}

// QueryResetStatus reports the injected reset status, if any.
func (t *SoftwareTransport) QueryResetStatus() cmdstream.ResetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reset
}

// Complete signals every fence up to and including seqno.
func (t *SoftwareTransport) Complete(seqno uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seqno > t.signaled {
		t.signaled = seqno
	}
	t.broadcastLocked()
}

// CompleteAll signals every issued fence.
func (t *SoftwareTransport) CompleteAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.signaled = t.nextSeqno
	t.broadcastLocked()
}

// InjectReset simulates a device reset with the given cause. Pending
// fences report Lost and new submissions fail until ClearReset.
func (t *SoftwareTransport) InjectReset(status cmdstream.ResetStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset = status
	t.broadcastLocked()
}

// ClearReset ends a simulated reset, modeling the fresh kernel context
// a recovering driver opens.
func (t *SoftwareTransport) ClearReset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset = cmdstream.ResetNone
	t.broadcastLocked()
}

// Submissions returns a copy of all recorded submissions.
func (t *SoftwareTransport) Submissions() []Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Submission(nil), t.submissions...)
}

// SubmissionCount returns the number of recorded submissions.
func (t *SoftwareTransport) SubmissionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.submissions)
}

// AllocCount returns the number of live allocations.
func (t *SoftwareTransport) AllocCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.allocs)
}

// broadcastLocked wakes all blocking waiters. Caller must hold t.mu.
func (t *SoftwareTransport) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
