package cmdstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
)

// errTest stands in for an arbitrary transport failure.
var errTest = errors.New("transport failure")

// mockSubmission records one Submit call.
type mockSubmission struct {
	commands  []byte
	resources []SubmitResource
	waits     []FenceHandle
}

// mockTransport is an in-memory Transport for engine tests. By default
// every submission signals immediately; tests that need batches to stay
// in flight call setManual(true) and drive completion with complete.
type mockTransport struct {
	mu         sync.Mutex
	nextHandle uint64
	nextSeqno  uint64
	signaled   uint64
	manual     bool
	reset      ResetStatus

	submitErr error
	waitErr   error

	allocs map[ResourceHandle]uint64
	freed  []ResourceHandle
	subs   []mockSubmission
}

func newMockTransport() *mockTransport {
	return &mockTransport{allocs: make(map[ResourceHandle]uint64)}
}

func (t *mockTransport) Allocate(size uint64, usage gputypes.BufferUsage) (ResourceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandle++
	h := ResourceHandle(t.nextHandle)
	t.allocs[h] = size
	return h, nil
}

func (t *mockTransport) Free(h ResourceHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.allocs, h)
	t.freed = append(t.freed, h)
}

func (t *mockTransport) Submit(commands []byte, resources []SubmitResource, waits []FenceHandle) (FenceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.submitErr != nil {
		return FenceHandle{}, t.submitErr
	}
	t.nextSeqno++
	t.subs = append(t.subs, mockSubmission{
		commands:  append([]byte(nil), commands...),
		resources: append([]SubmitResource(nil), resources...),
		waits:     append([]FenceHandle(nil), waits...),
	})
	if !t.manual {
		t.signaled = t.nextSeqno
	}
	return FenceHandle{Seqno: t.nextSeqno}, nil
}

func (t *mockTransport) Wait(f FenceHandle, timeout time.Duration) (FenceStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.waitErr != nil {
		return FencePending, t.waitErr
	}
	if t.reset != ResetNone {
		return FenceLost, nil
	}
	if f.Seqno <= t.signaled {
		return FenceSignaled, nil
	}
	if timeout == 0 {
		return FencePending, nil
	}
	// Nothing signals asynchronously in the mock, so a blocking wait on
	// an unsignaled fence times out at once.
	return FenceTimedOut, nil
}

func (t *mockTransport) QueryResetStatus() ResetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reset
}

func (t *mockTransport) setManual(manual bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manual = manual
}

// complete signals every fence up to and including seqno.
func (t *mockTransport) complete(seqno uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seqno > t.signaled {
		t.signaled = seqno
	}
}

func (t *mockTransport) injectReset(status ResetStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset = status
}

func (t *mockTransport) submissions() []mockSubmission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mockSubmission(nil), t.subs...)
}

func (t *mockTransport) submitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *mockTransport) freedHandles() []ResourceHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ResourceHandle(nil), t.freed...)
}

// newTestEngine creates an engine over a fresh mock transport.
func newTestEngine(t *testing.T, opts ...Option) (*Engine, *mockTransport) {
	t.Helper()
	mt := newMockTransport()
	e, err := New(mt, opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return e, mt
}

// newTestResource allocates a resource or fails the test.
func newTestResource(t *testing.T, e *Engine, size uint64) *Resource {
	t.Helper()
	res, err := e.NewResource(size, gputypes.BufferUsageStorage)
	if err != nil {
		t.Fatalf("NewResource(%d) = %v", size, err)
	}
	return res
}
