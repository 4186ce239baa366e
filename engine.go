package cmdstream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
)

// Engine errors.
var (
	// ErrNilTransport is returned when creating an engine without a transport.
	ErrNilTransport = errors.New("cmdstream: transport is nil")
)

// Engine ties the pieces together: queues, the resource registry, the
// fence manager and device-loss recovery, all against one submission
// transport (one kernel device context).
//
// Command emission is single-threaded per queue; everything else
// (fence waits, readback, resource creation) is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	transport Transport
	registry  *Registry
	fences    *FenceManager
	opts      engineOptions

	queues map[string]*Queue

	// inflight maps fences of submitted, unretired batches back to the
	// batch, for retirement and fast signaled checks.
	inflight map[FenceHandle]*Batch

	nextBatchID    uint64
	nextOpenSeq    uint64
	nextResourceID uint64

	// generation counts device context rebuilds. Fences carry the
	// generation they were issued on; stale fences report Lost.
	generation uint32

	// lost is set when a reset is detected and cleared by Recover.
	lost        bool
	resetStatus ResetStatus
}

// New creates an engine over the given submission transport.
func New(t Transport, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchCapacity <= 0 {
		return nil, fmt.Errorf("cmdstream: invalid batch capacity %d", o.batchCapacity)
	}

	e := &Engine{
		transport:  t,
		registry:   NewRegistry(),
		opts:       o,
		queues:     make(map[string]*Queue),
		inflight:   make(map[FenceHandle]*Batch),
		generation: 1,
	}
	e.fences = &FenceManager{engine: e}
	return e, nil
}

// Queue returns the queue with the given name, creating it on first use.
// Use [QueueRender] and [QueueCompute] for the common engine split.
func (e *Engine) Queue(name string) *Queue {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queues[name]; ok {
		return q
	}
	q := &Queue{engine: e, name: name}
	e.queues[name] = q
	return q
}

// Fences returns the engine's fence manager.
func (e *Engine) Fences() *FenceManager { return e.fences }

// Registry returns the engine's resource registry.
func (e *Engine) Registry() *Registry { return e.registry }

// NewResource allocates a GPU-visible resource through the transport and
// registers it for dependency tracking.
func (e *Engine) NewResource(size uint64, usage gputypes.BufferUsage) (*Resource, error) {
	if size == 0 {
		return nil, fmt.Errorf("cmdstream: invalid resource size 0")
	}
	handle, err := e.transport.Allocate(size, usage)
	if err != nil {
		return nil, fmt.Errorf("cmdstream: allocate %d bytes: %w", size, err)
	}

	e.mu.Lock()
	e.nextResourceID++
	id := e.nextResourceID
	e.mu.Unlock()

	t := e.transport
	return &Resource{
		id:     id,
		size:   size,
		usage:  usage,
		handle: handle,
		free:   func() { t.Free(handle) },
	}, nil
}

// DestroyResource releases a resource. If batches still reference it,
// the backing allocation stays alive until the last one retires; the
// resource must not be used in new Append calls after this.
func (e *Engine) DestroyResource(res *Resource) {
	if res == nil {
		return
	}
	e.registry.Destroy(res)
}

// ReadBack makes the contents of res observable to the CPU: the batch
// currently writing the resource (open or in flight) is submitted and
// its fence waited on.
//
// Returns nil immediately if no batch is writing the resource,
// ErrTimeout if the wait gave up, and ErrDeviceLost if the context was
// reset.
func (e *Engine) ReadBack(res *Resource, timeout time.Duration) error {
	e.mu.Lock()
	if e.lost {
		e.mu.Unlock()
		return ErrDeviceLost
	}
	w := e.registry.Writer(res)
	var fence FenceHandle
	if w != nil {
		if w.state == BatchOpen {
			if _, err := w.queue.submitLocked(); err != nil {
				e.mu.Unlock()
				return err
			}
		}
		fence = w.fence
	}
	e.mu.Unlock()

	if w == nil {
		return nil
	}
	switch e.fences.Wait(fence, timeout) {
	case FenceSignaled:
		return nil
	case FenceTimedOut, FencePending:
		return ErrTimeout
	default:
		return ErrDeviceLost
	}
}

// FlushAll submits the open batch of every queue. Used before teardown
// and by hosts that want a frame boundary across queues.
func (e *Engine) FlushAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lost {
		return ErrDeviceLost
	}
	// Oldest open batch first, same tie-break as hazard flushing.
	var open []*Batch
	for _, q := range e.queues {
		if q.open != nil {
			open = append(open, q.open)
		}
	}
	for len(open) > 0 {
		oldest := open[0]
		for _, b := range open[1:] {
			if b.openSeq < oldest.openSeq {
				oldest = b
			}
		}
		if oldest.state == BatchOpen {
			if _, err := oldest.queue.submitLocked(); err != nil {
				return err
			}
		}
		next := open[:0]
		for _, b := range open {
			if b != oldest {
				next = append(next, b)
			}
		}
		open = next
	}
	return nil
}

// Lost reports whether the device context is currently lost.
func (e *Engine) Lost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

// ResetStatus returns the reset cause observed at the last device loss,
// or ResetNone. The client uses this to decide whether to rebuild and
// continue (Innocent) or to stop submitting (Guilty).
func (e *Engine) ResetStatus() ResetStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetStatus
}

// CheckReset proactively queries the transport for a context reset and,
// if one is reported, runs the loss handling that a failing fence wait
// would have triggered. Returns ErrDeviceLost when a reset was detected.
func (e *Engine) CheckReset() error {
	if status := e.transport.QueryResetStatus(); status != ResetNone {
		e.deviceLost()
		return ErrDeviceLost
	}
	return nil
}

// Recover rebuilds the engine's view of the device after a loss: a new
// context generation starts, with empty hazard state and no cached
// assumptions carried over. New batches may open after Recover returns.
//
// Recover does not recreate client resources; allocations made on the
// dead context are gone and the client must reallocate what it needs.
func (e *Engine) Recover() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lost {
		return nil
	}
	e.generation++
	e.lost = false
	for _, q := range e.queues {
		q.lastFence = FenceHandle{}
	}
	Logger().Info("cmdstream: device context recovered",
		"generation", e.generation,
		"cause", e.resetStatus.String())
	return nil
}

// deviceLost moves every open and in-flight batch to Lost, clears all
// hazard state and records the reset cause. Idempotent; every detection
// path (fence wait, poll, proactive query) funnels here.
func (e *Engine) deviceLost() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lost {
		return
	}
	e.lost = true
	e.resetStatus = e.transport.QueryResetStatus()
	if e.resetStatus == ResetNone {
		// The transport reported loss through a fence but the reset
		// query lags; record the most conservative cause.
		e.resetStatus = ResetUnknown
	}

	var abandoned []*Batch
	for _, q := range e.queues {
		if q.open != nil {
			q.open.state = BatchLost
			abandoned = append(abandoned, q.open)
			q.open = nil
		}
		for _, b := range q.submitted {
			b.state = BatchLost
			delete(e.inflight, b.fence)
			abandoned = append(abandoned, b)
		}
		q.submitted = nil
	}
	e.registry.Clear(abandoned)

	Logger().Warn("cmdstream: device context lost",
		"cause", e.resetStatus.String(),
		"abandoned", len(abandoned))
}
