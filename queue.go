package cmdstream

import (
	"fmt"
	"sort"
)

// Standard queue names. Queues are created on demand by [Engine.Queue];
// these constants cover the common render/compute split, but any name
// identifying a hardware execution engine works.
const (
	QueueRender  = "render"
	QueueCompute = "compute"
)

// Queue owns at most one open batch for a single hardware execution
// engine and decides when that batch must be submitted: explicit flush,
// command-buffer exhaustion, a hazard against another queue's open
// batch, or a flush-policy trigger.
//
// Command emission is single-threaded per queue, matching the contract
// of the originating API. Different queues may emit concurrently; the
// engine mutex serializes the cross-queue bookkeeping.
type Queue struct {
	engine *Engine
	name   string

	// open is the accumulating batch, nil between flushes.
	open *Batch

	// submitted holds in-flight batches in submission order. The
	// hardware engine completes them in order, so a signaled fence
	// retires every earlier batch on the same queue.
	submitted []*Batch

	// lastFence is the fence of the most recent real submission, reused
	// when a flush is elided because the batch was empty.
	lastFence FenceHandle
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Open returns the currently open batch, or nil if none.
func (q *Queue) Open() *Batch {
	q.engine.mu.Lock()
	defer q.engine.mu.Unlock()
	return q.open
}

// InFlight returns the number of submitted batches not yet retired.
func (q *Queue) InFlight() int {
	q.engine.mu.Lock()
	defer q.engine.mu.Unlock()
	return len(q.submitted)
}

// LastFence returns the fence of the most recent submission on the
// queue. Zero if nothing has been submitted.
func (q *Queue) LastFence() FenceHandle {
	q.engine.mu.Lock()
	defer q.engine.mu.Unlock()
	return q.lastFence
}

// Append records a pre-encoded command sequence into the queue's open
// batch, declaring every resource the commands reference together with
// its access mode.
//
// Append resolves hazards before any byte is written: batches on other
// queues that conflict with one of the declared accesses are submitted
// first (oldest-opened first) and become fence dependencies of the
// current batch. If the open batch cannot hold the bytes it is flushed
// and a fresh batch is started. An active [Queue.Reserve] guarantee
// keeps appends within the reserved byte count in the same batch;
// appending more than the remaining reservation falls back to the
// normal flush-then-append path.
//
// Returns ErrCapacityExceeded if the sequence cannot fit even in an
// empty batch, and ErrDeviceLost if the device context has been reset
// and not recovered.
func (q *Queue) Append(commands []byte, accesses ...Access) error {
	e := q.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lost {
		return ErrDeviceLost
	}
	if len(commands) > e.opts.batchCapacity {
		return fmt.Errorf("%w: %d bytes, capacity %d",
			ErrCapacityExceeded, len(commands), e.opts.batchCapacity)
	}

	b := q.ensureOpenLocked()

	// Hazards first: submit every conflicting open batch. Only batches
	// on other queues can appear here (this queue's sole open batch is
	// excluded), so flushing cannot recurse. Oldest-opened flushes
	// first, which breaks mutual-hazard cycles between queues.
	var toFlush []*Batch
	for _, a := range accesses {
		for _, c := range e.registry.Conflicts(a.Resource, a.Mode, b) {
			if c.state == BatchOpen {
				toFlush = append(toFlush, c)
			}
		}
	}
	sort.Slice(toFlush, func(i, j int) bool { return toFlush[i].openSeq < toFlush[j].openSeq })
	for _, c := range toFlush {
		if c.state != BatchOpen {
			continue // already flushed via an earlier conflict
		}
		if _, err := c.queue.submitLocked(); err != nil {
			return err
		}
	}

	// Space next. A reservation only guarantees the bytes it covers; an
	// append that overruns it takes the normal flush path so the batch
	// never grows past capacity. A forced flush here may turn the old
	// batch into a submitted conflict for the accesses below; the
	// dependency pass picks its fence up like any other.
	if len(commands) > b.reserved && b.remainingLocked() < len(commands) {
		if _, err := q.submitLocked(); err != nil {
			return err
		}
		b = q.ensureOpenLocked()
	}

	// Record accesses and collect fence dependencies on in-flight
	// conflicting batches.
	for _, a := range accesses {
		for _, c := range e.registry.Conflicts(a.Resource, a.Mode, b) {
			if c.state == BatchSubmitted {
				b.addWaitLocked(c.fence)
			}
		}
		e.registry.Commit(a.Resource, a.Mode, b)
	}

	b.buf = append(b.buf, commands...)
	if b.reserved > 0 {
		b.reserved -= len(commands)
		if b.reserved < 0 {
			b.reserved = 0
		}
	}

	// Policy flush runs last so the recorded bytes are part of what it
	// evaluates. Reservations suppress it to keep multi-step sequences
	// atomic.
	if p := e.opts.flushPolicy; p != nil && b.reserved == 0 && p(b.statsLocked()) {
		if _, err := q.submitLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Reserve guarantees that the next n bytes of Append calls will not
// trigger a mid-sequence capacity flush, keeping a multi-step hardware
// operation atomic within one batch. If the open batch cannot hold n
// more bytes it is submitted now (a no-op if empty) and a fresh batch is
// started.
//
// Returns ErrCapacityExceeded if n exceeds the batch capacity outright.
func (q *Queue) Reserve(n int) error {
	e := q.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lost {
		return ErrDeviceLost
	}
	if n > e.opts.batchCapacity {
		return fmt.Errorf("%w: reserve %d bytes, capacity %d",
			ErrCapacityExceeded, n, e.opts.batchCapacity)
	}

	b := q.ensureOpenLocked()
	if b.remainingLocked() < n {
		if _, err := q.submitLocked(); err != nil {
			return err
		}
		b = q.ensureOpenLocked()
	}
	if b.reserved < n {
		b.reserved = n
	}
	return nil
}

// Flush submits the open batch and returns its fence. Flushing an empty
// or absent batch is a no-op that returns the fence of the last real
// submission, so callers can always order against the returned fence.
func (q *Queue) Flush() (FenceHandle, error) {
	e := q.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lost {
		return FenceHandle{}, ErrDeviceLost
	}
	return q.submitLocked()
}

// ensureOpenLocked returns the open batch, creating one if the queue has
// none. Caller must hold the engine mutex.
func (q *Queue) ensureOpenLocked() *Batch {
	if q.open != nil {
		return q.open
	}
	e := q.engine
	e.nextBatchID++
	e.nextOpenSeq++
	b := &Batch{
		id:       e.nextBatchID,
		queue:    q,
		openSeq:  e.nextOpenSeq,
		state:    BatchOpen,
		capacity: e.opts.batchCapacity,
	}
	q.open = b
	return b
}

// submitLocked hands the open batch to the transport. Empty batches are
// dropped (their access back-references released) and the previous fence
// is reused for ordering, matching what hardware drivers do to avoid
// no-op kernel submissions. Caller must hold the engine mutex.
func (q *Queue) submitLocked() (FenceHandle, error) {
	e := q.engine
	b := q.open
	if b == nil {
		return q.lastFence, nil
	}
	if len(b.buf) == 0 {
		q.open = nil
		b.state = BatchRetired
		e.registry.Release(b)
		return q.lastFence, nil
	}

	resources := make([]SubmitResource, 0, len(b.accesses))
	for res, mode := range b.accesses {
		resources = append(resources, SubmitResource{Handle: res.handle, Mode: mode})
	}

	fence, err := e.transport.Submit(b.buf, resources, b.waits)
	if err != nil {
		// A failed submission leaves the hardware context in an unknown
		// state; the batch is abandoned rather than retried.
		q.open = nil
		b.state = BatchLost
		e.registry.Release(b)
		return FenceHandle{}, fmt.Errorf("cmdstream: submit %s batch %d: %w", q.name, b.id, err)
	}
	fence.Generation = e.generation

	b.fence = fence
	b.state = BatchSubmitted
	q.open = nil
	q.submitted = append(q.submitted, b)
	q.lastFence = fence
	e.inflight[fence] = b

	Logger().Debug("cmdstream: batch submitted",
		"queue", q.name,
		"batch", b.id,
		"bytes", len(b.buf),
		"resources", len(resources),
		"waits", len(b.waits),
		"fence", fence.Seqno)

	return fence, nil
}

// retireUpToLocked retires every submitted batch on the queue whose
// fence seqno is at or below seqno. The hardware engine completes
// submissions in order, so a signaled fence covers all earlier ones.
// Caller must hold the engine mutex.
func (q *Queue) retireUpToLocked(seqno uint64) {
	e := q.engine
	n := 0
	for _, b := range q.submitted {
		if b.fence.Seqno > seqno {
			break
		}
		b.state = BatchRetired
		delete(e.inflight, b.fence)
		e.registry.Release(b)
		n++
	}
	if n > 0 {
		q.submitted = q.submitted[n:]
		Logger().Debug("cmdstream: batches retired", "queue", q.name, "count", n, "seqno", seqno)
	}
}
