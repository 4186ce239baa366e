package cmdstream

import (
	"errors"
	"fmt"
)

// Batch errors.
var (
	// ErrCapacityExceeded is returned when a single logical command
	// sequence cannot fit even in an empty batch. The operation is fatal
	// to the caller and is never silently truncated or retried.
	ErrCapacityExceeded = errors.New("cmdstream: command sequence larger than batch capacity")

	// ErrInvalidState is returned on API misuse: appending to or
	// submitting a batch that is no longer open.
	ErrInvalidState = errors.New("cmdstream: batch is not open")

	// ErrDeviceLost is returned when the device context has been reset
	// and not yet recovered. Call [Engine.Recover] before issuing new work.
	ErrDeviceLost = errors.New("cmdstream: device context lost")
)

// BatchState is the lifecycle state of a batch.
type BatchState int

const (
	// BatchOpen means the batch is accumulating commands.
	BatchOpen BatchState = iota
	// BatchSubmitted means the batch has been handed to the transport
	// and has a fence.
	BatchSubmitted
	// BatchRetired means the batch's fence has signaled and its resource
	// back-references have been released.
	BatchRetired
	// BatchLost means the device context was reset while the batch was
	// open or in flight.
	BatchLost
)

// String returns the string representation of BatchState.
func (s BatchState) String() string {
	switch s {
	case BatchOpen:
		return "Open"
	case BatchSubmitted:
		return "Submitted"
	case BatchRetired:
		return "Retired"
	case BatchLost:
		return "Lost"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Batch is an accumulating command buffer: one unit of GPU submission.
//
// A batch is created by its queue when the first command after a flush
// arrives, fills with command bytes, and is submitted as a whole. After
// submission it lingers until its fence signals, at which point its
// resource back-references are released and it retires.
//
// Locking: state, buf and reserved are owned by the queue that created
// the batch and guarded by the engine mutex. The accesses map and
// referencedSize are hazard state and guarded by the registry mutex.
// Batches are not safe for direct concurrent use; clients drive them
// through [Queue], which is single-threaded per queue by contract.
type Batch struct {
	id    uint64
	queue *Queue

	// openSeq orders batches by opening time across all queues. The
	// oldest open batch flushes first when hazards form a cycle.
	openSeq uint64

	state    BatchState
	buf      []byte
	capacity int
	reserved int

	// accesses maps every resource the batch references to the union of
	// access modes recorded for it. Guarded by the registry mutex.
	accesses       map[*Resource]AccessMode
	referencedSize uint64

	// waits are the fences this batch's submission must order after.
	waits []FenceHandle

	// fence is set at submission and immutable afterwards.
	fence FenceHandle
}

// ID returns the engine-assigned batch identifier.
func (b *Batch) ID() uint64 { return b.id }

// Queue returns the queue that owns the batch.
func (b *Batch) Queue() *Queue { return b.queue }

// State returns the batch's lifecycle state.
func (b *Batch) State() BatchState {
	e := b.queue.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return b.state
}

// Len returns the number of command bytes accumulated so far.
func (b *Batch) Len() int {
	e := b.queue.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(b.buf)
}

// Fence returns the fence issued for the batch at submission.
// It is the zero fence while the batch is still open.
func (b *Batch) Fence() FenceHandle {
	e := b.queue.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return b.fence
}

// AddWait records an explicit fence dependency: the batch's submission
// is ordered after f. Hazard tracking adds dependencies automatically;
// AddWait covers fences the registry cannot see, such as submissions
// from another engine sharing the device. The zero fence is ignored.
//
// Returns ErrInvalidState if the batch is no longer open.
func (b *Batch) AddWait(f FenceHandle) error {
	e := b.queue.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if b.state != BatchOpen {
		return fmt.Errorf("%w: batch %d is %s", ErrInvalidState, b.id, b.state)
	}
	b.addWaitLocked(f)
	return nil
}

// remainingLocked returns the free capacity in bytes.
// Caller must hold the engine mutex.
func (b *Batch) remainingLocked() int {
	return b.capacity - len(b.buf)
}

// noteAccessLocked merges an access into the batch's resource map.
// Caller must hold the registry mutex.
func (b *Batch) noteAccessLocked(res *Resource, mode AccessMode) {
	if b.accesses == nil {
		b.accesses = make(map[*Resource]AccessMode)
	}
	prev, seen := b.accesses[res]
	if !seen {
		b.referencedSize += res.size
	}
	b.accesses[res] = prev | mode
}

// addWaitLocked records a fence dependency, deduplicated.
// Caller must hold the engine mutex.
func (b *Batch) addWaitLocked(f FenceHandle) {
	if f.IsZero() {
		return
	}
	for _, w := range b.waits {
		if w == f {
			return
		}
	}
	b.waits = append(b.waits, f)
}

// statsLocked snapshots the batch for flush-policy evaluation.
// Caller must hold the engine mutex.
func (b *Batch) statsLocked() BatchStats {
	return BatchStats{
		BatchID:         b.id,
		Queue:           b.queue.name,
		BufferBytes:     len(b.buf),
		BufferCapacity:  b.capacity,
		ResourceCount:   len(b.accesses),
		ReferencedBytes: b.referencedSize,
	}
}
