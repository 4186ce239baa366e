package cmdstream

// BatchStats is a snapshot of an open batch handed to flush policies
// after every append.
type BatchStats struct {
	// BatchID identifies the batch.
	BatchID uint64

	// Queue is the name of the owning queue.
	Queue string

	// BufferBytes is the number of command bytes accumulated.
	BufferBytes int

	// BufferCapacity is the batch's total command-buffer capacity.
	BufferCapacity int

	// ResourceCount is the number of distinct resources referenced.
	ResourceCount int

	// ReferencedBytes is the summed size of all referenced resources.
	ReferencedBytes uint64
}

// FlushPolicy decides whether an open batch should be submitted even
// though neither capacity nor a hazard forces it. It runs after every
// append (outside active reservations). Returning true submits the
// batch.
//
// Which pressure signals warrant an early flush varies per hardware
// backend, so the policy is configuration, not engine logic. Policies
// must not call back into the engine.
type FlushPolicy func(BatchStats) bool

// ReferencedSizeLimit returns a policy that flushes once the summed size
// of the resources a batch references exceeds limit bytes. Backends use
// this to cap how much memory a single submission can pin.
func ReferencedSizeLimit(limit uint64) FlushPolicy {
	return func(s BatchStats) bool {
		return s.ReferencedBytes > limit
	}
}

// ResourceCountLimit returns a policy that flushes once a batch
// references more than n distinct resources, bounding the kernel's
// per-submission relocation list.
func ResourceCountLimit(n int) FlushPolicy {
	return func(s BatchStats) bool {
		return s.ResourceCount > n
	}
}

// AnyOf combines policies; the batch flushes when any of them fires.
func AnyOf(policies ...FlushPolicy) FlushPolicy {
	return func(s BatchStats) bool {
		for _, p := range policies {
			if p != nil && p(s) {
				return true
			}
		}
		return false
	}
}
