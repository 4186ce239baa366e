package cmdstream

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// AccessMode describes how a batch accesses a resource.
// Modes are bit flags so a combined read/write access is the union of
// both bits, and the hazard test is a mask test.
type AccessMode uint8

const (
	// AccessRead marks a resource as read by a batch.
	AccessRead AccessMode = 1 << iota
	// AccessWrite marks a resource as written by a batch.
	AccessWrite

	// AccessReadWrite marks a resource as both read and written.
	AccessReadWrite = AccessRead | AccessWrite
)

// String returns the string representation of AccessMode.
func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// conflictsWith reports whether an access with mode m on one batch
// requires ordering against an earlier access with mode prev on a
// different batch. Two reads never conflict; everything involving a
// write does.
func (m AccessMode) conflictsWith(prev AccessMode) bool {
	return m&AccessWrite != 0 || prev&AccessWrite != 0
}

// Access pairs a resource with the mode a command sequence uses it with.
// It is the per-resource argument to [Queue.Append].
type Access struct {
	Resource *Resource
	Mode     AccessMode
}

// Resource is a GPU-visible allocation tracked by the engine.
//
// The engine holds weak back-references to the batches currently reading
// or writing the resource. The hazard fields are owned by the
// [Registry] and guarded by its mutex; client code only uses the
// accessor methods, which are safe for concurrent use.
//
// A resource destroyed via [Engine.DestroyResource] while batches still
// reference it keeps its backing allocation alive until the last
// referencing batch retires.
type Resource struct {
	id     uint64
	size   uint64
	usage  gputypes.BufferUsage
	handle ResourceHandle

	// Hazard state. Owned by the Registry; guarded by Registry.mu.
	lastWriter *Batch
	readers    map[*Batch]struct{}

	// destroyed marks a client release. The backing allocation is freed
	// once no batch references the resource. Guarded by Registry.mu.
	destroyed bool

	// free releases the backing allocation. Set at creation by the
	// engine; called at most once.
	free func()
}

// ID returns the engine-assigned resource identifier.
func (r *Resource) ID() uint64 { return r.id }

// Size returns the allocation size in bytes.
func (r *Resource) Size() uint64 { return r.size }

// Usage returns the buffer usage flags the resource was allocated with.
func (r *Resource) Usage() gputypes.BufferUsage { return r.usage }

// Handle returns the transport handle backing the resource.
func (r *Resource) Handle() ResourceHandle { return r.handle }

// referencedLocked reports whether any non-retired batch references the
// resource. Caller must hold the registry mutex.
func (r *Resource) referencedLocked() bool {
	return r.lastWriter != nil || len(r.readers) > 0
}
