package cmdstream

import (
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
)

// ResourceHandle identifies a GPU allocation owned by the submission
// transport. Handles are opaque to the engine; only the transport that
// issued a handle can interpret it.
type ResourceHandle uint64

// FenceHandle is an opaque completion token for one submission.
//
// Fences are immutable once issued and safe to copy and observe from any
// goroutine. Seqno values are monotonically increasing per transport;
// Generation identifies the device context generation the fence was
// issued on, so fences that survive a device loss report Lost instead of
// aliasing work from the rebuilt context.
//
// The zero FenceHandle is always signaled. It is returned when a flush is
// elided because the batch was empty and there is no prior submission to
// order against.
type FenceHandle struct {
	Seqno      uint64
	Generation uint32
}

// IsZero reports whether f is the zero (always signaled) fence.
func (f FenceHandle) IsZero() bool { return f.Seqno == 0 }

// FenceStatus is the observable state of a fence.
type FenceStatus int

const (
	// FencePending means the submission has not completed yet.
	FencePending FenceStatus = iota
	// FenceSignaled means the submission has completed on the GPU.
	FenceSignaled
	// FenceTimedOut means a blocking wait gave up before completion.
	// The fence may still signal later; the wait can be retried.
	FenceTimedOut
	// FenceLost means the device context was reset while the fence was
	// outstanding. The submission may have partially executed; its
	// results must not be trusted.
	FenceLost
)

// String returns the string representation of FenceStatus.
func (s FenceStatus) String() string {
	switch s {
	case FencePending:
		return "Pending"
	case FenceSignaled:
		return "Signaled"
	case FenceTimedOut:
		return "TimedOut"
	case FenceLost:
		return "Lost"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ResetStatus reports whether, and how, the device context was reset.
// The values mirror the kernel's robustness query: Guilty means work
// submitted through this context caused the reset, Innocent means the
// context was collateral damage of someone else's hang.
type ResetStatus int

const (
	// ResetNone means the context has not been reset.
	ResetNone ResetStatus = iota
	// ResetGuilty means this context caused the reset.
	ResetGuilty
	// ResetInnocent means the context was reset by another context's fault.
	ResetInnocent
	// ResetUnknown means a reset occurred but the cause is unknown.
	ResetUnknown
)

// String returns the string representation of ResetStatus.
func (s ResetStatus) String() string {
	switch s {
	case ResetNone:
		return "None"
	case ResetGuilty:
		return "Guilty"
	case ResetInnocent:
		return "Innocent"
	case ResetUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// SubmitResource names one resource referenced by a submission together
// with the access mode the command stream uses it with. The transport
// needs this list to tell the kernel which buffer objects the submission
// touches.
type SubmitResource struct {
	Handle ResourceHandle
	Mode   AccessMode
}

// Transport is the kernel submission boundary.
//
// A Transport owns GPU-visible allocations and executes command streams.
// The engine never interprets command bytes; it hands the accumulated
// bytes of a batch to Submit together with the referenced resources and
// the fences the submission must wait for.
//
// Submit assigns and returns a fence whose Seqno is strictly greater than
// any fence previously issued by this transport. The Generation field of
// the returned fence is owned by the engine and may be overwritten;
// transports should leave it zero and ignore it on incoming fences.
//
// Wait with timeout zero must not block; it behaves as a poll and
// returns FencePending if the submission has not completed.
//
// Implementations must be safe for concurrent use: Wait may be called
// from any goroutine while another goroutine is submitting.
type Transport interface {
	// Allocate creates a GPU-visible allocation of the given size.
	Allocate(size uint64, usage gputypes.BufferUsage) (ResourceHandle, error)

	// Free releases an allocation. The engine guarantees that no batch
	// referencing the handle is still in flight when Free is called.
	Free(h ResourceHandle)

	// Submit executes a command stream. waits lists fences that must
	// signal before the submission may start executing.
	Submit(commands []byte, resources []SubmitResource, waits []FenceHandle) (FenceHandle, error)

	// Wait blocks until the fence signals, the timeout expires, or the
	// device context is lost. A zero timeout polls.
	Wait(f FenceHandle, timeout time.Duration) (FenceStatus, error)

	// QueryResetStatus reports whether the device context was reset.
	QueryResetStatus() ResetStatus
}
