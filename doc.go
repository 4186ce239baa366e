// Package cmdstream implements the batch lifecycle and resource
// dependency tracking engine shared by GPU driver backends.
//
// A driver backend translates rendering or compute work into raw command
// bytes and hands them to cmdstream, which accumulates them into batches
// (one open batch per hardware queue), tracks which GPU-visible resources
// each batch reads and writes, and decides when a batch must be submitted
// to the kernel: on explicit flush, on command-buffer exhaustion, on a
// cross-batch hazard, or when the CPU needs to observe results.
//
// The engine is hardware-agnostic. Everything device-specific lives behind
// two narrow interfaces:
//
//   - [Transport]: buffer allocation, command submission and fence waits
//     (the kernel ioctl boundary). See backend/ for implementations.
//   - command encoding: callers encode operations into bytes themselves;
//     cmdstream only counts and reserves space, it never inspects bytes.
//
// Basic usage:
//
//	eng, err := cmdstream.New(transport)
//	if err != nil { ... }
//	q := eng.Queue(cmdstream.QueueRender)
//
//	buf, _ := eng.NewResource(4096, gputypes.BufferUsageStorage)
//	err = q.Append(drawCommands, cmdstream.Access{Resource: buf, Mode: cmdstream.AccessWrite})
//	fence, err := q.Flush()
//	status := eng.Fences().Wait(fence, time.Second)
//
// Hazard handling is automatic: appending a read of a resource that a
// batch on another queue is writing forces that batch to be submitted
// first and records a fence dependency, so the transport observes the
// required ordering.
//
// By default cmdstream produces no log output. Call [SetLogger] to enable
// structured logging via log/slog.
package cmdstream
