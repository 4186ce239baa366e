// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/cmdstream"
	"github.com/gogpu/cmdstream/backend"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/core"
)

// Backend errors.
var (
	// ErrNoDeviceProvider is returned by Init when no device provider
	// has been supplied via SetDeviceProvider.
	ErrNoDeviceProvider = errors.New("wgpu: no device provider set")
)

// providerMu guards the package-level device provider.
var (
	providerMu     sync.RWMutex
	deviceProvider gpucontext.DeviceProvider
)

// SetDeviceProvider supplies the shared GPU device for transports
// created through the backend registry. The host application (e.g., a
// gogpu App) calls this once during startup, before backend.InitDefault.
func SetDeviceProvider(p gpucontext.DeviceProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	deviceProvider = p
}

// init registers the wgpu backend on package import.
func init() {
	backend.Register(backend.BackendWGPU, func() backend.TransportBackend {
		return &Backend{}
	})
}

// Backend wraps a Transport behind the backend interface. Init fails
// unless a device provider has been set, letting backend.InitDefault
// fall through to the software backend on hosts without a GPU.
type Backend struct {
	transport *Transport
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendWGPU }

// Init initializes the backend from the package-level device provider.
func (b *Backend) Init() error {
	providerMu.RLock()
	p := deviceProvider
	providerMu.RUnlock()

	if p == nil {
		return ErrNoDeviceProvider
	}
	t, err := NewTransport(p)
	if err != nil {
		return err
	}
	b.transport = t
	return nil
}

// Close releases all backend resources.
func (b *Backend) Close() {
	b.transport = nil
}

// Transport returns the submission transport.
func (b *Backend) Transport() cmdstream.Transport {
	if b.transport == nil {
		return nil
	}
	return b.transport
}

// Transport submits cmdstream batches through a wgpu device.
//
// The transport models the submission boundary: it tracks allocations
// and fences and drives completion by polling the shared device. wgpu
// queues complete submissions in order, so one device poll that drains
// the queue signals every outstanding fence.
//
// Transport is safe for concurrent use.
type Transport struct {
	mu       sync.Mutex
	provider gpucontext.DeviceProvider

	// device is the optional typed core device, when the host exposes
	// one. Command encoders are created from it per submission.
	device *core.Device

	nextHandle uint64
	nextSeqno  uint64
	signaled   uint64
	lost       bool

	allocs map[cmdstream.ResourceHandle]uint64
}

// NewTransport creates a transport over the host-provided device.
func NewTransport(p gpucontext.DeviceProvider) (*Transport, error) {
	if p == nil {
		return nil, ErrNoDeviceProvider
	}
	return &Transport{
		provider: p,
		allocs:   make(map[cmdstream.ResourceHandle]uint64),
	}, nil
}

// NewTransportWithDevice creates a transport that records each
// submission through a typed core device as well.
func NewTransportWithDevice(p gpucontext.DeviceProvider, dev *core.Device) (*Transport, error) {
	t, err := NewTransport(p)
	if err != nil {
		return nil, err
	}
	t.device = dev
	return t, nil
}

// Allocate creates a GPU allocation handle.
func (t *Transport) Allocate(size uint64, usage gputypes.BufferUsage) (cmdstream.ResourceHandle, error) {
	if size == 0 {
		return 0, fmt.Errorf("wgpu: invalid allocation size 0")
	}
	_ = usage // validated by buffer creation once HAL buffers are wired

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextHandle++
	h := cmdstream.ResourceHandle(t.nextHandle)
	t.allocs[h] = size
	return h, nil
}

// Free releases an allocation handle.
func (t *Transport) Free(h cmdstream.ResourceHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.allocs, h)
}

// Submit hands a batch's command bytes to the device queue and issues
// the next fence.
func (t *Transport) Submit(commands []byte, resources []cmdstream.SubmitResource, waits []cmdstream.FenceHandle) (cmdstream.FenceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lost {
		return cmdstream.FenceHandle{}, fmt.Errorf("wgpu: device lost")
	}

	if t.device != nil {
		enc, err := t.device.CreateCommandEncoder(fmt.Sprintf("cmdstream-%d", t.nextSeqno+1))
		if err != nil {
			return cmdstream.FenceHandle{}, fmt.Errorf("wgpu: create command encoder: %w", err)
		}
		if _, err := enc.Finish(); err != nil {
			return cmdstream.FenceHandle{}, fmt.Errorf("wgpu: finish command buffer: %w", err)
		}
		// TODO: replay the encoded commands into the encoder and submit
		// the finished buffer via core.QueueSubmit once the queue API
		// lands in gogpu/wgpu.
	}
	_ = commands
	_ = resources
	_ = waits

	t.nextSeqno++
	return cmdstream.FenceHandle{Seqno: t.nextSeqno}, nil
}

// Wait blocks on the device until the fence's submission has drained.
// wgpu's device poll with wait semantics drains the whole queue, so a
// successful blocking poll signals every fence issued so far.
func (t *Transport) Wait(f cmdstream.FenceHandle, timeout time.Duration) (cmdstream.FenceStatus, error) {
	t.mu.Lock()
	if t.lost {
		t.mu.Unlock()
		return cmdstream.FenceLost, nil
	}
	if f.Seqno <= t.signaled {
		t.mu.Unlock()
		return cmdstream.FenceSignaled, nil
	}
	issued := t.nextSeqno
	t.mu.Unlock()

	dev := t.provider.Device()
	if dev == nil {
		return cmdstream.FenceLost, fmt.Errorf("wgpu: provider has no device")
	}
	// gpucontext.Device is an empty type token; assert to the polling
	// subset of the concrete device API.
	poller, _ := dev.(interface{ Poll(wait bool) })

	if timeout == 0 {
		if poller != nil {
			poller.Poll(false)
		}
		return cmdstream.FencePending, nil
	}

	if poller != nil {
		poller.Poll(true)
	}

	t.mu.Lock()
	if issued > t.signaled {
		t.signaled = issued
	}
	status := cmdstream.FenceSignaled
	if t.lost {
		status = cmdstream.FenceLost
	}
	t.mu.Unlock()
	return status, nil
}

// QueryResetStatus reports device loss observed by the host.
func (t *Transport) QueryResetStatus() cmdstream.ResetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lost {
		// wgpu does not distinguish guilty from innocent contexts.
		return cmdstream.ResetUnknown
	}
	return cmdstream.ResetNone
}

// NotifyDeviceLost marks the device as lost. Hosts call this from the
// wgpu device-lost callback; pending fences report Lost afterwards.
func (t *Transport) NotifyDeviceLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lost = true
}
