// Package backend hosts submission-transport implementations for the
// cmdstream engine and a registry to select between them.
//
// A backend wraps one [cmdstream.Transport]: the software backend runs
// an in-process simulation (always available, used by tests and tools),
// the wgpu backend drives a real device through gogpu/wgpu. Backends
// register themselves on import and are selected via Get or Default.
package backend

import (
	"errors"

	"github.com/gogpu/cmdstream"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")
)

// Backend name constants.
const (
	// BackendSoftware is the name of the in-process simulation backend.
	BackendSoftware = "software"
	// BackendWGPU is the name of the gogpu/wgpu-based backend.
	BackendWGPU = "wgpu"
)

// TransportBackend provides a submission transport for the engine.
//
// Backends must be registered via Register() and are selected via
// Get() or Default().
type TransportBackend interface {
	// Name returns the backend identifier (e.g., "software", "wgpu").
	Name() string

	// Init initializes the backend.
	// This should be called before Transport().
	Init() error

	// Close releases all backend resources.
	// The backend should not be used after Close is called.
	Close()

	// Transport returns the submission transport.
	// Returns nil before Init or after Close.
	Transport() cmdstream.Transport
}
