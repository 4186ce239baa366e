// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu provides a cmdstream submission transport backed by
// gogpu/wgpu. The host application owns the device and hands it in via
// a gpucontext.DeviceProvider; the transport never creates a device of
// its own.
//
// The package also hosts a content-addressed pipeline cache that
// compiles WGSL through gogpu/naga, the shader-compiler boundary the
// engine sees only as a lookup keyed by a stable hash.
package wgpu
