// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"

	"github.com/gogpu/cmdstream/cache"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
)

// BlendKey identifies one blend-shader configuration for a pixel
// format. Identical keys produce identical compiled pipelines, which is
// what makes the cache content-addressed.
type BlendKey struct {
	Format    gputypes.TextureFormat
	SrcFactor uint8
	DstFactor uint8
	Op        uint8
}

// Key returns the stable content key for the configuration.
func (k BlendKey) Key() string {
	return cache.KeyUint64(uint64(k.Format), uint64(k.SrcFactor), uint64(k.DstFactor), uint64(k.Op))
}

// compileFunc compiles WGSL source to SPIR-V bytes. Swappable in tests.
type compileFunc func(wgslSource string) ([]byte, error)

// PipelineCache deduplicates compiled blend shaders across batches.
// At most one compilation per configuration is ever run; eviction
// follows the id of the batch that last used each pipeline.
type PipelineCache struct {
	artifacts *cache.Cache[[]uint32]
	compile   compileFunc
}

// NewPipelineCache creates a pipeline cache holding at most capacity
// compiled shaders. If capacity <= 0, cache.DefaultCapacity is used.
func NewPipelineCache(capacity int) *PipelineCache {
	return &PipelineCache{
		artifacts: cache.New[[]uint32](capacity),
		compile:   naga.Compile,
	}
}

// LookupOrBuild returns the SPIR-V words for the blend configuration,
// compiling wgslSource on first use. batchID is the id of the batch
// consuming the pipeline.
func (p *PipelineCache) LookupOrBuild(key BlendKey, batchID uint64, wgslSource string) ([]uint32, error) {
	return p.artifacts.LookupOrBuild(key.Key(), batchID, func() ([]uint32, error) {
		spirvBytes, err := p.compile(wgslSource)
		if err != nil {
			return nil, fmt.Errorf("wgpu: compile blend shader: %w", err)
		}
		return spirvWords(spirvBytes), nil
	})
}

// Len returns the number of cached pipelines.
func (p *PipelineCache) Len() int { return p.artifacts.Len() }

// Stats returns cache statistics.
func (p *PipelineCache) Stats() cache.Stats { return p.artifacts.Stats() }

// Clear drops every cached pipeline. Called on device loss: compiled
// modules belong to the dead context.
func (p *PipelineCache) Clear() { p.artifacts.Clear() }

// spirvWords converts SPIR-V bytes to the uint32 word stream shader
// module creation expects. SPIR-V is little-endian 32-bit words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}
