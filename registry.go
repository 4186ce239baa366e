package cmdstream

import (
	"sort"
	"sync"
)

// Registry tracks, for every GPU-visible resource, which batches are
// currently reading or writing it. It answers one question: given a new
// (resource, mode) access about to be recorded into a batch, which other
// batches must be submitted first?
//
// The Registry detects hazards; it never resolves them. Deciding whether
// a conflicting batch is flushed immediately or turned into a fence
// dependency is flush policy and lives in [Queue].
//
// All mutation happens inside Conflicts/Commit/Release under a single
// mutex, since the per-resource maps encode cross-batch hazard state.
type Registry struct {
	mu sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Conflicts returns every non-retired batch whose recorded access to res
// conflicts with an access of mode by cur, excluding cur itself. The
// result is ordered oldest-open first, which is the order conflicting
// batches must be flushed in to avoid livelock between queues.
//
// Conflicts does not record the access; call [Registry.Commit] once the
// returned batches have been dealt with.
func (g *Registry) Conflicts(res *Resource, mode AccessMode, cur *Batch) []*Batch {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Batch

	// A write by an earlier batch conflicts with any access; an earlier
	// read only conflicts with a write.
	if w := res.lastWriter; w != nil && w != cur {
		out = append(out, w)
	}
	if mode&AccessWrite != 0 {
		for rd := range res.readers {
			if rd == cur || rd == res.lastWriter {
				continue
			}
			out = append(out, rd)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].openSeq < out[j].openSeq })
	return out
}

// Commit records an access of mode to res by batch b, updating the
// resource's reader set and last-writer reference. The caller must have
// resolved the hazards reported by [Registry.Conflicts] first.
func (g *Registry) Commit(res *Resource, mode AccessMode, b *Batch) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if mode&AccessRead != 0 {
		if res.readers == nil {
			res.readers = make(map[*Batch]struct{})
		}
		res.readers[b] = struct{}{}
	}
	if mode&AccessWrite != 0 {
		res.lastWriter = b
	}
	b.noteAccessLocked(res, mode)
}

// RecordAccess is Conflicts followed by Commit in one call: it returns
// the batches that must be submitted before the access is safe and
// records the access unconditionally. [Queue.Append] uses the two-phase
// form instead so it can resolve the reported hazards in between; use
// RecordAccess when driving the registry directly.
func (g *Registry) RecordAccess(res *Resource, mode AccessMode, cur *Batch) []*Batch {
	conflicts := g.Conflicts(res, mode, cur)
	g.Commit(res, mode, cur)
	return conflicts
}

// Writer returns the batch currently recorded as the last writer of res,
// or nil. Used by CPU-readback flushes to find the one batch whose
// completion makes the resource's contents observable.
func (g *Registry) Writer(res *Resource) *Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return res.lastWriter
}

// Release removes b from every resource it accessed, called on
// retirement (or loss). Resources destroyed by the client while b still
// referenced them are freed here once the last reference drops.
//
// Release is idempotent: releasing an already-released batch finds no
// back-references and does nothing.
func (g *Registry) Release(b *Batch) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for res := range b.accesses {
		delete(res.readers, b)
		if res.lastWriter == b {
			res.lastWriter = nil
		}
		g.maybeFreeLocked(res)
	}
}

// Destroy marks res as released by the client. If no batch references
// the resource the backing allocation is freed immediately; otherwise it
// stays alive until the last referencing batch retires.
func (g *Registry) Destroy(res *Resource) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res.destroyed = true
	g.maybeFreeLocked(res)
}

// Clear drops all hazard state for every resource referenced by the
// given batches. Called on device loss: in-flight batches will never
// retire normally, so their back-references must not survive into the
// rebuilt context.
func (g *Registry) Clear(batches []*Batch) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, b := range batches {
		for res := range b.accesses {
			delete(res.readers, b)
			if res.lastWriter == b {
				res.lastWriter = nil
			}
			g.maybeFreeLocked(res)
		}
	}
}

// maybeFreeLocked frees the backing allocation of a destroyed,
// unreferenced resource. Caller must hold g.mu.
func (g *Registry) maybeFreeLocked(res *Resource) {
	if !res.destroyed || res.referencedLocked() {
		return
	}
	if res.free != nil {
		f := res.free
		res.free = nil
		f()
	}
}
