package cmdstream

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendRoundTrip(t *testing.T) {
	e, mt := newTestEngine(t)
	res := newTestResource(t, e, 256)
	q := e.Queue(QueueRender)

	if err := q.Append([]byte("abc"), Access{Resource: res, Mode: AccessWrite}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if err := q.Append([]byte("def"), Access{Resource: res, Mode: AccessRead}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	fence, err := q.Flush()
	if err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if fence.IsZero() {
		t.Fatal("Flush() returned the zero fence for a non-empty batch")
	}

	subs := mt.submissions()
	if len(subs) != 1 {
		t.Fatalf("transport saw %d submissions, want 1", len(subs))
	}
	if !bytes.Equal(subs[0].commands, []byte("abcdef")) {
		t.Errorf("submitted commands = %q, want %q", subs[0].commands, "abcdef")
	}
	if len(subs[0].resources) != 1 {
		t.Fatalf("submission references %d resources, want 1", len(subs[0].resources))
	}
	sr := subs[0].resources[0]
	if sr.Handle != res.Handle() {
		t.Errorf("submitted handle = %d, want %d", sr.Handle, res.Handle())
	}
	if sr.Mode != AccessReadWrite {
		t.Errorf("submitted mode = %v, want ReadWrite", sr.Mode)
	}
}

func TestAppendExactFitDoesNotFlush(t *testing.T) {
	e, mt := newTestEngine(t, WithBatchCapacity(8))
	q := e.Queue(QueueRender)

	if err := q.Append(make([]byte, 8)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 0 {
		t.Errorf("exact-fit append submitted %d batches, want 0", got)
	}

	// One more byte no longer fits: exactly one flush, and the byte
	// lands in a fresh batch.
	if err := q.Append([]byte{0xff}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 1 {
		t.Fatalf("overflow append submitted %d batches, want 1", got)
	}
	if got := q.Open().Len(); got != 1 {
		t.Errorf("open batch holds %d bytes, want 1", got)
	}
}

func TestAppendOversizedSequence(t *testing.T) {
	e, mt := newTestEngine(t, WithBatchCapacity(8))
	q := e.Queue(QueueRender)

	err := q.Append(make([]byte, 9))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Append() = %v, want ErrCapacityExceeded", err)
	}
	// The failed append must not have flushed or recorded anything.
	if got := mt.submitCount(); got != 0 {
		t.Errorf("failed append submitted %d batches, want 0", got)
	}
}

func TestFlushEmptyElision(t *testing.T) {
	e, mt := newTestEngine(t)
	q := e.Queue(QueueRender)

	fence, err := q.Flush()
	if err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if !fence.IsZero() {
		t.Error("flushing a never-used queue should return the zero fence")
	}

	if err := q.Append([]byte("abc")); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	first, err := q.Flush()
	if err != nil {
		t.Fatalf("Flush() = %v", err)
	}

	// Empty flush reuses the previous fence and reaches no transport.
	again, err := q.Flush()
	if err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if again != first {
		t.Errorf("elided flush fence = %+v, want previous fence %+v", again, first)
	}
	if got := mt.submitCount(); got != 1 {
		t.Errorf("transport saw %d submissions, want 1", got)
	}
}

func TestEmptyFlushReleasesAccesses(t *testing.T) {
	e, mt := newTestEngine(t)
	res := newTestResource(t, e, 64)
	q := e.Queue(QueueRender)

	// Accesses without command bytes: the batch is droppable, but the
	// recorded write must not survive as a dangling hazard.
	if err := q.Append(nil, Access{Resource: res, Mode: AccessWrite}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if _, err := q.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if got := mt.submitCount(); got != 0 {
		t.Fatalf("empty batch reached the transport (%d submissions)", got)
	}
	if w := e.Registry().Writer(res); w != nil {
		t.Error("elided flush left a dangling last-writer reference")
	}
}

func TestCrossQueueReadAfterWriteFlushesWriter(t *testing.T) {
	e, mt := newTestEngine(t)
	mt.setManual(true)
	res := newTestResource(t, e, 64)
	render := e.Queue(QueueRender)
	compute := e.Queue(QueueCompute)

	if err := render.Append([]byte("w"), Access{Resource: res, Mode: AccessWrite}); err != nil {
		t.Fatalf("render Append() = %v", err)
	}
	if err := compute.Append([]byte("r"), Access{Resource: res, Mode: AccessRead}); err != nil {
		t.Fatalf("compute Append() = %v", err)
	}

	// The conflicting render batch was submitted by the compute append.
	if got := mt.submitCount(); got != 1 {
		t.Fatalf("transport saw %d submissions, want 1 (the flushed writer)", got)
	}
	renderFence := render.LastFence()
	if renderFence.IsZero() {
		t.Fatal("render batch was not submitted")
	}

	// The compute batch carries the writer's fence as a dependency.
	if _, err := compute.Flush(); err != nil {
		t.Fatalf("compute Flush() = %v", err)
	}
	subs := mt.submissions()
	if len(subs) != 2 {
		t.Fatalf("transport saw %d submissions, want 2", len(subs))
	}
	if len(subs[1].waits) != 1 || subs[1].waits[0] != renderFence {
		t.Errorf("compute submission waits = %v, want [%+v]", subs[1].waits, renderFence)
	}
}

func TestCrossQueueWriteAfterReadFlushesReader(t *testing.T) {
	e, mt := newTestEngine(t)
	mt.setManual(true)
	res := newTestResource(t, e, 64)
	render := e.Queue(QueueRender)
	compute := e.Queue(QueueCompute)

	if err := compute.Append([]byte("r"), Access{Resource: res, Mode: AccessRead}); err != nil {
		t.Fatalf("compute Append() = %v", err)
	}
	if err := render.Append([]byte("w"), Access{Resource: res, Mode: AccessWrite}); err != nil {
		t.Fatalf("render Append() = %v", err)
	}

	if got := mt.submitCount(); got != 1 {
		t.Fatalf("transport saw %d submissions, want 1 (the flushed reader)", got)
	}
	if compute.LastFence().IsZero() {
		t.Error("reading compute batch was not submitted")
	}
}

func TestSameQueueHazardStaysInBatch(t *testing.T) {
	e, mt := newTestEngine(t)
	res := newTestResource(t, e, 64)
	q := e.Queue(QueueRender)

	if err := q.Append([]byte("w"), Access{Resource: res, Mode: AccessWrite}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	// A later read on the same queue orders within the batch; nothing to
	// flush.
	if err := q.Append([]byte("r"), Access{Resource: res, Mode: AccessRead}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 0 {
		t.Errorf("same-queue hazard forced %d submissions, want 0", got)
	}
}

func TestSubmittedConflictBecomesFenceDependency(t *testing.T) {
	e, mt := newTestEngine(t)
	mt.setManual(true)
	res := newTestResource(t, e, 64)
	render := e.Queue(QueueRender)
	compute := e.Queue(QueueCompute)

	if err := render.Append([]byte("w"), Access{Resource: res, Mode: AccessWrite}); err != nil {
		t.Fatalf("render Append() = %v", err)
	}
	writerFence, err := render.Flush()
	if err != nil {
		t.Fatalf("render Flush() = %v", err)
	}

	// Reading against an in-flight writer needs no flush, only a wait.
	if err := compute.Append([]byte("r"), Access{Resource: res, Mode: AccessRead}); err != nil {
		t.Fatalf("compute Append() = %v", err)
	}
	if got := mt.submitCount(); got != 1 {
		t.Fatalf("transport saw %d submissions, want still 1", got)
	}
	if _, err := compute.Flush(); err != nil {
		t.Fatalf("compute Flush() = %v", err)
	}
	subs := mt.submissions()
	if len(subs[1].waits) != 1 || subs[1].waits[0] != writerFence {
		t.Errorf("compute waits = %v, want [%+v]", subs[1].waits, writerFence)
	}
}

func TestReserveKeepsSequenceAtomic(t *testing.T) {
	e, mt := newTestEngine(t, WithBatchCapacity(10))
	q := e.Queue(QueueRender)

	if err := q.Append(make([]byte, 4)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	// 6 bytes remain; reserving 10 forces the partial batch out now so
	// the upcoming sequence lands whole in a fresh batch.
	if err := q.Reserve(10); err != nil {
		t.Fatalf("Reserve() = %v", err)
	}
	if got := mt.submitCount(); got != 1 {
		t.Fatalf("Reserve flushed %d batches, want 1", got)
	}
	if err := q.Append(make([]byte, 5)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if err := q.Append(make([]byte, 5)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 1 {
		t.Fatalf("reserved appends flushed mid-sequence (%d submissions)", got)
	}
	if _, err := q.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	subs := mt.submissions()
	if got := len(subs[1].commands); got != 10 {
		t.Errorf("reserved batch holds %d bytes, want 10", got)
	}
}

func TestAppendBeyondReservationFlushes(t *testing.T) {
	e, mt := newTestEngine(t, WithBatchCapacity(10))
	q := e.Queue(QueueRender)

	if err := q.Reserve(10); err != nil {
		t.Fatalf("Reserve() = %v", err)
	}
	if err := q.Append(make([]byte, 4)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	// 6 reserved bytes remain; an 8-byte append overruns the guarantee
	// and must take the normal flush path instead of overfilling the
	// batch past capacity.
	if err := q.Append(make([]byte, 8)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 1 {
		t.Fatalf("overrunning append flushed %d batches, want 1", got)
	}
	if got := q.Open().Len(); got != 8 {
		t.Errorf("open batch holds %d bytes, want 8", got)
	}

	if _, err := q.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	for i, s := range mt.submissions() {
		if len(s.commands) > 10 {
			t.Errorf("submission %d holds %d bytes, exceeds capacity 10", i, len(s.commands))
		}
	}
}

func TestReserveOversized(t *testing.T) {
	e, _ := newTestEngine(t, WithBatchCapacity(8))
	q := e.Queue(QueueRender)

	if err := q.Reserve(9); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Reserve(9) = %v, want ErrCapacityExceeded", err)
	}
}

func TestFlushPolicyTriggersEarlySubmit(t *testing.T) {
	e, mt := newTestEngine(t, WithFlushPolicy(ResourceCountLimit(1)))
	r1 := newTestResource(t, e, 64)
	r2 := newTestResource(t, e, 64)
	q := e.Queue(QueueRender)

	if err := q.Append([]byte("a"), Access{Resource: r1, Mode: AccessWrite}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 0 {
		t.Fatalf("policy fired below its limit (%d submissions)", got)
	}
	// Second distinct resource pushes the count over the limit.
	if err := q.Append([]byte("b"), Access{Resource: r2, Mode: AccessWrite}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 1 {
		t.Errorf("policy flush submitted %d batches, want 1", got)
	}
}

func TestReservationSuppressesFlushPolicy(t *testing.T) {
	always := func(BatchStats) bool { return true }
	e, mt := newTestEngine(t, WithFlushPolicy(always))
	q := e.Queue(QueueRender)

	if err := q.Reserve(8); err != nil {
		t.Fatalf("Reserve() = %v", err)
	}
	if err := q.Append(make([]byte, 4)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 0 {
		t.Fatalf("policy fired inside a reservation (%d submissions)", got)
	}
	// The append that exhausts the reservation re-enables the policy.
	if err := q.Append(make([]byte, 4)); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if got := mt.submitCount(); got != 1 {
		t.Errorf("policy flush after reservation submitted %d batches, want 1", got)
	}
}

func TestAddWaitExplicitDependency(t *testing.T) {
	e, mt := newTestEngine(t)
	mt.setManual(true)
	q := e.Queue(QueueRender)

	external := FenceHandle{Seqno: 99, Generation: 1}
	if err := q.Append([]byte("a")); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	b := q.Open()
	if err := b.AddWait(external); err != nil {
		t.Fatalf("AddWait() = %v", err)
	}
	// Duplicates collapse.
	if err := b.AddWait(external); err != nil {
		t.Fatalf("AddWait() = %v", err)
	}
	if _, err := q.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	subs := mt.submissions()
	if len(subs[0].waits) != 1 || subs[0].waits[0] != external {
		t.Errorf("submitted waits = %v, want [%+v]", subs[0].waits, external)
	}

	// The batch is gone; further edits are misuse.
	if err := b.AddWait(external); !errors.Is(err, ErrInvalidState) {
		t.Errorf("AddWait() on submitted batch = %v, want ErrInvalidState", err)
	}
}

func TestBatchStateString(t *testing.T) {
	tests := []struct {
		state BatchState
		want  string
	}{
		{BatchOpen, "Open"},
		{BatchSubmitted, "Submitted"},
		{BatchRetired, "Retired"},
		{BatchLost, "Lost"},
		{BatchState(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BatchState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
