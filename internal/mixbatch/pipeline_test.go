package mixbatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/overlaynet/overlay-core/internal/wire"
)

type fakeReleaser struct {
	mu      sync.Mutex
	batches []*Batch
	done    chan struct{}
}

func newFakeReleaser(expect int) *fakeReleaser {
	return &fakeReleaser{done: make(chan struct{}, expect)}
}

func (f *fakeReleaser) ReleaseBatch(_ context.Context, b *Batch) error {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func TestPipelineReleasesOnBatchSize(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	rel := newFakeReleaser(1)
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.BatchSize = 3
	cfg.BatchTimeout = time.Hour
	cfg.VDFDelayMs = 1

	p, err := New(cfg, testModulus(), rel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.Enqueue(ctx, wire.Frame{Type: wire.FrameData, StreamID: 1, Seq: uint64(i), Data: []byte("x")}, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	select {
	case <-rel.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch release")
	}

	stats := p.Snapshot()
	if stats.BatchesReleased != 1 {
		t.Fatalf("BatchesReleased = %d, want 1", stats.BatchesReleased)
	}

	rel.mu.Lock()
	defer rel.mu.Unlock()
	if len(rel.batches) != 1 || len(rel.batches[0].Frames) != 3 {
		t.Fatalf("unexpected released batch shape: %+v", rel.batches)
	}
	if rel.batches[0].State != StateReleased {
		t.Fatalf("batch state = %v, want Released", rel.batches[0].State)
	}
}

func TestPipelineFlushOnTimeout(t *testing.T) {
	rel := newFakeReleaser(1)
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.BatchSize = 100
	cfg.BatchTimeout = 20 * time.Millisecond
	cfg.VDFDelayMs = 1

	p, err := New(cfg, testModulus(), rel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := p.Enqueue(ctx, wire.Frame{Type: wire.FrameData, StreamID: 1, Seq: 0, Data: []byte("x")}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-rel.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timeout flush")
	}

	stats := p.Snapshot()
	if stats.TimeoutFlushes != 1 {
		t.Fatalf("TimeoutFlushes = %d, want 1", stats.TimeoutFlushes)
	}
}

func TestPipelineProofRetrievalAndVerification(t *testing.T) {
	rel := newFakeReleaser(1)
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.BatchSize = 1
	cfg.VDFDelayMs = 1
	cfg.EnableAccumulatorProofs = true

	modulus := testModulus()
	p, err := New(cfg, modulus, rel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := p.Enqueue(ctx, wire.Frame{Type: wire.FrameData, StreamID: 1, Seq: 0, Data: []byte("payload")}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	<-rel.done

	rel.mu.Lock()
	batchID := rel.batches[0].ID
	digest := rel.batches[0].digest()
	rel.mu.Unlock()

	proof, ok := p.Proof(batchID)
	if !ok {
		t.Fatal("expected a cached proof for the released batch")
	}
	if proof.BatchID != batchID {
		t.Fatalf("proof.BatchID = %d, want %d", proof.BatchID, batchID)
	}

	if !VerifyProof(VDFParams{Modulus: modulus}, digest, proof) {
		t.Fatal("VerifyProof rejected a genuine proof")
	}
}

func TestPipelineDeferRekeyRunsImmediatelyWhenIdle(t *testing.T) {
	rel := newFakeReleaser(0)
	cfg := DefaultConfig()
	p, err := New(cfg, testModulus(), rel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	called := make(chan struct{})
	p.DeferRekey(func() { close(called) })

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("DeferRekey did not invoke callback immediately while idle")
	}
}
