package mixbatch

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/overlaynet/overlay-core/internal/wire"
)

// DefaultBatchSize and DefaultBatchTimeout match the reference parameter
// set (spec §6: batch_size, batch_timeout_ms, both operator-tunable).
const (
	DefaultBatchSize           = 32
	DefaultBatchTimeout        = 500 * time.Millisecond
	DefaultMaxConcurrentBatches = 4
	DefaultProofCacheWindow    = 10 * time.Minute
)

// Config holds the tunable parameters of the mix batch pipeline
// (spec §6 configuration surface).
type Config struct {
	Enabled                 bool
	BatchSize               int
	VDFDelayMs              uint64
	BatchTimeout            time.Duration
	MaxConcurrentBatches    int
	EnableAccumulatorProofs bool
	ProofCacheWindow        time.Duration
}

// DefaultConfig returns the reference parameter set with the pipeline
// disabled (spec §6: mix.enabled default false).
func DefaultConfig() Config {
	return Config{
		Enabled:                 false,
		BatchSize:               DefaultBatchSize,
		VDFDelayMs:              5,
		BatchTimeout:            DefaultBatchTimeout,
		MaxConcurrentBatches:    DefaultMaxConcurrentBatches,
		EnableAccumulatorProofs: true,
		ProofCacheWindow:        DefaultProofCacheWindow,
	}
}

// ErrQueueFull indicates the pipeline rejected a frame because the number
// of batches in flight already saturates MaxConcurrentBatches and the
// accumulating batch is itself at capacity (spec §7: ResourceExhausted —
// "reject the originating call; do not crash").
var ErrQueueFull = errors.New("mixbatch: batch queue full")

// Releaser hands a released batch's frames to the network transmission
// path (spec §4.J step 5).
type Releaser interface {
	ReleaseBatch(ctx context.Context, b *Batch) error
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	BatchesAccumulated uint64
	BatchesReleased    uint64
	TimeoutFlushes     uint64
	VDFFailures        uint64
	ProofsGenerated    uint64
	ProofCacheEvictions uint64
	RekeysDeferred     uint64
}

type cachedProof struct {
	proof   Proof
	storedAt time.Time
}

// Pipeline queues egress frames into batches, paces their release through
// a verifiable delay function, and attaches an RSA-accumulator membership
// proof to each release (spec §4.J).
//
// Grounded on internal/bfd/micro.go's group-lifecycle-under-mutex pattern
// for the accumulating-batch bookkeeping, and on
// original_source/nyx-daemon/src/proof_distributor.rs for the proof shape
// and cache-window eviction policy.
type Pipeline struct {
	cfg      Config
	releaser Releaser
	acc      *Accumulator
	vdfParams VDFParams
	signer   ed25519.PrivateKey
	signerPub ed25519.PublicKey
	sem      *semaphore.Weighted

	mu          sync.Mutex
	nextBatchID uint64
	accumulating *Batch
	inFlight    int
	proofs      map[uint64]cachedProof
	proofOrder  []uint64
	rekeyPending func()
	stats       Stats

	timerMu sync.Mutex
	timer   *time.Timer
}

// New creates a Pipeline over the given accumulator/VDF modulus, with a
// freshly generated Ed25519 signing key (spec §4.J step 4: "sign the
// tuple"). Use NewWithSigner to supply a persistent identity key instead.
func New(cfg Config, modulus *big.Int, releaser Releaser) (*Pipeline, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mixbatch: generate signing key: %w", err)
	}
	return NewWithSigner(cfg, modulus, releaser, priv, pub), nil
}

// NewWithSigner creates a Pipeline with an explicit Ed25519 identity.
func NewWithSigner(cfg Config, modulus *big.Int, releaser Releaser, signer ed25519.PrivateKey, signerPub ed25519.PublicKey) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if cfg.ProofCacheWindow <= 0 {
		cfg.ProofCacheWindow = DefaultProofCacheWindow
	}
	return &Pipeline{
		cfg:       cfg,
		releaser:  releaser,
		acc:       NewAccumulator(modulus, big.NewInt(2)),
		vdfParams: VDFParams{Modulus: modulus},
		signer:    signer,
		signerPub: signerPub,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		proofs:    make(map[uint64]cachedProof),
	}
}

// Enqueue adds a frame to the currently accumulating batch, snapshotting
// and dispatching it once BatchSize is reached (spec §4.J: "On reaching
// batch size N or timeout T"). It returns ErrQueueFull, without queuing f,
// when f would complete a batch while MaxConcurrentBatches batches are
// already in flight.
func (p *Pipeline) Enqueue(ctx context.Context, f wire.Frame, epoch uint64) error {
	p.mu.Lock()

	queued := 0
	if p.accumulating != nil {
		queued = len(p.accumulating.Frames)
	}
	if p.inFlight >= p.cfg.MaxConcurrentBatches && queued+1 >= p.cfg.BatchSize {
		p.mu.Unlock()
		return ErrQueueFull
	}

	if p.accumulating == nil {
		p.accumulating = p.newBatchLocked(epoch)
		p.armTimer()
	}
	p.accumulating.Frames = append(p.accumulating.Frames, f)

	var dispatch *Batch
	if len(p.accumulating.Frames) >= p.cfg.BatchSize {
		dispatch = p.accumulating
		p.accumulating = nil
		p.disarmTimer()
	}
	p.mu.Unlock()

	if dispatch != nil {
		p.dispatch(ctx, dispatch)
	}
	return nil
}

func (p *Pipeline) newBatchLocked(epoch uint64) *Batch {
	p.nextBatchID++
	return &Batch{
		ID:        p.nextBatchID,
		State:     StateAccumulating,
		CreatedAt: timeNow(),
		Epoch:     epoch,
	}
}

// armTimer schedules a timeout flush of the currently-accumulating batch.
func (p *Pipeline) armTimer() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	p.timer = time.AfterFunc(p.cfg.BatchTimeout, func() { p.flushTimeout(context.Background()) })
}

func (p *Pipeline) disarmTimer() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// flushTimeout dispatches a partially-filled batch once BatchTimeout
// elapses without reaching BatchSize (spec §4.J: "or timeout T").
func (p *Pipeline) flushTimeout(ctx context.Context) {
	p.mu.Lock()
	batch := p.accumulating
	p.accumulating = nil
	if batch != nil {
		p.stats.TimeoutFlushes++
	}
	p.mu.Unlock()

	if batch != nil && len(batch.Frames) > 0 {
		p.dispatch(ctx, batch)
	}
}

// Flush forces the currently-accumulating batch (if any) out immediately,
// used on connection shutdown so buffered frames are not silently dropped.
func (p *Pipeline) Flush(ctx context.Context) {
	p.disarmTimer()
	p.mu.Lock()
	batch := p.accumulating
	p.accumulating = nil
	p.mu.Unlock()
	if batch != nil && len(batch.Frames) > 0 {
		p.dispatch(ctx, batch)
	}
}

// dispatch runs the VDF-then-accumulator-witness pipeline for one batch in
// a background goroutine, bounded by MaxConcurrentBatches
// (spec §4.J invariant: "concurrent batches <= max_concurrent_batches").
func (p *Pipeline) dispatch(ctx context.Context, b *Batch) {
	p.mu.Lock()
	p.stats.BatchesAccumulated++
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		// Cancelled before a slot freed up: return the frames to the
		// egress queue rather than dropping them (spec §5 cancellation
		// policy).
		p.requeue(b)
		return
	}

	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	go func() {
		defer func() {
			p.sem.Release(1)
			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
		}()
		if err := p.process(ctx, b); err != nil {
			p.mu.Lock()
			p.stats.VDFFailures++
			p.mu.Unlock()
			p.requeue(b)
		}
	}()
}

// requeue returns an aborted batch's frames to the front of the egress
// queue by re-enqueueing them into a fresh accumulating batch at the same
// epoch (spec §5: "a half-built batch returns its frames to the egress
// queue").
func (p *Pipeline) requeue(b *Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accumulating == nil {
		p.accumulating = p.newBatchLocked(b.Epoch)
		p.armTimer()
	}
	p.accumulating.Frames = append(b.Frames, p.accumulating.Frames...)
}

// process runs the VDF, generates the accumulator witness, signs the
// proof tuple, and releases the batch (spec §4.J steps 1-5).
func (p *Pipeline) process(ctx context.Context, b *Batch) error {
	b.State = StateVdfRunning

	digest := b.digest()
	x := new(big.Int).SetBytes(digest)
	t := p.cfg.VDFDelayMs * SquaringsPerMillisecond

	vdfOut, err := Evaluate(ctx, p.vdfParams, x, t)
	if err != nil {
		return fmt.Errorf("mixbatch: vdf evaluate batch %d: %w", b.ID, err)
	}

	var proof Proof
	if p.cfg.EnableAccumulatorProofs {
		prime := HashToPrime(digest)
		witness, accValue := p.acc.Add(prime)

		ts := timeNow()
		accValueBytes := accValue.Bytes()
		sig := ed25519.Sign(p.signer, signedTuple(b.ID, accValueBytes, ts))

		proof = Proof{
			BatchID:          b.ID,
			AccumulatorValue: accValueBytes,
			Witness:          witness.Bytes(),
			Prime:            prime.Bytes(),
			VDF:              vdfOut,
			Timestamp:        ts,
			Signature:        sig,
			SignerPublicKey:  p.signerPub,
		}
		p.storeProof(b.ID, proof)
	}

	b.State = StateReady

	if err := p.releaser.ReleaseBatch(ctx, b); err != nil {
		return fmt.Errorf("mixbatch: release batch %d: %w", b.ID, err)
	}
	b.State = StateReleased

	p.mu.Lock()
	p.stats.BatchesReleased++
	pending := p.rekeyPending
	p.rekeyPending = nil
	p.mu.Unlock()

	// Resolved open question (spec §9): a rekey request arriving mid-batch
	// is deferred until the batch reaches Released, since re-deriving a
	// VDF/accumulator mid-computation would waste the delay already paid.
	if pending != nil {
		pending()
	}

	return nil
}

func (p *Pipeline) storeProof(id uint64, proof Proof) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.proofs[id] = cachedProof{proof: proof, storedAt: timeNow()}
	p.proofOrder = append(p.proofOrder, id)
	p.stats.ProofsGenerated++
	p.evictExpiredLocked()
}

func (p *Pipeline) evictExpiredLocked() {
	now := timeNow()
	cutoff := 0
	for cutoff < len(p.proofOrder) {
		id := p.proofOrder[cutoff]
		cp, ok := p.proofs[id]
		if !ok || now.Sub(cp.storedAt) <= p.cfg.ProofCacheWindow {
			break
		}
		delete(p.proofs, id)
		p.stats.ProofCacheEvictions++
		cutoff++
	}
	p.proofOrder = p.proofOrder[cutoff:]
}

// Proof retrieves a cached proof by batch id (spec §4.J: "retrievable by
// batch_id for a configurable cache window").
func (p *Pipeline) Proof(batchID uint64) (Proof, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictExpiredLocked()
	cp, ok := p.proofs[batchID]
	return cp.proof, ok
}

// DeferRekey registers a callback to run once the batch currently in
// flight reaches StateReleased, implementing the chosen rekey-during-batch
// policy (spec §9 open question, resolved: deferred, not permitted
// mid-batch). If no batch is currently being processed, fn runs
// immediately.
func (p *Pipeline) DeferRekey(fn func()) {
	p.mu.Lock()
	if p.inFlight > 0 {
		p.rekeyPending = fn
		p.stats.RekeysDeferred++
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// AccumulatorSnapshot returns the current accumulator state for periodic
// persistence (spec §6: "periodically written by the mix pipeline when
// enabled").
func (p *Pipeline) AccumulatorSnapshot() Snapshot {
	return p.acc.Snapshot()
}

// Snapshot returns current pipeline counters.
func (p *Pipeline) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// timeNow is a seam so tests can be deterministic about proof timestamps
// without needing to fake time.Now() globally.
var timeNow = time.Now
