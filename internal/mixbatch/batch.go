package mixbatch

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/overlaynet/overlay-core/internal/wire"
)

// State is a batch's lifecycle state (spec §3: "Accumulating -> VdfRunning
// -> Ready -> Released").
type State uint8

const (
	// StateAccumulating is collecting frames toward BatchSize or Timeout.
	StateAccumulating State = iota
	// StateVdfRunning is paced by the verifiable delay function.
	StateVdfRunning
	// StateReady holds a completed VDF output and accumulator witness,
	// awaiting release.
	StateReady
	// StateReleased has handed its frames to the network transmission
	// path; terminal.
	StateReleased
)

// String renders the state name.
func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "Accumulating"
	case StateVdfRunning:
		return "VdfRunning"
	case StateReady:
		return "Ready"
	case StateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// Batch is an ordered collection of frames drawn from the egress queue,
// plus the VDF proof and accumulator witness attached once processing
// completes (spec §3).
type Batch struct {
	ID        uint64
	Frames    []wire.Frame
	State     State
	CreatedAt time.Time
	Epoch     uint64 // send epoch active when accumulation started; see Pipeline rekey deferral
}

// digest computes a deterministic digest over the batch's frames, used
// both as the VDF input and as the accumulator's representative element
// (spec §4.J step 2: "input = batch digest").
func (b *Batch) digest() []byte {
	h := sha256.New()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], b.ID)
	h.Write(idBuf[:])
	for _, f := range b.Frames {
		var hdr [13]byte
		hdr[0] = byte(f.Type)
		binary.BigEndian.PutUint32(hdr[1:5], f.StreamID)
		binary.BigEndian.PutUint64(hdr[5:13], f.Seq)
		h.Write(hdr[:])
		h.Write(f.Data)
	}
	return h.Sum(nil)
}

// Proof is the retrievable artifact of a released batch: a VDF output, an
// accumulator witness, and a signature over (batch_id, accumulator_value,
// timestamp) (spec §4.J steps 3-4, grounded on
// original_source/nyx-daemon/src/proof_distributor.rs's BatchProof).
type Proof struct {
	BatchID          uint64
	AccumulatorValue []byte
	Witness          []byte
	Prime            []byte
	VDF              *VDFOutput
	Timestamp        time.Time
	Signature        []byte
	SignerPublicKey  ed25519.PublicKey
}

// signedTuple builds the canonical byte string signed over a proof:
// batch_id (BE8) || accumulator_value || timestamp (BE8 unix nano).
func signedTuple(batchID uint64, accumulatorValue []byte, ts time.Time) []byte {
	buf := make([]byte, 0, 16+len(accumulatorValue))
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], batchID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, accumulatorValue...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	buf = append(buf, tsBuf[:]...)
	return buf
}

// VerifyProof checks a Proof's signature and its VDF and accumulator
// components against the batch it claims to attest.
func VerifyProof(params VDFParams, digest []byte, p Proof) bool {
	if !ed25519.Verify(p.SignerPublicKey, signedTuple(p.BatchID, p.AccumulatorValue, p.Timestamp), p.Signature) {
		return false
	}

	x := new(big.Int).SetBytes(digest)
	if !Verify(params, x, p.VDF.Y, p.VDF.Pi, p.VDF.T) {
		return false
	}

	prime := new(big.Int).SetBytes(p.Prime)
	witness := new(big.Int).SetBytes(p.Witness)
	value := new(big.Int).SetBytes(p.AccumulatorValue)
	return VerifyMembership(params.Modulus, witness, prime, value)
}
