// Package mixbatch implements the mix-batch pipeline: frames are queued
// into fixed-size or timeout-bounded batches, paced by a verifiable delay
// function, and released alongside an RSA-accumulator membership witness
// and a signed proof tuple (spec §4.J).
package mixbatch

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ErrInvalidSnapshot indicates a serialized accumulator snapshot was
// truncated or malformed.
var ErrInvalidSnapshot = errors.New("mixbatch: invalid accumulator snapshot")

// Accumulator is a dynamic RSA accumulator (spec §4.J step 3, grounded on
// original_source/nyx-daemon/src/proof_distributor.rs's BatchProof shape:
// accumulator_value + witness, signed and timestamped).
//
// Adding an element e transitions value -> value^e mod N. The witness
// returned for that add is the accumulator's value immediately before the
// add, which is exactly what membership verification requires: witness^e
// mod N == value. Because adds are serialized under mu, a batch's witness
// always corresponds to the accumulator state the batch was added against.
type Accumulator struct {
	mu      sync.Mutex
	modulus *big.Int
	value   *big.Int
	entries []*big.Int // primes added, oldest first; retained for snapshotting
}

// NewAccumulator creates an accumulator over the given RSA modulus, seeded
// at generator (conventionally 2, called "g" in the RSA-accumulator
// literature).
func NewAccumulator(modulus, generator *big.Int) *Accumulator {
	return &Accumulator{
		modulus: new(big.Int).Set(modulus),
		value:   new(big.Int).Mod(generator, modulus),
	}
}

// Add accumulates prime into the set and returns the pre-add value as the
// membership witness for prime, plus the accumulator's new value.
func (a *Accumulator) Add(prime *big.Int) (witness, newValue *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	witness = new(big.Int).Set(a.value)
	a.value = new(big.Int).Exp(a.value, prime, a.modulus)
	a.entries = append(a.entries, new(big.Int).Set(prime))
	return witness, new(big.Int).Set(a.value)
}

// Value returns the current accumulator value.
func (a *Accumulator) Value() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.value)
}

// VerifyMembership checks that witness^prime mod modulus equals value
// (spec §4.J: "witness attests membership of the batch representative").
func VerifyMembership(modulus, witness, prime, value *big.Int) bool {
	check := new(big.Int).Exp(witness, prime, modulus)
	return check.Cmp(value) == 0
}

// HashToPrime deterministically maps arbitrary data to a prime, used to
// derive a batch's accumulator representative from its frame digest
// (spec §4.J: "add all frame-derived primes").
func HashToPrime(data []byte) *big.Int {
	h := sha256.Sum256(data)
	candidate := new(big.Int).SetBytes(h[:])
	// Force odd so the increment-by-2 search below never wastes a step on
	// an even candidate.
	candidate.SetBit(candidate, 0, 1)
	for !candidate.ProbablyPrime(20) {
		candidate.Add(candidate, big.NewInt(2))
	}
	return candidate
}

// Snapshot is the canonical binary encoding of accumulator state persisted
// by the mix pipeline (spec §6: "Accumulator snapshot: serialized
// (modulus, current_value, entry_list)"). The core treats this as an
// opaque blob; only Accumulator itself interprets the layout.
type Snapshot []byte

// Snapshot serializes (modulus, current_value, entry_list) as a sequence
// of length-prefixed big-endian byte strings.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf []byte
	buf = appendLP(buf, a.modulus.Bytes())
	buf = appendLP(buf, a.value.Bytes())

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(a.entries)))
	buf = append(buf, countBuf[:]...)
	for _, e := range a.entries {
		buf = appendLP(buf, e.Bytes())
	}
	return buf
}

// LoadSnapshot restores an Accumulator from a blob produced by Snapshot.
func LoadSnapshot(blob Snapshot) (*Accumulator, error) {
	rest := []byte(blob)

	modulusBytes, rest, err := readLP(rest)
	if err != nil {
		return nil, fmt.Errorf("mixbatch: load snapshot: modulus: %w", err)
	}
	valueBytes, rest, err := readLP(rest)
	if err != nil {
		return nil, fmt.Errorf("mixbatch: load snapshot: value: %w", err)
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("mixbatch: load snapshot: %w", ErrInvalidSnapshot)
	}
	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	entries := make([]*big.Int, 0, count)
	for i := uint32(0); i < count; i++ {
		var entryBytes []byte
		entryBytes, rest, err = readLP(rest)
		if err != nil {
			return nil, fmt.Errorf("mixbatch: load snapshot: entry %d: %w", i, err)
		}
		entries = append(entries, new(big.Int).SetBytes(entryBytes))
	}

	return &Accumulator{
		modulus: new(big.Int).SetBytes(modulusBytes),
		value:   new(big.Int).SetBytes(valueBytes),
		entries: entries,
	}, nil
}

func appendLP(buf, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, data...)
	return buf
}

func readLP(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, ErrInvalidSnapshot
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, ErrInvalidSnapshot
	}
	return buf[:n], buf[n:], nil
}
