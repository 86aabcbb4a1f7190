package session

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of a directional session key
// (spec §4.E: HKDF output size).
const KeySize = chacha20poly1305.KeySize

var (
	// ErrEpochMismatch indicates a received frame names an epoch for
	// which no live cipher (current or grace-period previous) exists.
	ErrEpochMismatch = errors.New("session: epoch mismatch, key not available")
	// ErrDecryptFailed indicates AEAD authentication failed.
	ErrDecryptFailed = errors.New("session: aead open failed")
)

// epochCipher pairs an AEAD instance with the epoch number it was
// installed for.
type epochCipher struct {
	epoch uint64
	aead  cipher.AEAD
}

// Crypto holds the send and receive AEAD state for one direction's worth
// of session traffic. A connection has two Crypto instances, one per
// direction, sharing the same rekey epoch numbering (spec §4.F: "packet
// header (CID, type, flags, path id) is authenticated as AAD; nonce is
// built from the per-direction send counter").
type Crypto struct {
	mu sync.RWMutex

	sendEpoch   uint64
	sendAEAD    cipher.AEAD
	sendCounter uint64 // atomic

	recvCurrent  *epochCipher
	recvPrevious *epochCipher // live only during a rekey grace period
}

// NewCrypto builds a Crypto state seeded with the handshake-derived
// epoch-0 keys.
func NewCrypto(sendKey, recvKey [KeySize]byte) (*Crypto, error) {
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("session: build send cipher: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("session: build recv cipher: %w", err)
	}
	return &Crypto{
		sendAEAD:    sendAEAD,
		recvCurrent: &epochCipher{epoch: 0, aead: recvAEAD},
	}, nil
}

func nonceFromCounter(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

// Seal encrypts plaintext with the current send epoch's key, authenticating
// aad (the wire packet header) alongside it. It returns the ciphertext and
// the counter value used to build the nonce, which the caller must place
// on the wire so the peer can reconstruct it.
func (c *Crypto) Seal(aad, plaintext []byte) (ciphertext []byte, epoch, counter uint64, err error) {
	c.mu.RLock()
	aead := c.sendAEAD
	epoch = c.sendEpoch
	c.mu.RUnlock()

	counter = atomic.AddUint64(&c.sendCounter, 1) - 1
	nonce := nonceFromCounter(counter)
	ciphertext = aead.Seal(nil, nonce[:], plaintext, aad)
	return ciphertext, epoch, counter, nil
}

// Open decrypts ciphertext received for the given epoch/counter pair,
// trying the current epoch first and falling back to the previous epoch
// during its grace period (spec §4.F: "a rekey grace period during which
// both the outgoing and incoming epoch's receive key remain valid").
func (c *Crypto) Open(epoch, counter uint64, aad, ciphertext []byte) ([]byte, error) {
	c.mu.RLock()
	current := c.recvCurrent
	previous := c.recvPrevious
	c.mu.RUnlock()

	var target *epochCipher
	switch {
	case current != nil && current.epoch == epoch:
		target = current
	case previous != nil && previous.epoch == epoch:
		target = previous
	default:
		return nil, ErrEpochMismatch
	}

	nonce := nonceFromCounter(counter)
	plaintext, err := target.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Rekey installs a new epoch's send and receive keys. The outgoing
// receive epoch is kept as recvPrevious for the grace period rather than
// discarded immediately, so frames already in flight from the peer under
// the old epoch still decrypt (spec §4.F, §8 property 5).
func (c *Crypto) Rekey(sendKey, recvKey [KeySize]byte) error {
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return fmt.Errorf("session: rekey send cipher: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return fmt.Errorf("session: rekey recv cipher: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.recvPrevious = c.recvCurrent
	c.recvCurrent = &epochCipher{epoch: c.sendEpoch + 1, aead: recvAEAD}
	c.sendEpoch++
	c.sendAEAD = sendAEAD
	atomic.StoreUint64(&c.sendCounter, 0)

	return nil
}

// ExpireGracePeriod drops the previous epoch's receive key, ending the
// dual-epoch decrypt window (spec §4.F: grace period is bounded, not
// indefinite).
func (c *Crypto) ExpireGracePeriod() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvPrevious = nil
}

// SendEpoch returns the current send epoch number.
func (c *Crypto) SendEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendEpoch
}

// Crypto does not track bytes sent; RekeyScheduler.RecordBytes
// accumulates that independently at the call site so Crypto stays a pure
// encrypt/decrypt primitive reusable outside a scheduled session.
