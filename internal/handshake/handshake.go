// Package handshake implements the hybrid post-quantum / classical key
// exchange used to establish a session (spec §4.E). Each side combines an
// X25519 ECDH exchange with a Kyber768 KEM exchange and derives
// directional session keys from the concatenated shared secrets via HKDF.
package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// kemScheme is the PQ-KEM leg of the hybrid exchange (spec §4.E: "PQ-KEM
// composed with a classical EC-KEM so that breaking either leg alone does
// not compromise the session secret").
var kemScheme = kyber768.Scheme()

// Domain-separation labels for HKDF-Expand, one per derived key purpose
// (spec §4.E: "derived keys MUST be domain separated per direction").
const (
	labelInitiatorToResponder = "overlay/handshake/v1/initiator-to-responder"
	labelResponderToInitiator = "overlay/handshake/v1/responder-to-initiator"
	labelEarlyData            = "overlay/handshake/v1/early-data"
)

// sessionKeySize is the length in bytes of each derived directional key.
const sessionKeySize = 32

// x25519KeySize is the fixed length of an X25519 scalar or point.
const x25519KeySize = 32

// HandshakeFailure reports a named failure stage in the exchange, with an
// optional wrapped cause for errors.As/Is chains.
type HandshakeFailure struct {
	Reason string
	Err    error
}

func (e *HandshakeFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake: %s", e.Reason)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *HandshakeFailure) Unwrap() error { return e.Err }

var (
	// ErrOfferTruncated indicates a wire-encoded Offer was shorter than
	// its declared fields require.
	ErrOfferTruncated = errors.New("handshake: offer truncated")
	// ErrResponseTruncated indicates a wire-encoded Response was shorter
	// than its declared fields require.
	ErrResponseTruncated = errors.New("handshake: response truncated")
	// ErrLengthMismatch indicates a declared length prefix does not
	// match the remaining buffer.
	ErrLengthMismatch = errors.New("handshake: declared length mismatch")
)

// Offer is the initiator's first message: an ephemeral X25519 public key
// plus a fresh Kyber768 public key for the responder to encapsulate to.
type Offer struct {
	X25519Pub [x25519KeySize]byte
	KyberPub  []byte
}

// OfferPrivate holds the initiator's ephemeral secrets generated alongside
// an Offer. Zeroize must be called once the handshake completes or aborts.
type OfferPrivate struct {
	x25519Priv [x25519KeySize]byte
	kyberPriv  kem.PrivateKey

	// x25519Pub and kyberPub duplicate the Offer's public fields so
	// FinalizeOffer can rebuild the same transcript RespondToOffer bound
	// the secret to (spec §4.E step 3) without taking the Offer as a
	// second argument.
	x25519Pub [x25519KeySize]byte
	kyberPub  []byte
}

// Zeroize clears the X25519 scalar from memory. The Kyber private key is
// an opaque circl type with no exposed byte buffer to scrub directly; it
// is dropped for the garbage collector once OfferPrivate goes out of scope.
func (p *OfferPrivate) Zeroize() {
	for i := range p.x25519Priv {
		p.x25519Priv[i] = 0
	}
}

// Response is the responder's reply: its own ephemeral X25519 public key
// plus the Kyber768 ciphertext encapsulated to the initiator's public key.
type Response struct {
	X25519Pub [x25519KeySize]byte
	KyberCt   []byte
}

// SharedSecret holds the directional keys derived from a completed
// exchange. Zeroize must be called once the keys have been handed off to
// the session layer's AEAD cipher state.
type SharedSecret struct {
	InitiatorToResponder [sessionKeySize]byte
	ResponderToInitiator [sessionKeySize]byte
	EarlyData            [sessionKeySize]byte
}

// Zeroize clears all derived key material.
func (s *SharedSecret) Zeroize() {
	for i := range s.InitiatorToResponder {
		s.InitiatorToResponder[i] = 0
	}
	for i := range s.ResponderToInitiator {
		s.ResponderToInitiator[i] = 0
	}
	for i := range s.EarlyData {
		s.EarlyData[i] = 0
	}
}

// GenerateOffer creates a fresh ephemeral keypair for the initiator side
// of the exchange (spec §4.E step 1).
func GenerateOffer() (*Offer, *OfferPrivate, error) {
	var x25519Priv [x25519KeySize]byte
	if _, err := rand.Read(x25519Priv[:]); err != nil {
		return nil, nil, &HandshakeFailure{Reason: "generate x25519 scalar", Err: err}
	}
	x25519PubBytes, err := curve25519.X25519(x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, &HandshakeFailure{Reason: "derive x25519 public key", Err: err}
	}

	kyberPub, kyberPriv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, &HandshakeFailure{Reason: "generate kyber keypair", Err: err}
	}
	kyberPubBytes, err := kyberPub.MarshalBinary()
	if err != nil {
		return nil, nil, &HandshakeFailure{Reason: "marshal kyber public key", Err: err}
	}

	offer := &Offer{KyberPub: kyberPubBytes}
	copy(offer.X25519Pub[:], x25519PubBytes)

	priv := &OfferPrivate{kyberPriv: kyberPriv, kyberPub: kyberPubBytes}
	copy(priv.x25519Priv[:], x25519Priv[:])
	copy(priv.x25519Pub[:], x25519PubBytes)

	return offer, priv, nil
}

// isDegenerateKey reports whether b is all-zero or all-ones, the two
// byte patterns spec §4.E step 2 requires the responder to reject before
// encapsulating against an offered public key.
func isDegenerateKey(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	allZero, allOnes := true, true
	for _, c := range b {
		if c != 0x00 {
			allZero = false
		}
		if c != 0xff {
			allOnes = false
		}
	}
	return allZero || allOnes
}

// RespondToOffer completes the responder side: it generates its own
// ephemeral X25519 keypair, encapsulates to the initiator's Kyber public
// key, and derives the shared secret (spec §4.E step 2).
func RespondToOffer(offer *Offer) (*Response, *SharedSecret, error) {
	if isDegenerateKey(offer.X25519Pub[:]) {
		return nil, nil, &HandshakeFailure{Reason: "offered x25519 public key is all-zero or all-ones"}
	}
	if isDegenerateKey(offer.KyberPub) {
		return nil, nil, &HandshakeFailure{Reason: "offered kyber public key is all-zero or all-ones"}
	}

	var x25519Priv [x25519KeySize]byte
	if _, err := rand.Read(x25519Priv[:]); err != nil {
		return nil, nil, &HandshakeFailure{Reason: "generate x25519 scalar", Err: err}
	}
	x25519PubBytes, err := curve25519.X25519(x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, &HandshakeFailure{Reason: "derive x25519 public key", Err: err}
	}

	ecdhShared, err := curve25519.X25519(x25519Priv[:], offer.X25519Pub[:])
	if err != nil {
		return nil, nil, &HandshakeFailure{Reason: "compute ecdh shared secret", Err: err}
	}

	kyberPub, err := kemScheme.UnmarshalBinaryPublicKey(offer.KyberPub)
	if err != nil {
		return nil, nil, &HandshakeFailure{Reason: "unmarshal kyber public key", Err: err}
	}
	kyberCt, kemShared, err := kemScheme.Encapsulate(kyberPub)
	if err != nil {
		return nil, nil, &HandshakeFailure{Reason: "kyber encapsulate", Err: err}
	}

	resp := &Response{KyberCt: kyberCt}
	copy(resp.X25519Pub[:], x25519PubBytes)

	transcript := buildTranscript(offer.X25519Pub[:], offer.KyberPub, resp.X25519Pub[:], resp.KyberCt)
	secret := deriveSharedSecret(ecdhShared, kemShared, transcript)

	return resp, secret, nil
}

// FinalizeOffer completes the initiator side after receiving a Response:
// it decapsulates the Kyber ciphertext and computes the matching ECDH
// shared secret, deriving the same session keys as RespondToOffer
// (spec §4.E step 3, §8 property 4: round-trip consistency).
func FinalizeOffer(priv *OfferPrivate, resp *Response) (*SharedSecret, error) {
	if isDegenerateKey(resp.X25519Pub[:]) {
		return nil, &HandshakeFailure{Reason: "response x25519 public key is all-zero or all-ones"}
	}

	ecdhShared, err := curve25519.X25519(priv.x25519Priv[:], resp.X25519Pub[:])
	if err != nil {
		return nil, &HandshakeFailure{Reason: "compute ecdh shared secret", Err: err}
	}

	kemShared, err := kemScheme.Decapsulate(priv.kyberPriv, resp.KyberCt)
	if err != nil {
		return nil, &HandshakeFailure{Reason: "kyber decapsulate", Err: err}
	}

	transcript := buildTranscript(priv.x25519Pub[:], priv.kyberPub, resp.X25519Pub[:], resp.KyberCt)
	return deriveSharedSecret(ecdhShared, kemShared, transcript), nil
}

// buildTranscript concatenates both sides' public keys and the KEM
// ciphertext into the transcript spec §4.E step 3 requires the session
// secret to bind: "KDF(ss_pq ‖ ss_ec ‖ transcript) where transcript binds
// both public keys and the ciphertext". Both the initiator and the
// responder must assemble this from the same four fields, in the same
// order, to derive matching keys.
func buildTranscript(initiatorX25519Pub, initiatorKyberPub, responderX25519Pub, kyberCt []byte) []byte {
	t := make([]byte, 0, len(initiatorX25519Pub)+len(initiatorKyberPub)+len(responderX25519Pub)+len(kyberCt))
	t = append(t, initiatorX25519Pub...)
	t = append(t, initiatorKyberPub...)
	t = append(t, responderX25519Pub...)
	t = append(t, kyberCt...)
	return t
}

// deriveSharedSecret runs HKDF-SHA256 over the concatenated KEM and ECDH
// shared secrets plus the handshake transcript, then expands three
// domain-separated directional keys (spec §4.E step 3: "derive the
// session secret as KDF(ss_pq ‖ ss_ec ‖ transcript) where transcript
// binds both public keys and the ciphertext").
func deriveSharedSecret(ecdhShared, kemShared, transcript []byte) *SharedSecret {
	combined := make([]byte, 0, len(kemShared)+len(ecdhShared)+len(transcript))
	combined = append(combined, kemShared...)
	combined = append(combined, ecdhShared...)
	combined = append(combined, transcript...)

	secret := &SharedSecret{}
	expandInto(combined, labelInitiatorToResponder, secret.InitiatorToResponder[:])
	expandInto(combined, labelResponderToInitiator, secret.ResponderToInitiator[:])
	expandInto(combined, labelEarlyData, secret.EarlyData[:])

	for i := range combined {
		combined[i] = 0
	}

	return secret
}

func expandInto(secret []byte, label string, out []byte) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(label))
	if _, err := io.ReadFull(reader, out); err != nil {
		// hkdf.New with a valid hash and bounded output length cannot fail
		// at Read time; ReadFull only errors on short reads from a
		// misbehaving reader, which this stdlib-backed implementation is not.
		panic(fmt.Sprintf("handshake: hkdf expand for %q: %v", label, err))
	}
}

// EncodeOffer serializes an Offer into buf and returns the number of
// bytes written.
func EncodeOffer(offer *Offer, buf []byte) (int, error) {
	need := x25519KeySize + 2 + len(offer.KyberPub)
	if len(buf) < need {
		return 0, fmt.Errorf("handshake: buffer too small for offer (%d < %d)", len(buf), need)
	}
	copy(buf, offer.X25519Pub[:])
	binary.BigEndian.PutUint16(buf[x25519KeySize:], uint16(len(offer.KyberPub)))
	copy(buf[x25519KeySize+2:], offer.KyberPub)
	return need, nil
}

// DecodeOffer parses an Offer from buf.
func DecodeOffer(buf []byte) (*Offer, error) {
	if len(buf) < x25519KeySize+2 {
		return nil, ErrOfferTruncated
	}
	offer := &Offer{}
	copy(offer.X25519Pub[:], buf[:x25519KeySize])
	kyberLen := int(binary.BigEndian.Uint16(buf[x25519KeySize:]))
	rest := buf[x25519KeySize+2:]
	if len(rest) != kyberLen {
		return nil, ErrLengthMismatch
	}
	offer.KyberPub = append([]byte(nil), rest...)
	return offer, nil
}

// EncodeResponse serializes a Response into buf and returns the number of
// bytes written.
func EncodeResponse(resp *Response, buf []byte) (int, error) {
	need := x25519KeySize + 2 + len(resp.KyberCt)
	if len(buf) < need {
		return 0, fmt.Errorf("handshake: buffer too small for response (%d < %d)", len(buf), need)
	}
	copy(buf, resp.X25519Pub[:])
	binary.BigEndian.PutUint16(buf[x25519KeySize:], uint16(len(resp.KyberCt)))
	copy(buf[x25519KeySize+2:], resp.KyberCt)
	return need, nil
}

// DecodeResponse parses a Response from buf.
func DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) < x25519KeySize+2 {
		return nil, ErrResponseTruncated
	}
	resp := &Response{}
	copy(resp.X25519Pub[:], buf[:x25519KeySize])
	ctLen := int(binary.BigEndian.Uint16(buf[x25519KeySize:]))
	rest := buf[x25519KeySize+2:]
	if len(rest) != ctLen {
		return nil, ErrLengthMismatch
	}
	resp.KyberCt = append([]byte(nil), rest...)
	return resp, nil
}
