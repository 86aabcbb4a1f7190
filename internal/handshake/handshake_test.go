package handshake

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTripDerivesMatchingKeys(t *testing.T) {
	// Spec §8 property 4: initiator and responder must derive identical
	// directional keys from a completed exchange.
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	resp, responderSecret, err := RespondToOffer(offer)
	if err != nil {
		t.Fatalf("RespondToOffer: %v", err)
	}
	defer responderSecret.Zeroize()

	initiatorSecret, err := FinalizeOffer(priv, resp)
	if err != nil {
		t.Fatalf("FinalizeOffer: %v", err)
	}
	defer initiatorSecret.Zeroize()

	if initiatorSecret.InitiatorToResponder != responderSecret.InitiatorToResponder {
		t.Fatal("initiator-to-responder keys diverge")
	}
	if initiatorSecret.ResponderToInitiator != responderSecret.ResponderToInitiator {
		t.Fatal("responder-to-initiator keys diverge")
	}
	if initiatorSecret.EarlyData != responderSecret.EarlyData {
		t.Fatal("early-data keys diverge")
	}
}

func TestHandshakeDirectionalKeysDiffer(t *testing.T) {
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	_, secret, err := RespondToOffer(offer)
	if err != nil {
		t.Fatalf("RespondToOffer: %v", err)
	}
	defer secret.Zeroize()

	if secret.InitiatorToResponder == secret.ResponderToInitiator {
		t.Fatal("directional keys must be domain separated, got identical keys")
	}
}

func TestHandshakeWireRoundTrip(t *testing.T) {
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	buf := make([]byte, 4096)
	n, err := EncodeOffer(offer, buf)
	if err != nil {
		t.Fatalf("EncodeOffer: %v", err)
	}
	decoded, err := DecodeOffer(buf[:n])
	if err != nil {
		t.Fatalf("DecodeOffer: %v", err)
	}
	if decoded.X25519Pub != offer.X25519Pub {
		t.Fatal("x25519 public key mismatch after offer round trip")
	}
	if !bytes.Equal(decoded.KyberPub, offer.KyberPub) {
		t.Fatal("kyber public key mismatch after offer round trip")
	}

	resp, secret, err := RespondToOffer(decoded)
	if err != nil {
		t.Fatalf("RespondToOffer: %v", err)
	}
	defer secret.Zeroize()

	rn, err := EncodeResponse(resp, buf)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	decodedResp, err := DecodeResponse(buf[:rn])
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decodedResp.X25519Pub != resp.X25519Pub {
		t.Fatal("x25519 public key mismatch after response round trip")
	}
	if !bytes.Equal(decodedResp.KyberCt, resp.KyberCt) {
		t.Fatal("kyber ciphertext mismatch after response round trip")
	}

	finalSecret, err := FinalizeOffer(priv, decodedResp)
	if err != nil {
		t.Fatalf("FinalizeOffer: %v", err)
	}
	defer finalSecret.Zeroize()

	if finalSecret.InitiatorToResponder != secret.InitiatorToResponder {
		t.Fatal("wire round trip broke key agreement")
	}
}

func TestDecodeOfferRejectsTruncated(t *testing.T) {
	if _, err := DecodeOffer(make([]byte, 10)); err != ErrOfferTruncated {
		t.Fatalf("got %v, want ErrOfferTruncated", err)
	}
}

func TestDecodeOfferRejectsLengthMismatch(t *testing.T) {
	buf := make([]byte, x25519KeySize+2+5)
	buf[x25519KeySize] = 0
	buf[x25519KeySize+1] = 10 // declares 10 bytes, only 5 present
	if _, err := DecodeOffer(buf); err != ErrLengthMismatch {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}
}

func TestEncodeOfferRejectsUndersizedBuffer(t *testing.T) {
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	if _, err := EncodeOffer(offer, make([]byte, 4)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestRespondToOfferRejectsAllZeroX25519Key(t *testing.T) {
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	for i := range offer.X25519Pub {
		offer.X25519Pub[i] = 0
	}
	if _, _, err := RespondToOffer(offer); err == nil {
		t.Fatal("expected rejection of an all-zero x25519 public key")
	}
}

func TestRespondToOfferRejectsAllOnesX25519Key(t *testing.T) {
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	for i := range offer.X25519Pub {
		offer.X25519Pub[i] = 0xff
	}
	if _, _, err := RespondToOffer(offer); err == nil {
		t.Fatal("expected rejection of an all-ones x25519 public key")
	}
}

func TestRespondToOfferRejectsDegenerateKyberKey(t *testing.T) {
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	for i := range offer.KyberPub {
		offer.KyberPub[i] = 0
	}
	if _, _, err := RespondToOffer(offer); err == nil {
		t.Fatal("expected rejection of an all-zero kyber public key")
	}
}

func TestHandshakeSecretChangesWithTranscript(t *testing.T) {
	// Spec §4.E step 3: the derived secret must bind the transcript, so
	// swapping in a different (but still valid) response must change the
	// derived keys even though both responses originate from the same
	// offer.
	offer, priv, err := GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	defer priv.Zeroize()

	resp1, secret1, err := RespondToOffer(offer)
	if err != nil {
		t.Fatalf("RespondToOffer (1): %v", err)
	}
	defer secret1.Zeroize()

	resp2, secret2, err := RespondToOffer(offer)
	if err != nil {
		t.Fatalf("RespondToOffer (2): %v", err)
	}
	defer secret2.Zeroize()

	if bytes.Equal(resp1.KyberCt, resp2.KyberCt) {
		t.Fatal("expected two independent responses to differ in ciphertext")
	}

	final1, err := FinalizeOffer(priv, resp1)
	if err != nil {
		t.Fatalf("FinalizeOffer (1): %v", err)
	}
	defer final1.Zeroize()

	if final1.InitiatorToResponder != secret1.InitiatorToResponder {
		t.Fatal("initiator must match the responder it actually handshook with")
	}
	if final1.InitiatorToResponder == secret2.InitiatorToResponder {
		t.Fatal("secret must be bound to its own transcript, not reusable across responses")
	}
}

func TestHandshakeFailureUnwraps(t *testing.T) {
	cause := ErrLengthMismatch
	failure := &HandshakeFailure{Reason: "test", Err: cause}
	if failure.Unwrap() != cause {
		t.Fatal("Unwrap should return the wrapped cause")
	}
}
