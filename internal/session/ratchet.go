package session

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ratchetLabel domain-separates epoch-to-epoch key derivation from the
// handshake's own HKDF labels (spec §4.E/§4.F: derived keys must be domain
// separated; a rekey derives its new epoch's keys from the current ones
// rather than re-running the hybrid exchange).
const ratchetLabel = "overlay/session/rekey/v1"

// Fixed per-direction labels, mirroring handshake.go's
// labelInitiatorToResponder/labelResponderToInitiator: both endpoints must
// combine the two chain keys in the same canonical order and expand under
// the same fixed labels, or they derive different epoch keys even though
// they agree on the underlying secret material.
const (
	ratchetLabelInitiatorToResponder = ratchetLabel + "/initiator-to-responder"
	ratchetLabelResponderToInitiator = ratchetLabel + "/responder-to-initiator"
)

// DeriveNextEpochKeys ratchets the current per-direction chain keys forward
// to the next rekey epoch via HKDF-Expand, keyed by the target epoch number
// so every epoch's keys are distinct even under key reuse across many
// rekeys of a long-lived connection.
//
// initiatorToResponder and responderToInitiator MUST be given in that
// canonical direction order regardless of which endpoint is calling this
// function (an endpoint's local "send" key is the initiator-to-responder
// key on one side and the responder-to-initiator key on the other);
// callers are responsible for mapping their local send/recv keys into this
// canonical order and back, exactly as handshake.GenerateOffer's fixed
// direction labels let both sides of the handshake agree on wire bytes
// independent of who is "local".
func DeriveNextEpochKeys(initiatorToResponder, responderToInitiator [KeySize]byte, nextEpoch uint64) (newInitiatorToResponder, newResponderToInitiator [KeySize]byte) {
	combined := make([]byte, 0, 2*KeySize)
	combined = append(combined, initiatorToResponder[:]...)
	combined = append(combined, responderToInitiator[:]...)

	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], nextEpoch)

	expand(combined, ratchetLabelInitiatorToResponder, epochBytes[:], newInitiatorToResponder[:])
	expand(combined, ratchetLabelResponderToInitiator, epochBytes[:], newResponderToInitiator[:])

	for i := range combined {
		combined[i] = 0
	}
	return newInitiatorToResponder, newResponderToInitiator
}

func expand(secret []byte, label string, salt, out []byte) {
	reader := hkdf.New(sha256.New, secret, salt, []byte(label))
	if _, err := io.ReadFull(reader, out); err != nil {
		panic("session: hkdf expand for rekey ratchet: " + err.Error())
	}
}
