package dataplane

import (
	"encoding/binary"
	"errors"
)

// sealedHeaderSize is the epoch(8) + counter(8) prefix placed before an
// Application packet's AEAD ciphertext, so the receiver knows which epoch
// and nonce counter to reconstruct before calling session.Crypto.Open
// (spec §4.F: the wire carries enough to rebuild the nonce without a
// round trip).
const sealedHeaderSize = 16

// ErrSealedPayloadTruncated indicates an Application packet's payload is
// too short to contain the epoch/counter prefix.
var ErrSealedPayloadTruncated = errors.New("dataplane: sealed payload truncated")

// encodeSealedPayload prepends the epoch and counter to ciphertext.
func encodeSealedPayload(epoch, counter uint64, ciphertext []byte) []byte {
	out := make([]byte, sealedHeaderSize+len(ciphertext))
	binary.BigEndian.PutUint64(out[0:8], epoch)
	binary.BigEndian.PutUint64(out[8:16], counter)
	copy(out[sealedHeaderSize:], ciphertext)
	return out
}

// decodeSealedPayload splits an Application packet's payload back into its
// epoch, counter, and ciphertext.
func decodeSealedPayload(buf []byte) (epoch, counter uint64, ciphertext []byte, err error) {
	if len(buf) < sealedHeaderSize {
		return 0, 0, nil, ErrSealedPayloadTruncated
	}
	epoch = binary.BigEndian.Uint64(buf[0:8])
	counter = binary.BigEndian.Uint64(buf[8:16])
	ciphertext = buf[sealedHeaderSize:]
	return epoch, counter, ciphertext, nil
}
