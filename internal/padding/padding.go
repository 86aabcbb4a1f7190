// Package padding implements fixed-size frame padding and the cover
// traffic pattern generators used to resist traffic analysis (spec §4.G).
package padding

import (
	"errors"

	"github.com/overlaynet/overlay-core/internal/wire"
)

// TargetSize is the size every padded payload is expanded (or validated)
// to before encryption (spec §4.G: default 1264, matching
// wire.MaxPayloadSize so a padded frame fills exactly one packet).
const TargetSize = wire.MaxPayloadSize

// marker is the single non-zero byte placed immediately after the
// original payload; everything after it out to TargetSize is zero. Strip
// recovers the payload by scanning backward for the last non-zero byte,
// so the scheme is correct regardless of how many trailing zero bytes the
// original payload itself contained.
const marker byte = 0x01

// ErrPayloadTooLarge indicates the payload cannot fit within TargetSize
// once the marker byte is accounted for.
var ErrPayloadTooLarge = errors.New("padding: payload too large to pad")

// ErrInvalidPadding indicates a padded buffer has the wrong size or no
// marker byte, so it cannot be a product of Pad.
var ErrInvalidPadding = errors.New("padding: malformed padded buffer")

// Pad expands payload to exactly TargetSize bytes by appending a marker
// byte followed by zero padding (spec §4.G: "pad to target size").
func Pad(payload []byte) ([]byte, error) {
	if len(payload) > TargetSize-1 {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, TargetSize)
	copy(out, payload)
	out[len(payload)] = marker
	return out, nil
}

// Strip recovers the original payload from a TargetSize buffer produced
// by Pad (spec §8 property 6: strip(pad(p)) == p for |p| <= TargetSize-1).
func Strip(padded []byte) ([]byte, error) {
	if len(padded) != TargetSize {
		return nil, ErrInvalidPadding
	}
	for i := len(padded) - 1; i >= 0; i-- {
		if padded[i] != 0 {
			if padded[i] != marker {
				return nil, ErrInvalidPadding
			}
			out := make([]byte, i)
			copy(out, padded[:i])
			return out, nil
		}
	}
	return nil, ErrInvalidPadding
}
