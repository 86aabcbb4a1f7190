package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mkCID(b byte) ConnectionId {
	var c ConnectionId
	for i := range c {
		c[i] = b
	}
	return c
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []Packet{
		{CID: mkCID(0x01), Type: TypeInitial, Flags: 0, PathId: 1, Payload: nil},
		{CID: mkCID(0xab), Type: TypeApplication, Flags: 0x2a, PathId: 240, Payload: []byte("hello")},
		{CID: mkCID(0xff), Type: TypeHandshake, Flags: 0x3f, PathId: 239, Payload: bytes.Repeat([]byte{0x7}, MaxPayloadSize)},
	}

	for _, pkt := range cases {
		buf := make([]byte, MaxPacketSize)
		n, err := Encode(&pkt, buf)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := Decode(buf[:n])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.CID != pkt.CID || got.Type != pkt.Type || got.Flags != pkt.Flags || got.PathId != pkt.PathId {
			t.Fatalf("header mismatch: got %+v want %+v", got, pkt)
		}
		if diff := cmp.Diff(pkt.Payload, got.Payload); diff != "" {
			if len(pkt.Payload) != 0 || len(got.Payload) != 0 {
				t.Fatalf("payload mismatch (-want +got):\n%s", diff)
			}
		}
	}
}

func TestDecodeRejectsUnderLength(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrUnderLength) {
		t.Fatalf("got %v, want ErrUnderLength", err)
	}
}

func TestDecodeRejectsOverLength(t *testing.T) {
	_, err := Decode(make([]byte, MaxPacketSize+1))
	if !errors.Is(err, ErrOverLength) {
		t.Fatalf("got %v, want ErrOverLength", err)
	}
}

func TestDecodeAcceptsAllDefinedTypes(t *testing.T) {
	// The type field is 2 bits, so all four wire values (0-3) are defined
	// types; ErrUnknownType guards future expansion of the field rather
	// than a reachable value today.
	for _, typ := range []Type{TypeInitial, TypeRetry, TypeHandshake, TypeApplication} {
		buf := make([]byte, HeaderSize)
		pkt := Packet{Type: typ}
		if _, err := Encode(&pkt, buf); err != nil {
			t.Fatalf("Encode(%v): %v", typ, err)
		}
		if _, err := Decode(buf); err != nil {
			t.Fatalf("Decode(%v): %v", typ, err)
		}
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := make([]byte, HeaderSize+4)
	pkt := Packet{Type: TypeApplication, Payload: []byte{1, 2, 3, 4}}
	n, err := Encode(&pkt, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the declared length to not match the remaining bytes.
	buf[CIDSize+2] = 0
	buf[CIDSize+3] = 9
	if _, err := Decode(buf[:n]); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}
}

func TestDecodeRejectsOversizePayloadDeclaration(t *testing.T) {
	buf := make([]byte, MaxPacketSize+HeaderSize) // oversized buffer so decode sees declared > MaxPayloadSize
	buf[CIDSize+2] = 0xff
	buf[CIDSize+3] = 0xff
	_, err := Decode(buf[:MaxPacketSize])
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestEncodeRejectsBufTooSmall(t *testing.T) {
	pkt := Packet{Payload: []byte("hello")}
	_, err := Encode(&pkt, make([]byte, HeaderSize))
	if !errors.Is(err, ErrBufTooSmall) {
		t.Fatalf("got %v, want ErrBufTooSmall", err)
	}
}

func TestBufferPoolRoundtrip(t *testing.T) {
	bufp := GetBuffer()
	defer PutBuffer(bufp)
	if len(*bufp) != MaxPacketSize {
		t.Fatalf("pooled buffer size = %d, want %d", len(*bufp), MaxPacketSize)
	}
}

func TestConnectionIdString(t *testing.T) {
	cid := mkCID(0xab)
	s := cid.String()
	if len(s) != CIDSize*2 {
		t.Fatalf("String() length = %d, want %d", len(s), CIDSize*2)
	}
}
