package wire

import "testing"

func TestEncodeDecodeMRRoundTrip(t *testing.T) {
	t.Parallel()

	mr := MemoryRegion{RemoteAddr: 0x7f0000001000, RKey: 0xdeadbeef, Length: 4096}
	encoded := EncodeMR(mr)

	msg, err := Decode(encoded[:])
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Tag != TagMR {
		t.Fatalf("expected tag MR, got %v", msg.Tag)
	}
	if !msg.Payload.Equal(mr) {
		t.Fatalf("expected payload %+v, got %+v", mr, msg.Payload)
	}
}

func TestEncodeDecodeDoneRoundTrip(t *testing.T) {
	t.Parallel()

	encoded := EncodeDone()
	msg, err := Decode(encoded[:])
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Tag != TagDone {
		t.Fatalf("expected tag DONE, got %v", msg.Tag)
	}
}

func TestDecodeUnknownTagIsProtocolError(t *testing.T) {
	t.Parallel()

	var buf [WireSize]byte
	buf[3] = 0x07 // tag = 7, unsupported

	if _, err := Decode(buf[:]); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

func TestDecodeTooShort(t *testing.T) {
	t.Parallel()

	if _, err := Decode(make([]byte, WireSize-1)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestMemoryRegionEqual(t *testing.T) {
	t.Parallel()

	a := MemoryRegion{RemoteAddr: 1, RKey: 2, Length: 3}
	b := MemoryRegion{RemoteAddr: 1, RKey: 2, Length: 3}
	c := MemoryRegion{RemoteAddr: 1, RKey: 2, Length: 4}

	if !a.Equal(b) {
		t.Fatalf("expected a == b")
	}
	if a.Equal(c) {
		t.Fatalf("expected a != c")
	}
}
