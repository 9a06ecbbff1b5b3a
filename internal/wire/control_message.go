// Package wire implements the fixed-width binary encoding of the RDMA
// control messages exchanged over a connection's send/recv rings, per
// spec.md §6.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Tag identifies the kind of ControlMessage on the wire.
type Tag uint32

const (
	// TagMR carries a MemoryRegion descriptor, sent exactly once H->C
	// immediately after ESTABLISHED.
	TagMR Tag = 0
	// TagDone is reserved for graceful teardown. It is encoded/decoded but
	// nothing in this system currently sends it: disconnection events alone
	// drive teardown, per spec.md §9 Open Question 3.
	TagDone Tag = 1
)

func (t Tag) String() string {
	switch t {
	case TagMR:
		return "MR"
	case TagDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// MemoryRegion is the remote-read descriptor advertised by H for its
// shared-memory page.
type MemoryRegion struct {
	RemoteAddr uint64
	RKey       uint32
	Length     uint32
}

// WireSize is the fixed, padded size of an encoded ControlMessage: a 4-byte
// tag plus a 16-byte payload (MemoryRegion, or zero-filled for DONE). Fixed
// width keeps the recv buffer a single pre-registered MR, matching spec.md
// §4.3's "registers control send/recv buffers" sizing.
const WireSize = 4 + 16

// ControlMessage is the decoded form of a wire message.
type ControlMessage struct {
	Tag     Tag
	Payload MemoryRegion // valid only when Tag == TagMR
}

// EncodeMR builds the fixed-width wire encoding of an MR advertisement.
func EncodeMR(mr MemoryRegion) [WireSize]byte {
	var buf [WireSize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(TagMR))
	binary.BigEndian.PutUint64(buf[4:12], mr.RemoteAddr)
	binary.BigEndian.PutUint32(buf[12:16], mr.RKey)
	binary.BigEndian.PutUint32(buf[16:20], mr.Length)
	return buf
}

// EncodeDone builds the fixed-width wire encoding of a DONE message.
// Reserved per spec.md §9; no caller currently invokes this in the
// disconnection-driven teardown path, but the codec supports it so a
// future graceful-teardown path has a working wire format to target.
func EncodeDone() [WireSize]byte {
	var buf [WireSize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(TagDone))
	return buf
}

// Decode parses a fixed-width wire buffer into a ControlMessage. It returns
// an error for any tag other than TagMR/TagDone, which spec.md §7
// classifies as a control-message protocol error fatal to the connection.
func Decode(buf []byte) (ControlMessage, error) {
	if len(buf) < WireSize {
		return ControlMessage{}, fmt.Errorf("control message too short: got %d bytes, want %d", len(buf), WireSize)
	}

	tag := Tag(binary.BigEndian.Uint32(buf[0:4]))
	switch tag {
	case TagMR:
		return ControlMessage{
			Tag: TagMR,
			Payload: MemoryRegion{
				RemoteAddr: binary.BigEndian.Uint64(buf[4:12]),
				RKey:       binary.BigEndian.Uint32(buf[12:16]),
				Length:     binary.BigEndian.Uint32(buf[16:20]),
			},
		}, nil
	case TagDone:
		return ControlMessage{Tag: TagDone}, nil
	default:
		return ControlMessage{}, fmt.Errorf("unexpected control message tag %d for current state", uint32(tag))
	}
}

// Equal reports whether two MemoryRegion descriptors are byte-identical,
// used by round-trip tests per spec.md §8 property 7.
func (m MemoryRegion) Equal(other MemoryRegion) bool {
	a := EncodeMR(m)
	b := EncodeMR(other)
	return bytes.Equal(a[:], b[:])
}
