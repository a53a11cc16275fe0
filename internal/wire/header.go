// Package wire implements the fixed-layout binary header and framing rules
// of the replica data-plane protocol (spec §4.A, §6).
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ReplicaVersion is the wire version this build speaks. A peer presenting
// any other version is rejected before any further bytes are consumed.
const ReplicaVersion uint16 = 1

// Opcode identifies the operation carried by a Header.
type Opcode uint8

const (
	OpHandshake Opcode = iota
	OpRead
	OpWrite
	OpSync
	OpRebuildStep
	OpRebuildStepDone
	OpRebuildComplete
	OpOpen
)

func (o Opcode) String() string {
	switch o {
	case OpHandshake:
		return "HANDSHAKE"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpSync:
		return "SYNC"
	case OpRebuildStep:
		return "REBUILD_STEP"
	case OpRebuildStepDone:
		return "REBUILD_STEP_DONE"
	case OpRebuildComplete:
		return "REBUILD_COMPLETE"
	case OpOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Flags is a bitset carried in Header.Flags.
type Flags uint8

const (
	FlagRebuild      Flags = 1 << 0
	FlagReadMetadata Flags = 1 << 1
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Status is set on replies only.
type Status uint8

const (
	StatusOK Status = iota
	StatusFailed
)

// headerWireLen is the fixed on-wire length of a Header, not counting the
// leading 2-byte version which is read separately by ReadHeader.
//
//	opcode(1) + flags(1) + status(1) + pad(1) + io_seq(8) + offset(8) + len(8) + checkpointed_io_seq(8)
const headerWireLen = 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8

// Header is the fixed-layout frame header described in spec §6. It precedes
// every frame on the wire, request or reply.
type Header struct {
	Opcode Opcode
	Flags  Flags
	Status Status
	IOSeq  uint64
	Offset uint64
	Len    uint64

	// CheckpointedIOSeq carries the recipient's last-known-durable io_num on
	// a REBUILD_STEP request. On a READ reply bearing FlagRebuild it is
	// reused to carry the byte length of the metadata trailer that follows
	// the payload, so a rebuild-recipient reading a raw READ reply off the
	// wire knows how many metadata bytes to consume before the next frame.
	CheckpointedIOSeq uint64
}

// Encode serializes h into its wire representation, version included.
func (h Header) Encode() []byte {
	var buf = make([]byte, 2+headerWireLen)
	binary.LittleEndian.PutUint16(buf[0:2], ReplicaVersion)
	buf[2] = byte(h.Opcode)
	buf[3] = byte(h.Flags)
	buf[4] = byte(h.Status)
	buf[5] = 0 // pad
	binary.LittleEndian.PutUint64(buf[6:14], h.IOSeq)
	binary.LittleEndian.PutUint64(buf[14:22], h.Offset)
	binary.LittleEndian.PutUint64(buf[22:30], h.Len)
	binary.LittleEndian.PutUint64(buf[30:38], h.CheckpointedIOSeq)
	return buf
}

// decodeBody fills h from the header bytes that follow the version prefix.
// body must be exactly headerWireLen bytes.
func decodeBody(h *Header, body []byte) error {
	if len(body) != headerWireLen {
		return errors.Errorf("wire: short header body (%d bytes, want %d)", len(body), headerWireLen)
	}
	h.Opcode = Opcode(body[0])
	h.Flags = Flags(body[1])
	h.Status = Status(body[2])
	h.IOSeq = binary.LittleEndian.Uint64(body[4:12])
	h.Offset = binary.LittleEndian.Uint64(body[12:20])
	h.Len = binary.LittleEndian.Uint64(body[20:28])
	h.CheckpointedIOSeq = binary.LittleEndian.Uint64(body[28:36])
	return nil
}

// RWHeader is the per-record header inside a WRITE payload (spec §6).
type RWHeader struct {
	IONum uint64
	Len   uint64
}

const rwHeaderWireLen = 8 + 8

// Encode serializes rw to its 16-byte wire form.
func (rw RWHeader) Encode() []byte {
	var buf = make([]byte, rwHeaderWireLen)
	binary.LittleEndian.PutUint64(buf[0:8], rw.IONum)
	binary.LittleEndian.PutUint64(buf[8:16], rw.Len)
	return buf
}

// DecodeRWHeader parses the next record header from buf, returning an error
// if fewer than rwHeaderWireLen bytes remain.
func DecodeRWHeader(buf []byte) (RWHeader, error) {
	if len(buf) < rwHeaderWireLen {
		return RWHeader{}, errors.Errorf("wire: truncated rw_header (%d bytes)", len(buf))
	}
	return RWHeader{
		IONum: binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// MetadataDesc is one {offset,len,io_num} triple trailing a READ reply when
// metadata was requested (spec §3, §6).
type MetadataDesc struct {
	Offset uint64
	Len    uint64
	IONum  uint64
}

// MetadataDescWireLen is the fixed on-wire size of one MetadataDesc.
const MetadataDescWireLen = 8 + 8 + 8

// Encode serializes m to its 24-byte wire form.
func (m MetadataDesc) Encode() []byte {
	var buf = make([]byte, MetadataDescWireLen)
	binary.LittleEndian.PutUint64(buf[0:8], m.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], m.Len)
	binary.LittleEndian.PutUint64(buf[16:24], m.IONum)
	return buf
}

// DecodeMetadataDescs parses buf (whose length must be a multiple of
// MetadataDescWireLen) into a slice of MetadataDesc, used by a
// rebuild-recipient reconstructing per-block io_nums from a donor's READ
// reply trailer.
func DecodeMetadataDescs(buf []byte) ([]MetadataDesc, error) {
	if len(buf)%MetadataDescWireLen != 0 {
		return nil, errors.Errorf("wire: metadata trailer length %d not a multiple of %d", len(buf), MetadataDescWireLen)
	}
	var out = make([]MetadataDesc, len(buf)/MetadataDescWireLen)
	for i := range out {
		var b = buf[i*MetadataDescWireLen:]
		out[i] = MetadataDesc{
			Offset: binary.LittleEndian.Uint64(b[0:8]),
			Len:    binary.LittleEndian.Uint64(b[8:16]),
			IONum:  binary.LittleEndian.Uint64(b[16:24]),
		}
	}
	return out, nil
}
