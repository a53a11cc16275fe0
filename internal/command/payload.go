package command

import (
	"github.com/pkg/errors"

	"github.com/mittachaitu/zfs/internal/wire"
)

// WriteRecord is one {rw_header, data} pair parsed from a WRITE payload
// (spec §6).
type WriteRecord struct {
	IONum  uint64
	Offset uint64 // absolute volume offset of this record within the WRITE
	Data   []byte
}

// ParseWriteRecords decodes header.Len bytes of payload into the sequence
// of WriteRecords it encodes, per spec §6's write-payload format:
//
//	rw_header{io_num:8, len:8} followed by <len> data bytes, repeated
//	until payload is exhausted.
//
// baseOffset is the WRITE header's Offset field; each record's absolute
// offset accumulates across the sequence, matching how a single WRITE
// carries multiple contiguous sub-writes. Any framing error (short
// rw_header, or rw_header.Len exceeding the remaining payload) is
// reported, per spec: "a FAILED response."
func ParseWriteRecords(payload []byte, baseOffset uint64) ([]WriteRecord, error) {
	var records []WriteRecord
	var offset = baseOffset
	var remaining = payload

	for len(remaining) > 0 {
		var rw, err = wire.DecodeRWHeader(remaining)
		if err != nil {
			return nil, errors.WithMessage(err, "command: parsing write records")
		}
		remaining = remaining[16:]

		if rw.Len > uint64(len(remaining)) {
			return nil, errors.Errorf("command: rw_header.len %d exceeds remaining payload %d", rw.Len, len(remaining))
		}

		records = append(records, WriteRecord{
			IONum:  rw.IONum,
			Offset: offset,
			Data:   remaining[:rw.Len],
		})
		remaining = remaining[rw.Len:]
		offset += rw.Len
	}
	return records, nil
}

// EncodeMetadata serializes a sequence of MetadataDesc triples to their
// trailing wire form (spec §6: "a trailing array of {offset,len,io_num}
// triples").
func EncodeMetadata(descs []wire.MetadataDesc) []byte {
	var buf = make([]byte, 0, 24*len(descs))
	for _, d := range descs {
		buf = append(buf, d.Encode()...)
	}
	return buf
}
