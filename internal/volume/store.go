package volume

import "context"

// StoreHandle is an opaque reference into the external block-store engine
// (spec §1, §3: "store_handle: opaque reference into the external block
// store"). Its concrete type is owned by the VolumeStore implementation.
type StoreHandle interface{}

// DiffBlock describes one block the donor's store reports as modified
// since a given io-number, yielded by Store.GetIODiff (spec §4.E).
type DiffBlock struct {
	Offset uint64
	Len    uint64
	IONum  uint64
}

// Store is the external on-disk block-store engine collaborator (spec §1:
// "out of scope... the on-disk block-store engine providing read, write,
// flush, get_io_diff, store_last_committed_io, and metadata accessors").
// Apart from the in-memory internal/devstore stand-in that lets
// cmd/replica-engine run, this module does not implement Store; the core
// only depends on this interface.
type Store interface {
	// Read reads len bytes at offset from handle into buf. If
	// wantMetadata is true, the implementation additionally returns the
	// io-number provenance of the bytes read (spec §4.C step 2).
	Read(ctx context.Context, handle StoreHandle, buf []byte, offset, length uint64, wantMetadata bool) (metadata []MetadataRecord, err error)

	// Write writes data at offset under io-number ioNum. isRebuild marks
	// a rebuild-sourced write for any store-side bookkeeping that cares
	// (spec §4.C step 3).
	Write(ctx context.Context, handle StoreHandle, data []byte, offset uint64, ioNum uint64, isRebuild bool) error

	// Flush durably persists all writes accepted so far (spec §4.C SYNC).
	Flush(ctx context.Context, handle StoreHandle) error

	// GetIODiff enumerates, in ascending offset order, every block of
	// handle modified since sinceIONum within [offset, offset+length),
	// invoking cb once per block. The donor uses this to source rebuild
	// READ replies (spec §4.E, §6).
	GetIODiff(ctx context.Context, handle StoreHandle, sinceIONum, offset, length uint64, cb func(DiffBlock) error) error

	// StoreLastCommittedIO durably records that everything up to ioNum
	// has been persisted (spec §4.F, invoked by the checkpoint timer).
	StoreLastCommittedIO(ctx context.Context, handle StoreHandle, ioNum uint64) error

	// Size returns the volume's total addressable size in bytes, used by
	// the rebuild recipient's step loop (spec §4.E).
	Size(ctx context.Context, handle StoreHandle) (uint64, error)
}

// MetadataRecord mirrors wire.MetadataDesc without importing the wire
// package from volume, keeping the data-model leaf free of codec
// concerns. worker.go converts between the two at the dispatch boundary.
type MetadataRecord struct {
	Offset uint64
	Len    uint64
	IONum  uint64
}
