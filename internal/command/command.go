// Package command implements the Command object of spec §3/§4.B: one
// request/response unit owned by the dispatch pipeline from frame receipt
// through ack (or rebuild-silent disposal).
package command

import (
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/wire"
)

// Command is one request/response unit flowing through the receiver ->
// worker -> ack-sender pipeline (spec §3, §4.B).
type Command struct {
	Header  wire.Header
	Payload []byte // present iff Header.Opcode in {READ, WRITE, OPEN}

	// MetadataDesc is populated on READ when the caller requested
	// metadata, or when the volume isn't yet fully rebuilt (spec §4.C
	// step 2).
	MetadataDesc []wire.MetadataDesc

	// Volume holds a counted reference (spec §9 "back-pointers": command
	// holds a reference to its volume; the reverse only happens via the
	// FIFO complete_queue, which holds unique ownership while queued).
	Volume *volume.Info

	// connID is the origin data connection's id, used to reject stale
	// completions when that socket dies (spec §3).
	connID uint32

	// role is which of the volume's ack-sender slots (volume.RoleClient or
	// volume.RoleRebuildDonor) this command's reply is queued to.
	role string
}

// New allocates a Command bound to v, connID and role. The caller must have
// already called v.TakeRef(); Command does not take the ref itself, so
// that callers control exactly when the ref is acquired relative to
// dispatch (spec invariant 4: "incremented before a worker is handed a
// command").
func New(h wire.Header, payload []byte, v *volume.Info, connID uint32, role string) *Command {
	return &Command{
		Header:  h,
		Payload: payload,
		Volume:  v,
		connID:  connID,
		role:    role,
	}
}

// ConnID implements volume.QueueEntry.
func (c *Command) ConnID() uint32 { return c.connID }

// Role reports which ack-sender slot this command's reply belongs to.
func (c *Command) Role() string { return c.role }

// IsRebuildWrite reports whether this is a rebuild-flagged WRITE, which
// per spec §4.C rule 5 never receives an ack.
func (c *Command) IsRebuildWrite() bool {
	return c.Header.Opcode == wire.OpWrite && c.Header.Flags.Has(wire.FlagRebuild)
}

// WantsMetadata reports whether the caller explicitly requested metadata
// via the READ_METADATA flag.
func (c *Command) WantsMetadata() bool {
	return c.Header.Flags.Has(wire.FlagReadMetadata)
}
