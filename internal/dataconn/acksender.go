package dataconn

import (
	"context"
	"io"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/mittachaitu/zfs/internal/command"
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/wire"
)

// RunAckSender implements spec §4.D's ack-sender loop: pop a completed
// command, write its reply, clear the in-flight marker, repeat until ctx
// is cancelled or a write fails. role selects which of the volume's
// ack-sender slots (volume.RoleClient or volume.RoleRebuildDonor) this
// loop drains; the donor scanner (internal/rebuild) reuses this same loop
// with volume.RoleRebuildDonor.
func RunAckSender(ctx context.Context, v *volume.Info, role string, socket net.Conn, logger *log.Entry) {
	for {
		var entry, ok = v.DequeueOrWait(ctx, role)
		if !ok {
			return
		}
		var cmd, isCmd = entry.(*command.Command)
		if !isCmd {
			v.ClearZioCmdInAck(role)
			continue
		}

		if err := WriteReply(socket, cmd); err != nil {
			logger.WithError(err).Info("ack-sender write failed; connection is being torn down")
			v.ClearZioCmdInAck(role)
			return
		}
		v.ClearZioCmdInAck(role)
	}
}

// WriteReply writes cmd's reply: header, then (for an OK READ) the data
// payload, then (if metadata was collected) the metadata trailer (spec
// §4.D step 3, §6).
func WriteReply(w io.Writer, cmd *command.Command) error {
	if err := wire.WriteHeader(w, cmd.Header); err != nil {
		return err
	}
	if cmd.Header.Opcode == wire.OpRead && cmd.Header.Status == wire.StatusOK {
		if err := wire.WriteExact(w, cmd.Payload); err != nil {
			return err
		}
	}
	if len(cmd.MetadataDesc) > 0 {
		if err := wire.WriteExact(w, command.EncodeMetadata(cmd.MetadataDesc)); err != nil {
			return err
		}
	}
	return nil
}
