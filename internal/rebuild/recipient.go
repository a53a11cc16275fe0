// Package rebuild implements the two-sided rebuild engine of spec §4.E: a
// recipient that pulls missing blocks from a donor step by step, and a
// donor-side scanner that answers those steps by diffing its own store.
package rebuild

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mittachaitu/zfs/internal/command"
	"github.com/mittachaitu/zfs/internal/metrics"
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/wire"
	"github.com/mittachaitu/zfs/internal/worker"
)

// DefaultStepSize is the recipient's step window when RecipientConfig.StepSize
// is left zero (spec §4.E).
const DefaultStepSize uint64 = 10 << 30 // 10GiB

// Waker lets a finished rebuild nudge the checkpoint timer without the
// rebuild package depending on the concrete checkpoint.Service (spec
// §4.E: "wake the checkpoint timer; interval 0 means no change, just
// wake").
type Waker interface {
	WakeNow()
}

// RecipientConfig parameterizes one rebuild-recipient task: one volume being
// rebuilt from one donor.
type RecipientConfig struct {
	Volume    *volume.Info
	DonorAddr string
	StepSize  uint64
	Store     volume.Store // used only to read the volume's total size
	Worker    *worker.Worker
	Waker     Waker            // optional; nil is a valid no-op
	Metrics   metrics.Recorder // optional; defaults to metrics.Noop{}

	// Dial defaults to net.Dial; overridable so tests can run over
	// net.Pipe().
	Dial func(network, address string) (net.Conn, error)
}

// Run drives cfg.Volume's rebuild against one donor to completion or
// failure (spec §4.E recipient side). The caller must already hold the
// volume's long-lived rebuild-recipient refcount (spec §5); Run drops it
// exactly once before returning, on every exit path.
func Run(ctx context.Context, cfg RecipientConfig) error {
	defer cfg.Volume.DropRef()

	var dial = cfg.Dial
	if dial == nil {
		dial = net.Dial
	}
	var stepSize = cfg.StepSize
	if stepSize == 0 {
		stepSize = DefaultStepSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}

	var logger = log.WithFields(log.Fields{"volume": cfg.Volume.Name, "donor": cfg.DonorAddr})

	var conn, dialErr = dial("tcp", cfg.DonorAddr)
	if dialErr != nil {
		return fail(cfg.Volume, cfg.Metrics, errors.WithMessage(dialErr, "dialing donor"))
	}
	defer conn.Close()
	if err := setLinger(conn); err != nil {
		logger.WithError(err).Debug("SO_LINGER not supported on this connection type")
	}

	if err := sendHandshake(conn, cfg.Volume.Name); err != nil {
		return fail(cfg.Volume, cfg.Metrics, err)
	}

	var total, sizeErr = cfg.Store.Size(ctx, cfg.Volume.StoreHandle)
	if sizeErr != nil {
		return fail(cfg.Volume, cfg.Metrics, errors.WithMessage(sizeErr, "sizing volume"))
	}

	var checkpointed = cfg.Volume.CheckpointedIONum()
	var offset uint64
	for offset < total {
		if cfg.Volume.RebuildStatus() == volume.RebuildErrored {
			return fail(cfg.Volume, cfg.Metrics, errors.New("rebuild aborted: another donor already failed"))
		}

		var length = stepSize
		if remaining := total - offset; remaining < length {
			length = remaining
		}

		var req = wire.Header{
			Opcode:            wire.OpRebuildStep,
			Flags:             wire.FlagRebuild,
			Offset:            offset,
			Len:               length,
			CheckpointedIOSeq: checkpointed,
		}
		if err := wire.WriteHeader(conn, req); err != nil {
			return fail(cfg.Volume, cfg.Metrics, errors.WithMessage(err, "writing REBUILD_STEP"))
		}
		if err := consumeStep(ctx, conn, cfg, offset); err != nil {
			return fail(cfg.Volume, cfg.Metrics, err)
		}
		offset += length
	}

	if err := wire.WriteHeader(conn, wire.Header{Opcode: wire.OpRebuildComplete, Flags: wire.FlagRebuild}); err != nil {
		return fail(cfg.Volume, cfg.Metrics, errors.WithMessage(err, "writing REBUILD_COMPLETE"))
	}

	var terminal, final = cfg.Volume.RecordRebuildOutcome(false)
	if terminal {
		logger.WithField("status", final).Info("rebuild finished")
		cfg.Metrics.ObserveRebuildOutcome(cfg.Volume.Name, final == volume.RebuildFailed)
		var cnt, done, failedCnt = cfg.Volume.RebuildCounts()
		cfg.Metrics.SetRebuildGauges(cfg.Volume.Name, cnt, done, failedCnt)
		if final == volume.RebuildDone && cfg.Waker != nil {
			cfg.Waker.WakeNow()
		}
	}
	return nil
}

func fail(v *volume.Info, rec metrics.Recorder, err error) error {
	var terminal, final = v.RecordRebuildOutcome(true)
	if terminal {
		rec.ObserveRebuildOutcome(v.Name, final == volume.RebuildFailed)
		var cnt, done, failedCnt = v.RebuildCounts()
		rec.SetRebuildGauges(v.Name, cnt, done, failedCnt)
	}
	return err
}

func sendHandshake(conn net.Conn, volumeName string) error {
	var h = wire.Header{Opcode: wire.OpHandshake, Len: uint64(len(volumeName))}
	if err := wire.WriteHeader(conn, h); err != nil {
		return errors.WithMessage(err, "writing rebuild handshake")
	}
	if err := wire.WriteExact(conn, []byte(volumeName)); err != nil {
		return errors.WithMessage(err, "writing rebuild handshake payload")
	}
	return nil
}

// consumeStep reads the donor's replies for one REBUILD_STEP until
// REBUILD_STEP_DONE, applying every READ reply as a local rebuild-flagged
// write (spec §4.E: "recipient rewrites the reply as a local WRITE").
func consumeStep(ctx context.Context, conn net.Conn, cfg RecipientConfig, stepOffset uint64) error {
	for {
		var h, err = wire.ReadHeader(conn)
		if err != nil {
			return errors.WithMessage(err, "reading donor reply")
		}
		if h.Status == wire.StatusFailed {
			return errors.Errorf("donor reported failure for step at offset %d", stepOffset)
		}
		switch h.Opcode {
		case wire.OpRebuildStepDone:
			return nil
		case wire.OpRead:
			if err := applyBlock(ctx, conn, cfg, h); err != nil {
				return err
			}
		default:
			return errors.Errorf("unexpected opcode %s from donor during rebuild step", h.Opcode)
		}
	}
}

// applyBlock reads one READ reply's payload (and, if present, its metadata
// trailer) and replays it as a local rebuild WRITE, preserving each
// original block's io_num (spec §4.E, §6's reserved-field convention
// documented on wire.Header.CheckpointedIOSeq).
func applyBlock(ctx context.Context, conn net.Conn, cfg RecipientConfig, h wire.Header) error {
	var payload = make([]byte, h.Len)
	if err := wire.ReadExact(conn, payload); err != nil {
		return errors.WithMessage(err, "reading rebuild block payload")
	}

	var descs []wire.MetadataDesc
	if h.CheckpointedIOSeq > 0 {
		var mdBuf = make([]byte, h.CheckpointedIOSeq)
		if err := wire.ReadExact(conn, mdBuf); err != nil {
			return errors.WithMessage(err, "reading rebuild block metadata")
		}
		var decoded, decodeErr = wire.DecodeMetadataDescs(mdBuf)
		if decodeErr != nil {
			return decodeErr
		}
		descs = decoded
	}
	if len(descs) == 0 {
		// Donor sent no metadata trailer; fall back to treating the whole
		// block as one record under the reply's own io_seq.
		descs = []wire.MetadataDesc{{Offset: h.Offset, Len: h.Len, IONum: h.IOSeq}}
	}

	var writePayload []byte
	for _, d := range descs {
		var rel = d.Offset - h.Offset
		writePayload = append(writePayload, wire.RWHeader{IONum: d.IONum, Len: d.Len}.Encode()...)
		writePayload = append(writePayload, payload[rel:rel+d.Len]...)
	}

	cfg.Volume.TakeRef()
	var writeHeader = wire.Header{Opcode: wire.OpWrite, Flags: wire.FlagRebuild, Offset: h.Offset, Len: uint64(len(writePayload))}
	var cmd = command.New(writeHeader, writePayload, cfg.Volume, 0, volume.RoleRebuildDonor)
	cfg.Worker.Execute(ctx, cmd)
	if cmd.Header.Status == wire.StatusFailed {
		return errors.New("local worker rejected a rebuild block write")
	}
	return nil
}
