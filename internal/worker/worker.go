// Package worker implements the command executor of spec §4.C: it runs
// exactly one Command against the volume store, then disposes or enqueues
// it for the ack-sender.
package worker

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mittachaitu/zfs/internal/command"
	"github.com/mittachaitu/zfs/internal/metrics"
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/wire"
)

// Worker executes Commands against a volume.Store. A single Worker is
// shared by every data connection and rebuild task on the replica; its
// semaphore bounds how many commands run concurrently (spec §5: "a
// bounded pool is a valid implementation choice").
type Worker struct {
	store   volume.Store
	metrics metrics.Recorder
	sem     *semaphore.Weighted
}

// New returns a Worker backed by store, recording to rec (metrics.Noop{}
// if rec is nil), bounding concurrent executions to maxConcurrent.
func New(store volume.Store, rec metrics.Recorder, maxConcurrent int64) *Worker {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Worker{store: store, metrics: rec, sem: semaphore.NewWeighted(maxConcurrent)}
}

// Execute runs cmd to completion and disposes or enqueues its reply. It
// never panics or returns an error to the caller: every failure flows
// into cmd.Header.Status (spec §4.C: "worker never throws"). Execute
// always drops cmd.Volume's refcount before returning (invariant 4).
func (w *Worker) Execute(ctx context.Context, cmd *command.Command) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		// Context was cancelled while waiting for a free slot (eg the
		// connection or the whole daemon is shutting down). There's no
		// useful reply to send; still must drop the ref and route
		// through the same ack/drop policy as any other failure.
		cmd.Volume.DropRef()
		cmd.Header.Status = wire.StatusFailed
		cmd.Header.Len = 0
		w.ack(cmd)
		return
	}
	defer w.sem.Release(1)
	defer cmd.Volume.DropRef()

	var v = cmd.Volume
	var logger = log.WithFields(log.Fields{"volume": v.Name, "opcode": cmd.Header.Opcode.String(), "conn": cmd.ConnID()})

	if v.State() == volume.StateOffline {
		cmd.Header.Status = wire.StatusFailed
		cmd.Header.Len = 0
		w.ack(cmd)
		return
	}

	var isRebuildOp = cmd.Header.Flags.Has(wire.FlagRebuild)
	var wantMetadata = isRebuildOp || !v.IsFullyRebuilt() || cmd.WantsMetadata()

	var err error
	switch cmd.Header.Opcode {
	case wire.OpRead:
		err = w.doRead(ctx, cmd, wantMetadata)
	case wire.OpWrite:
		err = w.doWrite(ctx, cmd)
	case wire.OpSync:
		err = w.doSync(ctx, cmd)
	case wire.OpRebuildStepDone:
		// Sentinel reply only; nothing to execute (spec §4.C step 3).
	case wire.OpOpen:
		// OPEN is not legal on the data channel (spec §9 open question,
		// resolved in SPEC_FULL.md's Supplemented Features #1).
		err = errors.New("worker: OPEN is not a data-channel opcode")
	default:
		err = errors.Errorf("worker: unsupported opcode %s", cmd.Header.Opcode)
	}

	if err != nil {
		logger.WithError(err).Warn("command execution failed")
		cmd.Header.Status = wire.StatusFailed
		cmd.Header.Len = 0
	} else {
		cmd.Header.Status = wire.StatusOK
	}

	w.ack(cmd)
}

// ack implements spec §4.C rule 5.
func (w *Worker) ack(cmd *command.Command) {
	if cmd.IsRebuildWrite() {
		return // rebuild-flagged writes are never acked.
	}
	if err := cmd.Volume.Enqueue(cmd.Role(), cmd); err != nil {
		log.WithFields(log.Fields{"volume": cmd.Volume.Name, "conn": cmd.ConnID()}).
			Debug("dropping completed command: no ack-sender bound")
	}
}

func (w *Worker) doRead(ctx context.Context, cmd *command.Command, wantMetadata bool) error {
	var buf = make([]byte, cmd.Header.Len)
	var records, err = w.store.Read(ctx, cmd.Volume.StoreHandle, buf, cmd.Header.Offset, cmd.Header.Len, wantMetadata)
	if err != nil {
		return errors.WithMessage(err, "store read")
	}
	cmd.Payload = buf
	if wantMetadata {
		cmd.MetadataDesc = toWireMetadata(records)
		if cmd.Header.Flags.Has(wire.FlagRebuild) {
			// The rebuild-recipient reads replies directly off the wire, not
			// through this Command; it needs the trailer length up front to
			// know how many metadata bytes follow the payload (see
			// wire.Header.CheckpointedIOSeq doc).
			cmd.Header.CheckpointedIOSeq = uint64(len(cmd.MetadataDesc)) * wire.MetadataDescWireLen
		}
	}
	cmd.Volume.IncReadReq()
	w.metrics.ObserveRequest(cmd.Volume.Name, "read")
	return nil
}

func (w *Worker) doWrite(ctx context.Context, cmd *command.Command) error {
	var records, err = command.ParseWriteRecords(cmd.Payload, cmd.Header.Offset)
	if err != nil {
		return err
	}
	var isRebuild = cmd.Header.Flags.Has(wire.FlagRebuild)
	for _, r := range records {
		if err := w.store.Write(ctx, cmd.Volume.StoreHandle, r.Data, r.Offset, r.IONum, isRebuild); err != nil {
			return errors.WithMessage(err, "store write")
		}
		cmd.Volume.AdvanceRunningIONum(r.IONum)
	}
	cmd.Header.Len = 0
	cmd.Volume.IncWriteReq()
	w.metrics.ObserveRequest(cmd.Volume.Name, "write")
	return nil
}

func (w *Worker) doSync(ctx context.Context, cmd *command.Command) error {
	if err := w.store.Flush(ctx, cmd.Volume.StoreHandle); err != nil {
		return errors.WithMessage(err, "store flush")
	}
	cmd.Volume.IncSyncReq()
	w.metrics.ObserveRequest(cmd.Volume.Name, "sync")
	return nil
}

func toWireMetadata(records []volume.MetadataRecord) []wire.MetadataDesc {
	if records == nil {
		return nil
	}
	var out = make([]wire.MetadataDesc, len(records))
	for i, r := range records {
		out[i] = wire.MetadataDesc{Offset: r.Offset, Len: r.Len, IONum: r.IONum}
	}
	return out
}
