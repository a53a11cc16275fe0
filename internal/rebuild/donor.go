package rebuild

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mittachaitu/zfs/internal/command"
	"github.com/mittachaitu/zfs/internal/dataconn"
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/wire"
	"github.com/mittachaitu/zfs/internal/worker"
)

var nextScannerID uint32

func allocScannerID() uint32 { return atomic.AddUint32(&nextScannerID, 1) }

// Scanner serves one inbound rebuild-port connection as a donor: it answers
// REBUILD_STEP requests by diffing its store and streaming back the
// differing blocks as ordinary READ replies, reusing the volume's
// complete_queue/ack-sender machinery under the rebuild-donor role (spec
// §4.E donor side, §4.D).
type Scanner struct {
	id       uint32
	socket   net.Conn
	registry volume.Registry
	store    volume.Store
	worker   *worker.Worker

	volume *volume.Info
}

// NewScanner wraps socket for service as a rebuild donor.
func NewScanner(socket net.Conn, registry volume.Registry, store volume.Store, w *worker.Worker) *Scanner {
	return &Scanner{
		id:       allocScannerID(),
		socket:   socket,
		registry: registry,
		store:    store,
		worker:   w,
	}
}

// Serve runs the donor scanner until the connection ends.
func (s *Scanner) Serve(ctx context.Context) {
	var logger = log.WithFields(log.Fields{"rebuild_conn": s.id})
	defer s.socket.Close()
	if err := setLinger(s.socket); err != nil {
		logger.WithError(err).Debug("SO_LINGER not supported on this connection type")
	}

	if err := s.handshake(); err != nil {
		logger.WithError(err).Info("rebuild donor handshake failed")
		return
	}
	logger = logger.WithField("volume", s.volume.Name)
	logger.Info("rebuild donor connection established")

	var ackCtx, ackCancel = context.WithCancel(ctx)
	var ackDone = make(chan struct{})
	go func() {
		defer close(ackDone)
		dataconn.RunAckSender(ackCtx, s.volume, volume.RoleRebuildDonor, s.socket, logger)
	}()

	s.receiveLoop(ctx, logger)

	ackCancel()
	s.teardown(logger)
	<-ackDone
}

func (s *Scanner) handshake() error {
	var h, err = wire.ReadHeader(s.socket)
	if err != nil {
		return errors.WithMessage(err, "reading rebuild handshake header")
	}
	if h.Opcode != wire.OpHandshake {
		return errors.Errorf("first rebuild frame must be HANDSHAKE, got %s", h.Opcode)
	}
	var nameBuf = make([]byte, h.Len)
	if err := wire.ReadExact(s.socket, nameBuf); err != nil {
		return errors.WithMessage(err, "reading rebuild handshake payload")
	}

	var v, lookupErr = s.registry.Lookup(string(nameBuf))
	if lookupErr != nil {
		return errors.WithMessage(lookupErr, "resolving volume")
	}
	if !v.BindAckSender(volume.RoleRebuildDonor) {
		return errors.Errorf("volume %s already has a rebuild-donor connection", v.Name)
	}
	v.TakeRef()
	s.volume = v
	return nil
}

// receiveLoop reads REBUILD_STEP/REBUILD_COMPLETE frames until the
// connection ends. Any frame other than those two closes the connection
// outright rather than attempting to recover — in particular a second
// HANDSHAKE mid-scan is rejected by closing, not by renegotiating (spec §9
// open question #2, resolved in SPEC_FULL.md's Supplemented Features).
func (s *Scanner) receiveLoop(ctx context.Context, logger *log.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		var h, err = wire.ReadHeader(s.socket)
		if err != nil {
			if err != wire.ErrPeerClosed {
				logger.WithError(err).Info("rebuild donor read failed")
			}
			return
		}

		switch h.Opcode {
		case wire.OpRebuildStep:
			if err := s.handleStep(ctx, h); err != nil {
				logger.WithError(err).Warn("rebuild step scan failed; closing connection")
				return
			}
		case wire.OpRebuildComplete:
			logger.Info("rebuild scan complete")
			return
		default:
			logger.WithField("opcode", h.Opcode.String()).Warn("unexpected frame on rebuild connection; closing")
			return
		}
	}
}

// handleStep answers one REBUILD_STEP by diffing the store since the
// recipient's checkpointed io-num, streaming each differing block back as
// a fabricated READ+FlagRebuild command, then a REBUILD_STEP_DONE sentinel
// (spec §4.E donor side).
func (s *Scanner) handleStep(ctx context.Context, h wire.Header) error {
	var scanErr = s.store.GetIODiff(ctx, s.volume.StoreHandle, h.CheckpointedIOSeq, h.Offset, h.Len, func(block volume.DiffBlock) error {
		s.volume.TakeRef()
		var req = wire.Header{Opcode: wire.OpRead, Flags: wire.FlagRebuild, Offset: block.Offset, Len: block.Len, IOSeq: block.IONum}
		var cmd = command.New(req, nil, s.volume, s.id, volume.RoleRebuildDonor)
		s.worker.Execute(ctx, cmd)
		return nil
	})
	if scanErr != nil {
		return errors.WithMessage(scanErr, "scanning io diff")
	}

	var doneCmd = command.New(wire.Header{Opcode: wire.OpRebuildStepDone, Flags: wire.FlagRebuild, Status: wire.StatusOK}, nil, s.volume, s.id, volume.RoleRebuildDonor)
	if err := s.volume.Enqueue(volume.RoleRebuildDonor, doneCmd); err != nil {
		return errors.WithMessage(err, "enqueueing REBUILD_STEP_DONE")
	}
	return nil
}

func (s *Scanner) teardown(logger *log.Entry) {
	s.volume.UnbindAckSender(volume.RoleRebuildDonor)
	var removed = s.volume.RemovePendingForConn(volume.RoleRebuildDonor, s.id)
	logger.WithField("dropped", len(removed)).Debug("draining pending rebuild acks for torn-down connection")
	s.volume.AwaitAckSenderIdle(volume.RoleRebuildDonor, s.id)
	s.volume.DropRef()
}
