// Package dataconn implements the per-data-connection receiver and
// ack-sender pair of spec §4.D: the receiver reads frames and dispatches
// them to the worker pool; the ack-sender drains the volume's
// complete_queue back to the peer.
package dataconn

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mittachaitu/zfs/internal/command"
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/wire"
	"github.com/mittachaitu/zfs/internal/worker"
)

// nextConnID hands out process-unique connection ids used for FIFO
// teardown matching (spec §3: "conn: integer id of the socket the command
// came in on").
var nextConnID uint32

func allocConnID() uint32 { return atomic.AddUint32(&nextConnID, 1) }

// Conn owns one accepted I/O-port socket for its lifetime: a receiver
// loop and (after handshake) a cooperating ack-sender goroutine.
type Conn struct {
	id       uint32
	corrID   string // google/uuid correlation id for log grepping
	socket   net.Conn
	registry volume.Registry
	worker   *worker.Worker

	volume *volume.Info // bound after a successful HANDSHAKE
}

// New wraps socket for service by a receiver/ack-sender pair.
func New(socket net.Conn, registry volume.Registry, w *worker.Worker) *Conn {
	return &Conn{
		id:       allocConnID(),
		corrID:   uuid.NewString(),
		socket:   socket,
		registry: registry,
		worker:   w,
	}
}

// Serve runs the receiver loop until the connection ends, for any reason:
// framing error, peer close, handshake rejection, or ctx cancellation.
// Once the handshake has succeeded, Serve performs the teardown sequence
// of spec §4.D before returning; after a failed handshake it only closes
// the socket.
func (c *Conn) Serve(ctx context.Context) {
	var logger = log.WithFields(log.Fields{"conn": c.id, "corr": c.corrID})
	defer c.socket.Close()

	if err := c.handshake(ctx); err != nil {
		logger.WithError(err).Info("data connection handshake failed")
		return
	}
	logger = logger.WithField("volume", c.volume.Name)
	logger.Info("data connection established")

	var ackCtx, ackCancel = context.WithCancel(ctx)
	var ackDone = make(chan struct{})
	go func() {
		defer close(ackDone)
		RunAckSender(ackCtx, c.volume, volume.RoleClient, c.socket, logger)
	}()

	c.receiveLoop(ctx, logger)

	ackCancel()
	c.teardown(logger)
	<-ackDone
}

// handshake reads the connection's first frame, which must be HANDSHAKE
// with the volume name as payload (spec §4.D).
func (c *Conn) handshake(ctx context.Context) error {
	var h, err = wire.ReadHeader(c.socket)
	if err != nil {
		return errors.WithMessage(err, "reading handshake header")
	}
	if h.Opcode != wire.OpHandshake {
		return errors.Errorf("first frame must be HANDSHAKE, got %s", h.Opcode)
	}
	var nameBuf = make([]byte, h.Len)
	if err := wire.ReadExact(c.socket, nameBuf); err != nil {
		return errors.WithMessage(err, "reading handshake payload")
	}

	var v, lookupErr = c.registry.Lookup(string(nameBuf))
	if lookupErr != nil {
		return errors.WithMessage(lookupErr, "resolving volume")
	}
	if !v.BindAckSender(volume.RoleClient) {
		return errors.Errorf("volume %s already has an ack-sender bound", v.Name)
	}
	// One long-lived refcount per ack-sender (spec §5), dropped in teardown.
	v.TakeRef()
	c.volume = v
	return nil
}

// receiveLoop reads and dispatches frames until the socket errors out or
// ctx is cancelled.
func (c *Conn) receiveLoop(ctx context.Context, logger *log.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		var h, err = wire.ReadHeader(c.socket)
		if err != nil {
			if err != wire.ErrPeerClosed {
				logger.WithError(err).Info("data connection read failed")
			}
			return
		}

		var payload []byte
		if h.Opcode == wire.OpWrite || h.Opcode == wire.OpOpen {
			// READ and SYNC requests carry no payload; the READ reply's
			// payload is produced by the worker, not read off the wire here.
			payload = make([]byte, h.Len)
			if err := wire.ReadExact(c.socket, payload); err != nil {
				logger.WithError(err).Info("data connection payload read failed")
				return
			}
		}

		c.volume.TakeRef()
		var cmd = command.New(h, payload, c.volume, c.id, volume.RoleClient)
		go c.worker.Execute(ctx, cmd)
	}
}

// teardown implements spec §4.D's shutdown sequence.
func (c *Conn) teardown(logger *log.Entry) {
	c.volume.UnbindAckSender(volume.RoleClient)
	var removed = c.volume.RemovePendingForConn(volume.RoleClient, c.id)
	logger.WithField("dropped", len(removed)).Debug("draining pending acks for torn-down connection")
	c.volume.AwaitAckSenderIdle(volume.RoleClient, c.id)
	c.volume.DropRef()
}
