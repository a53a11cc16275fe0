//go:build linux

// Package acceptor implements the connection acceptor of spec §4.F: a
// single task that multiplexes the io_port and rebuild_port listen
// sockets via epoll readiness notification (grounded on the raw-fd
// readiness-polling idiom of the gaio watcher) and spawns the matching
// per-connection task — a data receiver on io_port, a rebuild donor
// scanner on rebuild_port — for every accepted connection.
package acceptor

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mittachaitu/zfs/internal/dataconn"
	"github.com/mittachaitu/zfs/internal/rebuild"
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/worker"
)

// pollTimeoutMillis bounds each epoll_wait call so ctx cancellation is
// observed promptly even with no ready listener (spec §4.F: "interrupted
// waits are retried").
const pollTimeoutMillis = 1000

// Acceptor owns the two listen sockets and the collaborators every
// accepted connection needs.
type Acceptor struct {
	ioListener      *net.TCPListener
	rebuildListener *net.TCPListener

	registry volume.Registry
	store    volume.Store
	worker   *worker.Worker
}

// New returns an Acceptor that dispatches accepted io_port connections to
// dataconn.Conn and rebuild_port connections to rebuild.Scanner.
func New(ioListener, rebuildListener *net.TCPListener, registry volume.Registry, store volume.Store, w *worker.Worker) *Acceptor {
	return &Acceptor{
		ioListener:      ioListener,
		rebuildListener: rebuildListener,
		registry:        registry,
		store:           store,
		worker:          w,
	}
}

// Run multiplexes both listen sockets until ctx is cancelled or a
// readiness error occurs, in which case it returns the error (spec §4.F:
// "readiness errors on a listen socket are fatal; the process exits" —
// here, propagated to the caller's task.Group, which cancels the daemon).
func (a *Acceptor) Run(ctx context.Context) error {
	var ioFD, ioErr = fdOf(a.ioListener)
	if ioErr != nil {
		return errors.WithMessage(ioErr, "acceptor: resolving io_port fd")
	}
	var rebuildFD, rebuildErr = fdOf(a.rebuildListener)
	if rebuildErr != nil {
		return errors.WithMessage(rebuildErr, "acceptor: resolving rebuild_port fd")
	}

	var epfd, epErr = unix.EpollCreate1(0)
	if epErr != nil {
		return errors.WithMessage(epErr, "acceptor: epoll_create1")
	}
	defer unix.Close(epfd)

	if err := registerReadable(epfd, ioFD); err != nil {
		return errors.WithMessage(err, "acceptor: registering io_port")
	}
	if err := registerReadable(epfd, rebuildFD); err != nil {
		return errors.WithMessage(err, "acceptor: registering rebuild_port")
	}

	var events = make([]unix.EpollEvent, 2)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var n, waitErr = unix.EpollWait(epfd, events, pollTimeoutMillis)
		if waitErr != nil {
			if waitErr == unix.EINTR {
				continue
			}
			return errors.WithMessage(waitErr, "acceptor: epoll_wait")
		}

		for i := 0; i < n; i++ {
			switch events[i].Fd {
			case int32(ioFD):
				a.acceptOne(ctx, a.ioListener, a.serveIO)
			case int32(rebuildFD):
				a.acceptOne(ctx, a.rebuildListener, a.serveRebuild)
			}
		}
	}
}

func (a *Acceptor) acceptOne(ctx context.Context, l *net.TCPListener, serve func(context.Context, net.Conn)) {
	var conn, err = l.Accept()
	if err != nil {
		log.WithError(err).Warn("acceptor: accept failed")
		return
	}
	go serve(ctx, conn)
}

func (a *Acceptor) serveIO(ctx context.Context, conn net.Conn) {
	dataconn.New(conn, a.registry, a.worker).Serve(ctx)
}

func (a *Acceptor) serveRebuild(ctx context.Context, conn net.Conn) {
	rebuild.NewScanner(conn, a.registry, a.store, a.worker).Serve(ctx)
}

func fdOf(l *net.TCPListener) (int, error) {
	var raw, err = l.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	var ctrlErr = raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

func registerReadable(epfd, fd int) error {
	var event = unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event)
}
