package rebuild

import (
	"net"

	"golang.org/x/sys/unix"
)

// setLinger configures SO_LINGER{on=1,linger=0} on conn if it is backed by a
// raw TCP socket, so closing a rebuild connection mid-transfer resets it
// instead of lingering in TIME_WAIT with a half-flushed step in flight
// (spec §4.E). Non-TCP conns (eg the net.Pipe() used in tests) are a no-op.
func setLinger(conn net.Conn) error {
	var tcp, ok = conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	var raw, err = tcp.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	}); err != nil {
		return err
	}
	return setErr
}
