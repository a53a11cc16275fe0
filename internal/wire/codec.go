package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrBadVersion is returned by ReadHeader when the peer's version prefix
// does not match ReplicaVersion. No further bytes of the frame are
// consumed; the caller must close the connection (spec §4.A edge policy).
var ErrBadVersion = errors.New("wire: bad version")

// ErrPeerClosed is returned when a read observes a clean, zero-byte close
// from the peer. Spec §4.A: "a zero-byte read is peer closed and is an
// error to the caller."
var ErrPeerClosed = errors.New("wire: peer closed connection")

// ReadExact reads exactly len(buf) bytes from r, retrying on transient
// short reads and surfacing io.EOF as ErrPeerClosed when it occurs before
// any bytes were read into buf. Any other I/O error is returned wrapped
// with a "wire: read" message; errors.Cause recovers the original error.
func ReadExact(r io.Reader, buf []byte) error {
	var read int
	for read < len(buf) {
		var n, err = r.Read(buf[read:])
		read += n
		if err != nil {
			if err == io.EOF {
				if read == 0 {
					return ErrPeerClosed
				}
				return errors.Wrap(io.ErrUnexpectedEOF, "wire: short read")
			}
			return errors.Wrap(err, "wire: read")
		}
	}
	return nil
}

// WriteExact writes all of buf to w, retrying on short writes.
func WriteExact(w io.Writer, buf []byte) error {
	var written int
	for written < len(buf) {
		var n, err = w.Write(buf[written:])
		written += n
		if err != nil {
			return errors.Wrap(err, "wire: write")
		}
	}
	return nil
}

// ReadHeader reads and decodes the next Header from r. It first consumes
// the 2-byte version prefix in isolation: if it doesn't match
// ReplicaVersion, ErrBadVersion is returned without reading the remaining
// header bytes, so the connection can be closed without further framing
// risk (spec §4.A).
func ReadHeader(r io.Reader) (Header, error) {
	var versionBuf [2]byte
	if err := ReadExact(r, versionBuf[:]); err != nil {
		return Header{}, err
	}
	if v := binary.LittleEndian.Uint16(versionBuf[:]); v != ReplicaVersion {
		return Header{}, ErrBadVersion
	}

	var body = make([]byte, headerWireLen)
	if err := ReadExact(r, body); err != nil {
		return Header{}, err
	}
	var h Header
	if err := decodeBody(&h, body); err != nil {
		return Header{}, err
	}
	return h, nil
}

// WriteHeader writes h (version prefix included) to w.
func WriteHeader(w io.Writer, h Header) error {
	return WriteExact(w, h.Encode())
}

