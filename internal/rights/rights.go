// Package rights implements the ancillary-data (SCM_RIGHTS) framing that
// lets one datagram on a Unix-domain control socket carry a single
// attached file descriptor alongside its payload. It is the fabric's only
// user of raw socket control messages; everything above it deals in
// *os.File-backed endpoints.
package rights

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"

	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
)

// maxOOB is sized for exactly one descriptor's worth of SCM_RIGHTS
// ancillary data, matching the "at most one descriptor" invariant of the
// message layer (section 4.3).
var maxOOB = unix.CmsgSpace(4) // one int32 fd

// WriteTo writes a single datagram containing payload, optionally carrying
// one descriptor as ancillary rights data. Ownership of fd, if supplied,
// transfers to the kernel on success: the caller must not use fd again.
func WriteTo(conn *net.UnixConn, payload []byte, fd int, hasFD bool) error {
	var oob []byte
	if hasFD {
		oob = unix.UnixRights(fd)
	}
	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		if isClosedOrBrokenPipe(err) {
			return verror.New(fabricerr.ErrPeerClosed, nil, err.Error())
		}
		return verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("writemsg: %v", err))
	}
	if n != len(payload) || (hasFD && oobn != len(oob)) {
		return verror.New(fabricerr.ErrSerialization, nil, "short write of envelope or rights")
	}
	return nil
}

// ReadFrom reads exactly one datagram into buf and returns the number of
// payload bytes read plus, if the datagram carried exactly one descriptor,
// that descriptor's number. The caller becomes the sole owner of any
// returned descriptor.
func ReadFrom(conn *net.UnixConn, buf []byte) (n int, fd int, hasFD bool, err error) {
	oob := make([]byte, maxOOB)
	n, oobn, _, _, rerr := conn.ReadMsgUnix(buf, oob)
	if rerr != nil {
		if isClosedOrBrokenPipe(rerr) {
			return 0, 0, false, verror.New(fabricerr.ErrPeerClosed, nil, rerr.Error())
		}
		return 0, 0, false, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("readmsg: %v", rerr))
	}
	if oobn == 0 {
		return n, 0, false, nil
	}
	msgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
	if perr != nil {
		return 0, 0, false, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("parse control message: %v", perr))
	}
	var fds []int
	for _, m := range msgs {
		parsed, perr := unix.ParseUnixRights(&m)
		if perr != nil {
			return 0, 0, false, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("parse unix rights: %v", perr))
		}
		fds = append(fds, parsed...)
	}
	if len(fds) != 1 {
		for _, leaked := range fds {
			_ = unix.Close(leaked)
		}
		return 0, 0, false, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("expected exactly one descriptor, got %d", len(fds)))
	}
	return n, fds[0], true, nil
}

// isClosedOrBrokenPipe classifies the subset of write/read failures that
// represent a graceful peer-closed condition rather than genuine resource
// exhaustion: our own end or the kernel having torn the socket down,
// io.EOF on read, or EPIPE/ECONNRESET on write.
func isClosedOrBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
		return true
	}
	return false
}
