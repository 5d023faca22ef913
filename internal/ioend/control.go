package ioend

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"

	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
)

// ControlReadEnd is the read side of one end of a connected Unix-domain
// datagram socket pair used for control messages.
type ControlReadEnd struct{ descriptor }

// ControlWriteEnd is the write side of the same pair.
type ControlWriteEnd struct{ descriptor }

// NewControl creates a connected pair of SOCK_DGRAM Unix-domain sockets.
// Datagram framing is what lets the message layer treat one send/receive
// as one indivisible envelope (section 4.1): "the datagram choice for the
// control socket makes each envelope an indivisible unit of transfer."
func NewControl() (*ControlReadEnd, *ControlWriteEnd, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("socketpair: %v", err))
	}
	r := &ControlReadEnd{newDescriptor(fds[0], Read)}
	w := &ControlWriteEnd{newDescriptor(fds[1], Write)}
	runtime.SetFinalizer(r, (*ControlReadEnd).finalize)
	runtime.SetFinalizer(w, (*ControlWriteEnd).finalize)
	return r, w, nil
}

// AdoptControlReadEnd takes ownership of an already non-blocking raw
// descriptor, reconstructed from an inherited argv flag, as the read end
// of a control socket.
func AdoptControlReadEnd(fd int) *ControlReadEnd {
	e := &ControlReadEnd{newDescriptor(fd, Read)}
	runtime.SetFinalizer(e, (*ControlReadEnd).finalize)
	return e
}

// AdoptControlWriteEnd is the write-direction counterpart.
func AdoptControlWriteEnd(fd int) *ControlWriteEnd {
	e := &ControlWriteEnd{newDescriptor(fd, Write)}
	runtime.SetFinalizer(e, (*ControlWriteEnd).finalize)
	return e
}

func (e *ControlReadEnd) finalize()  { warnLeaked("ControlReadEnd", e.fd, e.dir) }
func (e *ControlWriteEnd) finalize() { warnLeaked("ControlWriteEnd", e.fd, e.dir) }

// DuplicateOnto closes targetFd if open, then duplicates onto it.
func (e *ControlReadEnd) DuplicateOnto(targetFd int) (*ControlReadEnd, error) {
	nd, err := e.duplicateOnto(targetFd)
	if err != nil {
		return nil, err
	}
	n := &ControlReadEnd{nd}
	runtime.SetFinalizer(n, (*ControlReadEnd).finalize)
	return n, nil
}

// DuplicateOnto is the write-direction counterpart.
func (e *ControlWriteEnd) DuplicateOnto(targetFd int) (*ControlWriteEnd, error) {
	nd, err := e.duplicateOnto(targetFd)
	if err != nil {
		return nil, err
	}
	n := &ControlWriteEnd{nd}
	runtime.SetFinalizer(n, (*ControlWriteEnd).finalize)
	return n, nil
}

// Replace is the moving form of DuplicateOnto.
func (e *ControlReadEnd) Replace(targetFd int) (*ControlReadEnd, error) {
	nd, err := e.replace(targetFd)
	if err != nil {
		return nil, err
	}
	n := &ControlReadEnd{nd}
	runtime.SetFinalizer(n, (*ControlReadEnd).finalize)
	return n, nil
}

// Replace is the write-direction counterpart.
func (e *ControlWriteEnd) Replace(targetFd int) (*ControlWriteEnd, error) {
	nd, err := e.replace(targetFd)
	if err != nil {
		return nil, err
	}
	n := &ControlWriteEnd{nd}
	runtime.SetFinalizer(n, (*ControlWriteEnd).finalize)
	return n, nil
}
