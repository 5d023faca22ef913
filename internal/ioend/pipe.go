package ioend

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"

	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
)

// PipeReadEnd is the read side of a unidirectional, non-blocking pipe.
type PipeReadEnd struct{ descriptor }

// PipeWriteEnd is the write side of a unidirectional, non-blocking pipe.
type PipeWriteEnd struct{ descriptor }

// NewPipe creates a (read, write) pair atomically. Both ends are born
// non-blocking, per section 4.1: "both ends are non-blocking."
func NewPipe() (*PipeReadEnd, *PipeWriteEnd, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("pipe2: %v", err))
	}
	r := &PipeReadEnd{newDescriptor(fds[0], Read)}
	w := &PipeWriteEnd{newDescriptor(fds[1], Write)}
	runtime.SetFinalizer(r, (*PipeReadEnd).finalize)
	runtime.SetFinalizer(w, (*PipeWriteEnd).finalize)
	return r, w, nil
}

// AdoptPipeReadEnd takes ownership of an already-open, already non-blocking
// raw descriptor as a PipeReadEnd. Used to reclaim a descriptor received
// either on the argv (spawn layer) or via SCM_RIGHTS (message layer).
func AdoptPipeReadEnd(fd int) *PipeReadEnd {
	e := &PipeReadEnd{newDescriptor(fd, Read)}
	runtime.SetFinalizer(e, (*PipeReadEnd).finalize)
	return e
}

// AdoptPipeWriteEnd is the write-direction counterpart of AdoptPipeReadEnd.
func AdoptPipeWriteEnd(fd int) *PipeWriteEnd {
	e := &PipeWriteEnd{newDescriptor(fd, Write)}
	runtime.SetFinalizer(e, (*PipeWriteEnd).finalize)
	return e
}

func (e *PipeReadEnd) finalize()  { warnLeaked("PipeReadEnd", e.fd, e.dir) }
func (e *PipeWriteEnd) finalize() { warnLeaked("PipeWriteEnd", e.fd, e.dir) }

// DuplicateOnto closes targetFd if open, then duplicates this endpoint's
// descriptor onto it, returning a new endpoint bound to targetFd. The
// receiver keeps its own descriptor.
func (e *PipeReadEnd) DuplicateOnto(targetFd int) (*PipeReadEnd, error) {
	nd, err := e.duplicateOnto(targetFd)
	if err != nil {
		return nil, err
	}
	n := &PipeReadEnd{nd}
	runtime.SetFinalizer(n, (*PipeReadEnd).finalize)
	return n, nil
}

// DuplicateOnto is the write-direction counterpart.
func (e *PipeWriteEnd) DuplicateOnto(targetFd int) (*PipeWriteEnd, error) {
	nd, err := e.duplicateOnto(targetFd)
	if err != nil {
		return nil, err
	}
	n := &PipeWriteEnd{nd}
	runtime.SetFinalizer(n, (*PipeWriteEnd).finalize)
	return n, nil
}

// Replace is the moving form of DuplicateOnto: it duplicates onto
// targetFd and forgets the source, so exactly one of the two values ever
// closes the descriptor.
func (e *PipeReadEnd) Replace(targetFd int) (*PipeReadEnd, error) {
	nd, err := e.replace(targetFd)
	if err != nil {
		return nil, err
	}
	n := &PipeReadEnd{nd}
	runtime.SetFinalizer(n, (*PipeReadEnd).finalize)
	return n, nil
}

// Replace is the write-direction counterpart.
func (e *PipeWriteEnd) Replace(targetFd int) (*PipeWriteEnd, error) {
	nd, err := e.replace(targetFd)
	if err != nil {
		return nil, err
	}
	n := &PipeWriteEnd{nd}
	runtime.SetFinalizer(n, (*PipeWriteEnd).finalize)
	return n, nil
}
