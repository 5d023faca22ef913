package ioend

import (
	"fmt"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
)

// Forgotten is the sentinel raw descriptor value meaning "this endpoint no
// longer owns anything; do not close". It is distinct from any valid fd.
const Forgotten = -1

// descriptor is the shared, direction-tagged state behind every endpoint
// type in this package. It is never exported directly; PipeReadEnd,
// PipeWriteEnd, ControlReadEnd and ControlWriteEnd each embed one and add
// only the operations valid for their direction, giving the four resulting
// types distinct Go identities while sharing one implementation.
type descriptor struct {
	fd  int
	dir Direction
}

func newDescriptor(fd int, dir Direction) descriptor {
	return descriptor{fd: fd, dir: dir}
}

// Fd returns the raw descriptor number, or Forgotten if none is owned.
func (d *descriptor) Fd() int {
	return d.fd
}

// Valid reports whether the endpoint currently owns an open descriptor.
func (d *descriptor) Valid() bool {
	return d.fd >= 0
}

// Forget detaches ownership without closing the descriptor. Required
// before installing an endpoint's fd as a standard stream of a child
// process, and safe to call on an already-forgotten endpoint.
func (d *descriptor) Forget() {
	d.fd = Forgotten
}

// Close closes the underlying descriptor. Idempotent, and a no-op for the
// standard streams (0, 1, 2) and for an already-forgotten endpoint, per the
// drop-policy invariant in section 4.1 of the specification.
func (d *descriptor) Close() error {
	fd := d.fd
	d.fd = Forgotten
	if !closable(fd) {
		return nil
	}
	if err := unix.Close(fd); err != nil {
		return verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("close fd %d: %v", fd, err))
	}
	return nil
}

// closable reports whether fd should ever be implicitly or explicitly
// closed by this package: standard streams and the forgotten sentinel are
// never closed, everything else is fair game.
func closable(fd int) bool {
	return fd >= 3
}

// duplicateOnto closes target (if open) and dup2s fd onto it, returning a
// new descriptor bound to target with the same direction.
func (d *descriptor) duplicateOnto(target int) (descriptor, error) {
	if !d.Valid() {
		return descriptor{fd: Forgotten, dir: d.dir}, nil
	}
	if closable(target) {
		_ = unix.Close(target)
	}
	if err := unix.Dup2(d.fd, target); err != nil {
		return descriptor{}, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("dup2 %d->%d: %v", d.fd, target, err))
	}
	return descriptor{fd: target, dir: d.dir}, nil
}

// replace is the moving form of duplicateOnto: it dups onto target and
// forgets the source, so only one of the two ever closes it.
func (d *descriptor) replace(target int) (descriptor, error) {
	nd, err := d.duplicateOnto(target)
	if err != nil {
		return descriptor{}, err
	}
	d.Forget()
	return nd, nil
}

// warnLeaked is called by every endpoint type's finalizer, installed as a
// last-resort leak backstop; it should
// never fire in correct code since every endpoint is explicitly closed,
// forgotten, or handed to the async layer. It mirrors the source's Drop
// impl, which always attempted the close and merely logged failures.
func warnLeaked(kind string, fd int, dir Direction) {
	if !closable(fd) {
		return
	}
	vlog.Errorf("ioend: %s (%s) finalized while still owning fd %d; closing", kind, dir, fd)
	_ = unix.Close(fd)
}
