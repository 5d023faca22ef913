// Package aio is the async adapter described in section 4.2 of the
// specification: it takes ownership of a pipe or control endpoint and
// turns it into a handle that participates in Go's runtime-managed
// cooperative scheduling. Every blocking call here is a suspension point:
// the calling goroutine parks and the Go runtime's netpoller (which
// already treats non-blocking pipe and socket descriptors as pollable)
// wakes it on readiness. Nothing else in the fabric suspends, matching
// section 5's "suspension points" list.
package aio

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"

	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
	"github.com/bluejekyll/vermilionrc/internal/rights"
)

// cancelable runs op, but if ctx is canceled before op returns, forces the
// blocked syscall to wake early by setting an already-elapsed deadline.
// This is the only place context cancellation touches the underlying fd;
// callers elsewhere just treat Receive/Send as ordinary blocking calls.
func cancelable(ctx context.Context, setDeadline func(time.Time) error, op func() (int, error)) (int, error) {
	if ctx.Done() == nil {
		return op()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = setDeadline(time.Unix(0, 1))
		case <-done:
		}
	}()
	n, err := op()
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return n, ctxErr
	}
	return n, err
}

// PipeReader is the async form of a PipeReadEnd.
type PipeReader struct {
	f   *os.File
	who string
}

// PipeWriter is the async form of a PipeWriteEnd.
type PipeWriter struct {
	f   *os.File
	who string
}

// NewPipeReader consumes e; e must not be used again.
func NewPipeReader(e *ioend.PipeReadEnd, who string) (*PipeReader, error) {
	if !e.Valid() {
		return nil, verror.New(fabricerr.ErrProtocol, nil, "pipe read end already closed")
	}
	f := os.NewFile(uintptr(e.Fd()), who)
	e.Forget()
	return &PipeReader{f: f, who: who}, nil
}

// NewPipeWriter consumes e; e must not be used again.
func NewPipeWriter(e *ioend.PipeWriteEnd, who string) (*PipeWriter, error) {
	if !e.Valid() {
		return nil, verror.New(fabricerr.ErrProtocol, nil, "pipe write end already closed")
	}
	f := os.NewFile(uintptr(e.Fd()), who)
	e.Forget()
	return &PipeWriter{f: f, who: who}, nil
}

// Receive reads whatever is available into buf, up to len(buf) bytes,
// suspending the calling goroutine until data, EOF, or ctx cancellation.
func (r *PipeReader) Receive(ctx context.Context, buf []byte) (int, error) {
	return cancelable(ctx, r.f.SetReadDeadline, func() (int, error) { return r.f.Read(buf) })
}

// Send writes buf in full, suspending as needed until the pipe accepts it.
func (w *PipeWriter) Send(ctx context.Context, buf []byte) (int, error) {
	return cancelable(ctx, w.f.SetWriteDeadline, func() (int, error) { return w.f.Write(buf) })
}

func (r *PipeReader) Close() error { return r.f.Close() }
func (w *PipeWriter) Close() error { return w.f.Close() }

// Detach reclaims the PipeReader's descriptor as a plain PipeReadEnd, for
// the case of forwarding an already-wired pipe end to another process
// instead of reading it locally (the Init sequencer handing a freshly
// spawned root role's captured stdout/stderr to the Logger, section
// 4.11 steps 2-4). The PipeReader must not be used again afterward.
func (r *PipeReader) Detach() (*ioend.PipeReadEnd, error) {
	fd := int(r.f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("set nonblock on detached %s: %v", r.who, err))
	}
	runtime.SetFinalizer(r.f, nil)
	return ioend.AdoptPipeReadEnd(fd), nil
}

// ControlReader is the async, fd-carrying form of a ControlReadEnd.
type ControlReader struct {
	conn *net.UnixConn
	who  string
}

// ControlWriter is the async, fd-carrying form of a ControlWriteEnd.
type ControlWriter struct {
	conn *net.UnixConn
	who  string
}

// toUnixConn adopts a raw, already non-blocking descriptor as a
// *net.UnixConn. net.FileConn dups the descriptor internally, so the
// *os.File used as an intermediary is closed immediately afterwards, so
// only the returned connection's duplicate stays open.
func toUnixConn(fd int, who string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), who)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("FileConn: %v", err))
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, verror.New(fabricerr.ErrProtocol, nil, "fd is not a unix socket")
	}
	return uc, nil
}

// NewControlReader consumes e; e must not be used again.
func NewControlReader(e *ioend.ControlReadEnd, who string) (*ControlReader, error) {
	if !e.Valid() {
		return nil, verror.New(fabricerr.ErrProtocol, nil, "control read end already closed")
	}
	fd := e.Fd()
	e.Forget()
	uc, err := toUnixConn(fd, who)
	if err != nil {
		return nil, err
	}
	return &ControlReader{conn: uc, who: who}, nil
}

// NewControlWriter consumes e; e must not be used again.
func NewControlWriter(e *ioend.ControlWriteEnd, who string) (*ControlWriter, error) {
	if !e.Valid() {
		return nil, verror.New(fabricerr.ErrProtocol, nil, "control write end already closed")
	}
	fd := e.Fd()
	e.Forget()
	uc, err := toUnixConn(fd, who)
	if err != nil {
		return nil, err
	}
	return &ControlWriter{conn: uc, who: who}, nil
}

// ReceiveWithFD reads exactly one datagram, returning its payload length
// and, if present, the single descriptor it carried.
func (r *ControlReader) ReceiveWithFD(ctx context.Context, buf []byte) (n int, fd int, hasFD bool, err error) {
	type result struct {
		n     int
		fd    int
		hasFD bool
		err   error
	}
	done := make(chan result, 1)
	go func() {
		n, fd, hasFD, err := rights.ReadFrom(r.conn, buf)
		done <- result{n, fd, hasFD, err}
	}()
	if dl, ok := ctx.Deadline(); ok {
		_ = r.conn.SetReadDeadline(dl)
	}
	select {
	case res := <-done:
		return res.n, res.fd, res.hasFD, res.err
	case <-ctx.Done():
		_ = r.conn.SetReadDeadline(time.Unix(0, 1))
		res := <-done
		if res.err != nil {
			return 0, 0, false, ctx.Err()
		}
		return res.n, res.fd, res.hasFD, res.err
	}
}

// SendWithFD writes one datagram, optionally carrying fd. Ownership of fd
// transfers to the kernel on success.
func (w *ControlWriter) SendWithFD(ctx context.Context, buf []byte, fd int, hasFD bool) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
	}
	return rights.WriteTo(w.conn, buf, fd, hasFD)
}

func (r *ControlReader) Close() error { return r.conn.Close() }
func (w *ControlWriter) Close() error { return w.conn.Close() }

// detachUnixConn reclaims the raw, non-blocking descriptor behind conn so
// it can be handed to another process over SCM_RIGHTS. conn.File() dups
// the descriptor and forces the dup to blocking mode — and because dup'd
// descriptors share one open file description, that also flips the
// original conn's socket to blocking. conn is therefore always closed
// immediately after, never reused; this function re-asserts non-blocking
// on the surviving duplicate before returning it, so the invariant that
// every descriptor reaching the wire is already O_NONBLOCK still holds.
func detachUnixConn(conn *net.UnixConn, who string) (int, error) {
	f, err := conn.File()
	if err != nil {
		_ = conn.Close()
		return 0, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("detach %s: %v", who, err))
	}
	_ = conn.Close()
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return 0, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("set nonblock on detached %s: %v", who, err))
	}
	runtime.SetFinalizer(f, nil)
	return fd, nil
}

// Detach reclaims the ControlReader's descriptor as a plain
// ControlReadEnd, for the narrow case of forwarding an already-wired
// control endpoint to another process instead of using it locally (the
// Init sequencer's handshake handoff to the Ipc, section 4.11 step 5).
// The ControlReader must not be used again afterward.
func (r *ControlReader) Detach() (*ioend.ControlReadEnd, error) {
	fd, err := detachUnixConn(r.conn, r.who)
	if err != nil {
		return nil, err
	}
	return ioend.AdoptControlReadEnd(fd), nil
}

// Detach is the write-direction counterpart of (*ControlReader).Detach.
func (w *ControlWriter) Detach() (*ioend.ControlWriteEnd, error) {
	fd, err := detachUnixConn(w.conn, w.who)
	if err != nil {
		return nil, err
	}
	return ioend.AdoptControlWriteEnd(fd), nil
}
