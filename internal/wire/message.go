package wire

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
)

// Message pairs a decoded Envelope with its (at most one) attached
// descriptor. The descriptor is owned by the Message until one of the
// Take* accessors consumes it; if the Message is garbage collected with an
// unconsumed descriptor still attached, the finalizer closes it so it is
// never leaked (section 4.3, last paragraph). Discard closes it at once
// instead; section 8's scenario 5 test drops its message through Discard.
type Message struct {
	Envelope Envelope
	fd       int
	hasFD    bool
	taken    bool
}

func newMessage(env Envelope, fd int, hasFD bool) (*Message, error) {
	if env.Kind.TransfersDescriptor() != hasFD {
		if hasFD {
			_ = unix.Close(fd)
		}
		return nil, verror.New(fabricerr.ErrInvalidKind, nil, fmt.Sprintf("kind %s requires descriptor=%v, got %v", env.Kind, env.Kind.TransfersDescriptor(), hasFD))
	}
	m := &Message{Envelope: env, fd: fd, hasFD: hasFD}
	if hasFD {
		runtime.SetFinalizer(m, (*Message).finalize)
	}
	return m, nil
}

func (m *Message) finalize() {
	if m.hasFD && !m.taken && m.fd >= 3 {
		vlog.Errorf("wire: message of kind %s finalized with unconsumed descriptor %d; closing", m.Envelope.Kind, m.fd)
		_ = unix.Close(m.fd)
	}
}

// NewReadPipeEndMessage builds a message transferring ownership of a
// read-pipe-end's descriptor, consuming e.
func NewReadPipeEndMessage(meta Metadata, e *ioend.PipeReadEnd) (*Message, error) {
	fd := e.Fd()
	e.Forget()
	return newMessage(Envelope{Metadata: meta, Kind: KindReadPipeEnd}, fd, true)
}

// NewWritePipeEndMessage is the write-end counterpart.
func NewWritePipeEndMessage(meta Metadata, e *ioend.PipeWriteEnd) (*Message, error) {
	fd := e.Fd()
	e.Forget()
	return newMessage(Envelope{Metadata: meta, Kind: KindWritePipeEnd}, fd, true)
}

// NewReadControlEndMessage transfers a read-control-end.
func NewReadControlEndMessage(meta Metadata, e *ioend.ControlReadEnd) (*Message, error) {
	fd := e.Fd()
	e.Forget()
	return newMessage(Envelope{Metadata: meta, Kind: KindReadControlEnd}, fd, true)
}

// NewWriteControlEndMessage transfers a write-control-end.
func NewWriteControlEndMessage(meta Metadata, e *ioend.ControlWriteEnd) (*Message, error) {
	fd := e.Fd()
	e.Forget()
	return newMessage(Envelope{Metadata: meta, Kind: KindWriteControlEnd}, fd, true)
}

// NewCommandMessage carries no descriptor.
func NewCommandMessage(meta Metadata, cmd Command) (*Message, error) {
	return newMessage(Envelope{Metadata: meta, Kind: KindCommand, Command: &cmd}, 0, false)
}

// NewCommandResponseMessage carries no descriptor.
func NewCommandResponseMessage(meta Metadata, resp CommandResponse) (*Message, error) {
	return newMessage(Envelope{Metadata: meta, Kind: KindCommandResponse, CommandResponse: &resp}, 0, false)
}

// Send encodes and writes the message as exactly one datagram on w. On
// success, the sender's descriptor (if any) has been transferred into the
// kernel-side rights message and this Message no longer owns it.
func (m *Message) Send(ctx context.Context, w *aio.ControlWriter) error {
	payload, err := Encode(m.Envelope)
	if err != nil {
		return err
	}
	if err := w.SendWithFD(ctx, payload, m.fd, m.hasFD); err != nil {
		return err
	}
	m.taken = true // ownership moved to the kernel; nothing left for us to close
	return nil
}

// Receive reads exactly one datagram from r and decodes it into a Message.
// An envelope that fails to decode, or whose kind does not match the
// presence of an attached descriptor, fails with ErrProtocol.
func Receive(ctx context.Context, r *aio.ControlReader) (*Message, error) {
	buf := make([]byte, MaxEnvelopeSize)
	n, fd, hasFD, err := r.ReceiveWithFD(ctx, buf)
	if err != nil {
		return nil, err
	}
	env, err := Decode(buf[:n])
	if err != nil {
		if hasFD {
			_ = unix.Close(fd)
		}
		return nil, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.Kind.TransfersDescriptor() != hasFD {
		if hasFD {
			_ = unix.Close(fd)
		}
		return nil, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("kind %s requires descriptor=%v, got %v", env.Kind, env.Kind.TransfersDescriptor(), hasFD))
	}
	return newMessage(env, fd, hasFD)
}

func (m *Message) takeFD(expect Kind) (int, error) {
	if m.Envelope.Kind != expect {
		return 0, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("expected kind %s, got %s", expect, m.Envelope.Kind))
	}
	if m.taken {
		return 0, verror.New(fabricerr.ErrProtocol, nil, "message descriptor already taken")
	}
	m.taken = true
	return m.fd, nil
}

// TakeReadPipeEnd consumes the kind and descriptor, transferring ownership
// to the caller as a PipeReadEnd.
func (m *Message) TakeReadPipeEnd() (*ioend.PipeReadEnd, error) {
	fd, err := m.takeFD(KindReadPipeEnd)
	if err != nil {
		return nil, err
	}
	return ioend.AdoptPipeReadEnd(fd), nil
}

// TakeWritePipeEnd is the write-end counterpart.
func (m *Message) TakeWritePipeEnd() (*ioend.PipeWriteEnd, error) {
	fd, err := m.takeFD(KindWritePipeEnd)
	if err != nil {
		return nil, err
	}
	return ioend.AdoptPipeWriteEnd(fd), nil
}

// TakeReadControlEnd consumes a read-control-end.
func (m *Message) TakeReadControlEnd() (*ioend.ControlReadEnd, error) {
	fd, err := m.takeFD(KindReadControlEnd)
	if err != nil {
		return nil, err
	}
	return ioend.AdoptControlReadEnd(fd), nil
}

// TakeWriteControlEnd consumes a write-control-end.
func (m *Message) TakeWriteControlEnd() (*ioend.ControlWriteEnd, error) {
	fd, err := m.takeFD(KindWriteControlEnd)
	if err != nil {
		return nil, err
	}
	return ioend.AdoptControlWriteEnd(fd), nil
}

// TakeCommand consumes a command payload; there is no descriptor to take.
func (m *Message) TakeCommand() (*Command, error) {
	if m.Envelope.Kind != KindCommand {
		return nil, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("expected kind %s, got %s", KindCommand, m.Envelope.Kind))
	}
	if m.taken {
		return nil, verror.New(fabricerr.ErrProtocol, nil, "command already taken")
	}
	m.taken = true
	return m.Envelope.Command, nil
}

// TakeCommandResponse consumes a command-response payload.
func (m *Message) TakeCommandResponse() (*CommandResponse, error) {
	if m.Envelope.Kind != KindCommandResponse {
		return nil, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("expected kind %s, got %s", KindCommandResponse, m.Envelope.Kind))
	}
	if m.taken {
		return nil, verror.New(fabricerr.ErrProtocol, nil, "command response already taken")
	}
	m.taken = true
	return m.Envelope.CommandResponse, nil
}

// Discard drops the message without consuming it, closing any attached
// descriptor immediately rather than waiting for the finalizer.
func (m *Message) Discard() {
	if m.hasFD && !m.taken {
		m.taken = true
		if m.fd >= 3 {
			_ = unix.Close(m.fd)
		}
	}
}
