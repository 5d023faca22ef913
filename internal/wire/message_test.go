package wire

import (
	"context"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
)

func newControlPair(t *testing.T) (*aio.ControlReader, *aio.ControlWriter) {
	t.Helper()
	r, w, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	ar, err := aio.NewControlReader(r, "test-read")
	if err != nil {
		t.Fatalf("NewControlReader: %v", err)
	}
	aw, err := aio.NewControlWriter(w, "test-write")
	if err != nil {
		t.Fatalf("NewControlWriter: %v", err)
	}
	t.Cleanup(func() {
		ar.Close()
		aw.Close()
	})
	return ar, aw
}

func TestSendReceiveCommandNoFD(t *testing.T) {
	ar, aw := newControlPair(t)
	ctx := context.Background()

	msg, err := NewCommandMessage(Metadata{SenderPid: 1, RefPid: NoPid, TargetPid: NoPid}, Command{Op: CommandList})
	if err != nil {
		t.Fatalf("NewCommandMessage: %v", err)
	}
	if err := msg.Send(ctx, aw); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := Receive(ctx, ar)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	cmd, err := got.TakeCommand()
	if err != nil {
		t.Fatalf("TakeCommand: %v", err)
	}
	if cmd.Op != CommandList {
		t.Errorf("got op %v, want List", cmd.Op)
	}
}

func TestSendReceiveReadPipeEndCarriesFD(t *testing.T) {
	ar, aw := newControlPair(t)
	ctx := context.Background()

	pr, pw, err := ioend.NewPipe()
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	defer pw.Close()

	msg, err := NewReadPipeEndMessage(Metadata{Role: "init-test", SenderPid: 1, RefPid: NoPid, TargetPid: NoPid}, pr)
	if err != nil {
		t.Fatalf("NewReadPipeEndMessage: %v", err)
	}
	if err := msg.Send(ctx, aw); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := Receive(ctx, ar)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Envelope.Metadata.Role != "init-test" {
		t.Errorf("role = %q", got.Envelope.Metadata.Role)
	}
	readEnd, err := got.TakeReadPipeEnd()
	if err != nil {
		t.Fatalf("TakeReadPipeEnd: %v", err)
	}
	defer readEnd.Close()
}

func TestDroppedMessageWithUnconsumedFDDoesNotLeak(t *testing.T) {
	pr, pw, err := ioend.NewPipe()
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	defer pw.Close()

	msg, err := NewReadPipeEndMessage(Metadata{SenderPid: 1, RefPid: NoPid, TargetPid: NoPid}, pr)
	if err != nil {
		t.Fatalf("NewReadPipeEndMessage: %v", err)
	}
	fd := msg.fd
	msg.Discard()

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil {
		t.Fatalf("fd %d still open after Discard", fd)
	}
}
