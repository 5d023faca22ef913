package ipc

import (
	"context"
	"testing"
	"time"

	"v.io/v23/verror"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// handshakeHarness wires a ControlReader/Writer pair so the test can play
// Init, sending handshake messages to the Ipc's control-in.
type handshakeHarness struct {
	in  *aio.ControlReader
	out *aio.ControlWriter
}

func newHandshakeHarness(t *testing.T) *handshakeHarness {
	t.Helper()
	cr, cw, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	in, err := aio.NewControlReader(cr, "test-ipc-ctl-in")
	if err != nil {
		t.Fatalf("NewControlReader: %v", err)
	}
	out, err := aio.NewControlWriter(cw, "test-ipc-ctl-out")
	if err != nil {
		t.Fatalf("NewControlWriter: %v", err)
	}
	return &handshakeHarness{in: in, out: out}
}

// sendWriteControlEnd sends a write-control-end message, discarding the
// read half (the test only plays Init, never the role on the other end).
func sendWriteControlEnd(t *testing.T, ctx context.Context, w *aio.ControlWriter, meta wire.Metadata) {
	t.Helper()
	r, we, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	r.Close()
	msg, err := wire.NewWriteControlEndMessage(meta, we)
	if err != nil {
		t.Fatalf("NewWriteControlEndMessage: %v", err)
	}
	if err := msg.Send(ctx, w); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// sendReadControlEnd sends a read-control-end message, discarding the
// write half.
func sendReadControlEnd(t *testing.T, ctx context.Context, w *aio.ControlWriter, meta wire.Metadata) {
	t.Helper()
	re, we, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	we.Close()
	msg, err := wire.NewReadControlEndMessage(meta, re)
	if err != nil {
		t.Fatalf("NewReadControlEndMessage: %v", err)
	}
	if err := msg.Send(ctx, w); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// TestHandshakeWrongOrderFails is section 8 scenario 2: the Leader message
// arrives first instead of the Logger message, and handshake fails with a
// diagnostic naming the offending role.
func TestHandshakeWrongOrderFails(t *testing.T) {
	h := newHandshakeHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Send the Leader's read-control-end first, where the Logger's
	// write-control-end was expected.
	sendReadControlEnd(t, ctx, h.out, wire.Metadata{Role: fabric.RoleLeader, SenderPid: 99, RefPid: wire.NoPid, TargetPid: wire.NoPid})

	_, err := handshake(ctx, h.in)
	if err == nil {
		t.Fatalf("handshake: got nil error, want failure")
	}
	if verror.ErrorID(err) != fabricerr.ErrHandshakeFailed.ID {
		t.Errorf("handshake: got error id %v, want %v", verror.ErrorID(err), fabricerr.ErrHandshakeFailed.ID)
	}
}

// TestHandshakeThenCommandFanOut is section 8 scenario 3: a full four
// -message handshake (Logger, Leader, Launcher, then the Launcher's
// forwarded registration channel) followed by two registrations and a
// List command, which must produce exactly those two ListItems.
func TestHandshakeThenCommandFanOut(t *testing.T) {
	h := newHandshakeHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const loggerPid, leaderPid, launcherPid = int32(10), int32(20), int32(30)

	sendWriteControlEnd(t, ctx, h.out, wire.Metadata{Role: fabric.RoleLogger, SenderPid: loggerPid, RefPid: wire.NoPid, TargetPid: wire.NoPid})

	// Build the Leader's control pair directly (rather than via
	// sendReadControlEnd) so the test can act as the Leader later on,
	// sending commands through leaderWriter.
	leaderRead, leaderWrite, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	leaderWriter, err := aio.NewControlWriter(leaderWrite, "test-as-leader")
	if err != nil {
		t.Fatalf("NewControlWriter: %v", err)
	}
	leaderEndMsg, err := wire.NewReadControlEndMessage(wire.Metadata{Role: fabric.RoleLeader, SenderPid: leaderPid, RefPid: wire.NoPid, TargetPid: wire.NoPid}, leaderRead)
	if err != nil {
		t.Fatalf("NewReadControlEndMessage: %v", err)
	}
	if err := leaderEndMsg.Send(ctx, h.out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sendWriteControlEnd(t, ctx, h.out, wire.Metadata{Role: fabric.RoleLauncher, SenderPid: launcherPid, RefPid: wire.NoPid, TargetPid: wire.NoPid})

	regRead, regWrite, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	regWriter, err := aio.NewControlWriter(regWrite, "test-as-launcher-reg")
	if err != nil {
		t.Fatalf("NewControlWriter: %v", err)
	}
	regEndMsg, err := wire.NewReadControlEndMessage(wire.Metadata{SenderPid: launcherPid, RefPid: wire.NoPid, TargetPid: wire.NoPid}, regRead)
	if err != nil {
		t.Fatalf("NewReadControlEndMessage: %v", err)
	}
	if err := regEndMsg.Send(ctx, h.out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s, err := handshake(ctx, h.in)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	s.ipcPid = 1

	runDone := make(chan error, 1)
	runCtx, cancelRun := context.WithCancel(ctx)
	go func() { runDone <- s.steadyState(runCtx) }()

	for _, reg := range []struct {
		pid  int32
		name string
	}{{100, "a"}, {200, "b"}} {
		svR, svW, err := ioend.NewControl()
		if err != nil {
			t.Fatalf("NewControl: %v", err)
		}
		svR.Close() // test never plays the supervisor side
		regMsg, err := wire.NewWriteControlEndMessage(wire.Metadata{Role: reg.name, RefPid: reg.pid, SenderPid: launcherPid, TargetPid: wire.NoPid}, svW)
		if err != nil {
			t.Fatalf("NewWriteControlEndMessage: %v", err)
		}
		if err := regMsg.Send(ctx, regWriter); err != nil {
			t.Fatalf("Send registration: %v", err)
		}
	}

	// Give the registration loop a moment to land both entries before the
	// List command is issued; steadyState serializes registration handling
	// through the same select as command handling, so a short settle
	// avoids a race against List seeing a partially populated registry.
	time.Sleep(50 * time.Millisecond)

	respRead, respWrite, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	respReader, err := aio.NewControlReader(respRead, "test-list-response")
	if err != nil {
		t.Fatalf("NewControlReader: %v", err)
	}

	cmdMsg, err := wire.NewCommandMessage(wire.Metadata{SenderPid: leaderPid, RefPid: wire.NoPid, TargetPid: wire.NoPid}, wire.Command{Op: wire.CommandList})
	if err != nil {
		t.Fatalf("NewCommandMessage: %v", err)
	}
	if err := cmdMsg.Send(ctx, leaderWriter); err != nil {
		t.Fatalf("Send command: %v", err)
	}
	chanMsg, err := wire.NewWriteControlEndMessage(wire.Metadata{SenderPid: leaderPid, RefPid: wire.NoPid, TargetPid: wire.NoPid}, respWrite)
	if err != nil {
		t.Fatalf("NewWriteControlEndMessage: %v", err)
	}
	if err := chanMsg.Send(ctx, leaderWriter); err != nil {
		t.Fatalf("Send response channel: %v", err)
	}

	names := map[string]bool{}
	for i := 0; i < 2; i++ {
		m, err := wire.Receive(ctx, respReader)
		if err != nil {
			t.Fatalf("Receive list item %d: %v", i, err)
		}
		resp, err := m.TakeCommandResponse()
		if err != nil {
			t.Fatalf("TakeCommandResponse: %v", err)
		}
		names[resp.ListItem.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("got names %v, want a and b", names)
	}

	cancelRun()
	<-runDone
}
