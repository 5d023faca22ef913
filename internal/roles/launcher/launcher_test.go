package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// TestSpawnAndRegisterReportsStartingThenRegisters exercises section
// 4.9(b)/(c): spawning a named child reports Starting on the directive's
// own response channel, then publishes a registration message carrying
// the new child's pid and a write-control-end on the Launcher's
// control-out. /bin/echo stands in for the re-exec'd role binary here —
// it accepts and ignores the injected role-name/flag argv the way any
// executable that isn't actually vermilionrc would, which is all this
// test needs: it never inspects the child's own behavior, only the
// Launcher-side bookkeeping around spawning it.
func TestSpawnAndRegisterReportsStartingThenRegisters(t *testing.T) {
	outR, outW, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	outReader, err := aio.NewControlReader(outR, "test-launcher-out-read")
	if err != nil {
		t.Fatalf("NewControlReader: %v", err)
	}
	outWriter, err := aio.NewControlWriter(outW, "test-launcher-out-write")
	if err != nil {
		t.Fatalf("NewControlWriter: %v", err)
	}

	respR, respW, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	respReader, err := aio.NewControlReader(respR, "test-directive-resp-read")
	if err != nil {
		t.Fatalf("NewControlReader: %v", err)
	}
	respWriter, err := aio.NewControlWriter(respW, "test-directive-resp-write")
	if err != nil {
		t.Fatalf("NewControlWriter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := wire.Command{
		Op:         wire.CommandInit,
		Target:     wire.TargetByName("test-worker"),
		Executable: "/bin/true",
		MaxStarts:  1,
	}

	spawnDone := make(chan error, 1)
	go func() { spawnDone <- spawnAndRegister(ctx, "/bin/echo", cmd, outWriter, respWriter) }()

	statusMsg, err := wire.Receive(ctx, respReader)
	if err != nil {
		t.Fatalf("Receive status: %v", err)
	}
	resp, err := statusMsg.TakeCommandResponse()
	if err != nil {
		t.Fatalf("TakeCommandResponse: %v", err)
	}
	if resp.ListItem.Name != "test-worker" {
		t.Errorf("got name %q, want test-worker", resp.ListItem.Name)
	}
	if resp.ListItem.Status != wire.StatusStarting {
		t.Errorf("got status %v, want Starting", resp.ListItem.Status)
	}

	regMsg, err := wire.Receive(ctx, outReader)
	if err != nil {
		t.Fatalf("Receive registration: %v", err)
	}
	if regMsg.Envelope.Metadata.Role != "test-worker" {
		t.Errorf("got role %q, want test-worker", regMsg.Envelope.Metadata.Role)
	}
	if regMsg.Envelope.Metadata.RefPid != resp.ListItem.Pid {
		t.Errorf("registration pid %d does not match reported pid %d", regMsg.Envelope.Metadata.RefPid, resp.ListItem.Pid)
	}
	we, err := regMsg.TakeWriteControlEnd()
	if err != nil {
		t.Fatalf("TakeWriteControlEnd: %v", err)
	}
	we.Close()

	if err := <-spawnDone; err != nil {
		t.Fatalf("spawnAndRegister: %v", err)
	}
}

func TestRoleCapabilitiesAndStdio(t *testing.T) {
	r := Role{}
	caps := r.Capabilities()
	if !caps.HasControlIn || !caps.HasControlOut {
		t.Fatalf("got capabilities %+v, want both control-in and control-out", caps)
	}
	if r.Name() != fabric.RoleLauncher {
		t.Errorf("got name %q, want %q", r.Name(), fabric.RoleLauncher)
	}
}
