package spawnfab

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

func TestSpawnPipedStdoutCapturesOutput(t *testing.T) {
	desc := fabric.Descriptor{
		Name:  "echoed",
		Stdio: fabric.StdioConfig{Stdin: fabric.StdioNull, Stdout: fabric.StdioPiped, Stderr: fabric.StdioNull},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := Spawn(ctx, desc, Options{Executable: "/bin/echo", ExtraArgs: []string{"world"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Stdout.Close()

	buf := make([]byte, 256)
	n, err := h.Stdout.Receive(ctx, buf)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := strings.TrimSpace(string(buf[:n])); got != "echoed world" {
		t.Errorf("got %q, want %q", got, "echoed world")
	}

	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// TestSpawnWiresControlEndpoints spawns /bin/sleep with both control
// capabilities and checks that a command can be written to its
// control-in channel right after Spawn returns, without the call blocking
// or failing, then kills it. The descriptor name is sleep's first
// argument since Spawn always inserts the role name there; sleep also
// receives the --control-in/--control-out flags, which it does not
// accept, so the child exits on its own shortly after it starts.
func TestSpawnWiresControlEndpoints(t *testing.T) {
	desc := fabric.Descriptor{
		Name:         "5",
		Capabilities: fabric.Capability{HasControlIn: true, HasControlOut: true},
		Stdio:        fabric.StdioConfig{Stdin: fabric.StdioNull, Stdout: fabric.StdioNull, Stderr: fabric.StdioNull},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := Spawn(ctx, desc, Options{Executable: "/bin/sleep"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Kill()

	if h.ControlIn == nil || h.ControlOut == nil {
		t.Fatalf("expected both control endpoints to be wired")
	}

	msg, err := wire.NewCommandMessage(
		wire.Metadata{SenderPid: int32(h.Pid), RefPid: wire.NoPid, TargetPid: wire.NoPid},
		wire.Command{Op: wire.CommandList},
	)
	if err != nil {
		t.Fatalf("NewCommandMessage: %v", err)
	}
	if err := msg.Send(ctx, h.ControlIn); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	_ = h.Wait()
}
