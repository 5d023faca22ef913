package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// TestRestartBudgetExhausts is section 8 scenario 6: /bin/false with
// --max-starts=3 is started three times (two restarts), then the loop returns with
// the payload's last exit recorded.
func TestRestartBudgetExhausts(t *testing.T) {
	r := Role{Executable: "/bin/false", MaxStarts: 3}
	st := &state{status: wire.StatusStarting}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.restartLoop(ctx, st)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("restartLoop did not finish within the deadline")
	}

	status, code := st.snapshot()
	if status != wire.StatusExited {
		t.Fatalf("got status %v, want Exited", status)
	}
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

// TestParseFlagsRequiresExecutable exercises the CLI surface named in
// section 6: --executable is mandatory.
func TestParseFlagsRequiresExecutable(t *testing.T) {
	if _, err := ParseFlags(nil); err == nil {
		t.Fatalf("ParseFlags: want error for missing --executable")
	}
}

func TestParseFlagsSplitsTrailingArgv(t *testing.T) {
	r, err := ParseFlags([]string{"--executable=/bin/echo", "--max-starts=2", "--", "hello", "world"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if r.Executable != "/bin/echo" || r.MaxStarts != 2 {
		t.Fatalf("got %+v", r)
	}
	if len(r.Args) != 2 || r.Args[0] != "hello" || r.Args[1] != "world" {
		t.Fatalf("got args %v, want [hello world]", r.Args)
	}
}
