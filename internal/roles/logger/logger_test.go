package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// TestHandoffOfArbitraryPipe is section 8 scenario 1 verbatim: a pipe's
// read end is handed to the Logger as a message, bytes written to the
// write end show up on the Logger's stdout with the fixed prefix.
func TestHandoffOfArbitraryPipe(t *testing.T) {
	cr, cw, err := ioend.NewControl()
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	ctlReader, err := aio.NewControlReader(cr, "test-ctl-read")
	if err != nil {
		t.Fatalf("NewControlReader: %v", err)
	}
	ctlWriter, err := aio.NewControlWriter(cw, "test-ctl-write")
	if err != nil {
		t.Fatalf("NewControlWriter: %v", err)
	}

	pr, pw, err := ioend.NewPipe()
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}

	const initPid = int32(4242)
	msg, err := wire.NewReadPipeEndMessage(
		wire.Metadata{Role: "init-test", RefPid: initPid, SenderPid: initPid, TargetPid: wire.NoPid},
		pr,
	)
	if err != nil {
		t.Fatalf("NewReadPipeEndMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := msg.Send(ctx, ctlWriter); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var out bytes.Buffer
	role := Role{Stdout: &out}
	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- role.Run(runCtx, fabric.RunContext{ControlIn: ctlReader}) }()

	pipeWriter, err := aio.NewPipeWriter(pw, "test-pipe-write")
	if err != nil {
		t.Fatalf("NewPipeWriter: %v", err)
	}
	if _, err := pipeWriter.Send(ctx, []byte("Vermilion says hello to logger\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := pipeWriter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.After(2 * time.Second)
	want := "LOG:init-test[4242]: Vermilion says hello to logger\n"
	for {
		if strings.Contains(out.String(), want) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for log line, got: %q", out.String())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancelRun()
	ctlReader.Close()
	ctlWriter.Close()
	<-done
}
