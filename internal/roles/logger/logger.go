// Package logger implements the Logger role (section 4.6): the root of
// the log tree, started first so every later role's stdout/stderr can be
// handed to it as read-pipe-end messages.
package logger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// lineBufCapacity is the minimum line-buffer capacity named in section
// 4.6: "reads the pipe line-by-line (buffered, capacity >= 1024)".
const lineBufCapacity = 1024

// Role is the Logger's fabric.Role implementation.
type Role struct {
	// Stdout is where formatted log lines are written; defaults to the
	// process's real stdout in Run, overridable for tests.
	Stdout io.Writer
}

func (Role) Name() string { return fabric.RoleLogger }

func (Role) Capabilities() fabric.Capability {
	return fabric.Capability{HasControlIn: true}
}

func (Role) Stdio() fabric.StdioConfig {
	return fabric.StdioConfig{Stdin: fabric.StdioNull, Stdout: fabric.StdioInherit, Stderr: fabric.StdioInherit}
}

// Run receives an unbounded sequence of read-pipe-end messages on
// rc.ControlIn and forwards each one to a new forwarding task, until
// ctx is canceled or the control channel reports peer-closed.
func (r Role) Run(ctx context.Context, rc fabric.RunContext) error {
	out := r.Stdout
	if out == nil {
		out = os.Stdout
	}

	// Plain errgroup.Group, not WithContext: each source's forward task
	// lives and dies on its own pipe's EOF, independent of its siblings,
	// so one source finishing must never cancel another still-logging
	// source the way an errgroup's derived context would.
	var g errgroup.Group
	defer g.Wait()

	for {
		msg, err := wire.Receive(ctx, rc.ControlIn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		readEnd, err := msg.TakeReadPipeEnd()
		if err != nil {
			vlog.Errorf("logger: dropping malformed registration: %v", err)
			continue
		}
		role := msg.Envelope.Metadata.Role
		pid := msg.Envelope.Metadata.RefPid

		reader, err := aio.NewPipeReader(readEnd, fmt.Sprintf("log-source-%s-%d", role, pid))
		if err != nil {
			vlog.Errorf("logger: adopting pipe end for %s[%d]: %v", role, pid, err)
			continue
		}

		g.Go(func() error {
			forward(ctx, out, role, pid, reader)
			return nil
		})
	}
}

// forward is the per-source cooperative task: it reads lines from
// reader and writes each to out with the fixed LOG:<role>[<pid>]: prefix,
// until EOF or a non-recoverable read error.
func forward(ctx context.Context, out io.Writer, role string, pid int32, reader *aio.PipeReader) {
	defer reader.Close()
	scanner := bufio.NewScanner(&pipeReaderAdapter{ctx: ctx, r: reader})
	scanner.Buffer(make([]byte, 0, lineBufCapacity), lineBufCapacity*64)

	for scanner.Scan() {
		fmt.Fprintf(out, "LOG:%s[%d]: %s\n", role, pid, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			fmt.Fprintln(out, "LOG: WOULD_BLOCK")
			return
		}
		fmt.Fprintf(out, "LOG:%s[%d]: error: %v\n", role, pid, err)
		return
	}
	fmt.Fprintf(out, "LOGGING SHUTDOWN for pid: %d\n", pid)
}

// pipeReaderAdapter lets bufio.Scanner drive an *aio.PipeReader, which
// takes a context per call rather than implementing io.Reader directly.
type pipeReaderAdapter struct {
	ctx context.Context
	r   *aio.PipeReader
}

func (a *pipeReaderAdapter) Read(p []byte) (int, error) {
	return a.r.Receive(a.ctx, p)
}
