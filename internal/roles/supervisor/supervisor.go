// Package supervisor implements the Supervisor role (section 4.10): it
// owns exactly one payload process, restarts it up to a configured
// budget, and answers status queries from the Ipc over its control-in.
package supervisor

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// Role is the Supervisor's fabric.Role implementation. Executable,
// MaxStarts and Args come from its own CLI flags (section 6), parsed by
// ParseFlags before Run is entered.
type Role struct {
	Executable string
	MaxStarts  uint8
	Args       []string
}

func (Role) Name() string { return fabric.RoleSupervisor }

func (Role) Capabilities() fabric.Capability {
	return fabric.Capability{HasControlIn: true}
}

func (Role) Stdio() fabric.StdioConfig {
	return fabric.SupervisorDescriptor.Stdio
}

// ParseFlags parses the Supervisor-specific flags named in section 6:
// --executable (required), --max-starts (default 1, 0-255) and a
// trailing free-form argv block after "--".
func ParseFlags(args []string) (Role, error) {
	fs := flag.NewFlagSet("supervisor", flag.ContinueOnError)
	executable := fs.String("executable", "", "payload executable path")
	maxStarts := fs.Int("max-starts", 1, "maximum number of (re)start attempts")
	if err := fs.Parse(args); err != nil {
		return Role{}, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("parse supervisor flags: %v", err))
	}
	if *executable == "" {
		return Role{}, verror.New(fabricerr.ErrProtocol, nil, "supervisor requires --executable")
	}
	if *maxStarts < 0 || *maxStarts > 255 {
		return Role{}, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("max-starts %d out of range [0,255]", *maxStarts))
	}
	return Role{Executable: *executable, MaxStarts: uint8(*maxStarts), Args: fs.Args()}, nil
}

// state tracks the payload's last-reported lifecycle transition; it is
// written by the restart loop goroutine and read by the command loop
// goroutine answering status queries, so access goes through mu.
type state struct {
	mu     sync.Mutex
	status wire.Status
	code   int32
}

func (s *state) set(status wire.Status, code int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.code = code
}

func (s *state) snapshot() (wire.Status, int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.code
}

func (r Role) Run(ctx context.Context, rc fabric.RunContext) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &state{status: wire.StatusStarting}
	restartDone := make(chan struct{})
	go func() {
		defer close(restartDone)
		r.restartLoop(runCtx, st)
	}()

	commandsDone := make(chan error, 1)
	go func() { commandsDone <- commandLoop(runCtx, rc.ControlIn, st) }()

	select {
	case <-restartDone:
		cancel()
		<-commandsDone
		return nil
	case err := <-commandsDone:
		cancel()
		<-restartDone
		return err
	}
}

// restartLoop launches the payload up to MaxStarts times (default 1 when
// unset), restarting unconditionally on any exit — success or failure —
// until the budget is exhausted, per section 4.10 and section 8 scenario
// 6. MaxStarts 0 is treated as 1: a configured budget of zero attempts
// would never run the payload at all, which section 4.10's "launch...
// restart up to max-starts times" never describes as valid.
func (r Role) restartLoop(ctx context.Context, st *state) {
	max := r.MaxStarts
	if max == 0 {
		max = 1
	}
	for attempt := uint8(1); attempt <= max; attempt++ {
		st.set(wire.StatusStarting, 0)
		p := newPayload(ctx, r.Executable, r.Args)
		if err := p.Start(); err != nil {
			vlog.Errorf("supervisor: starting payload (attempt %d/%d): %v", attempt, max, err)
			st.set(wire.StatusCrashed, -1)
			continue
		}
		<-p.Ready()

		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			select {
			case <-ctx.Done():
				if err := p.Close(); err != nil {
					vlog.Errorf("supervisor: closing payload on shutdown: %v", err)
				}
			case <-p.Done():
			}
		}()
		waitErr := p.Wait()
		<-watchDone

		if ctx.Err() != nil {
			st.set(wire.StatusStopped, 0)
			return
		}
		code, signaled := exitDetails(waitErr)
		if signaled {
			st.set(wire.StatusCrashed, code)
		} else {
			st.set(wire.StatusExited, code)
		}
		if attempt < max {
			st.set(wire.StatusRestarting, code)
		}
	}
}

func exitDetails(waitErr error) (code int32, signaled bool) {
	if waitErr == nil {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return int32(ws.Signal()), true
			}
			return int32(ws.ExitStatus()), false
		}
	}
	return -1, false
}

// commandLoop answers every inbound command+response-channel pair with
// the payload's current status, the only query this role actually needs
// to serve (Stop/Restart beyond the current payload cycle are Open
// Questions the source leaves unaddressed; Status and List are what
// section 8's scenarios exercise).
func commandLoop(ctx context.Context, in *aio.ControlReader, st *state) error {
	for {
		msg, err := wire.Receive(ctx, in)
		if err != nil {
			if ctx.Err() != nil || verror.ErrorID(err) == fabricerr.ErrPeerClosed.ID {
				return nil
			}
			return err
		}
		cmd, err := msg.TakeCommand()
		if err != nil {
			vlog.Errorf("supervisor: malformed command: %v", err)
			continue
		}

		chanMsg, err := wire.Receive(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		respEnd, err := chanMsg.TakeWriteControlEnd()
		if err != nil {
			vlog.Errorf("supervisor: command missing response channel: %v", err)
			continue
		}
		respWriter, err := aio.NewControlWriter(respEnd, "supervisor-response")
		if err != nil {
			vlog.Errorf("supervisor: adopting response channel: %v", err)
			continue
		}

		status, code := st.snapshot()
		selfPid := int32(os.Getpid())
		resp, err := wire.NewCommandResponseMessage(
			wire.Metadata{SenderPid: selfPid, RefPid: wire.NoPid, TargetPid: wire.NoPid},
			wire.CommandResponse{ListItem: wire.ListItem{Name: cmd.Target.Name, Pid: selfPid, Status: status, Code: code}},
		)
		if err != nil {
			respWriter.Close()
			continue
		}
		if err := resp.Send(ctx, respWriter); err != nil {
			vlog.Errorf("supervisor: sending status: %v", err)
		}
		respWriter.Close()
	}
}
