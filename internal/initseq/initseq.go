// Package initseq implements the Init sequencer (section 4.11): it spawns
// the four root roles in a fixed order, wires their control endpoints
// together through the Ipc's fixed handshake, forwards each root child's
// captured stdout/stderr to the Logger, and tears the whole tree down the
// instant any root child exits.
package initseq

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
	"github.com/bluejekyll/vermilionrc/internal/spawnfab"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// Handles is the "root role references" of section 3: the four spawned
// child handles Init retains, in spawn order.
type Handles struct {
	Logger   *spawnfab.ChildHandle
	Leader   *spawnfab.ChildHandle
	Launcher *spawnfab.ChildHandle
	Ipc      *spawnfab.ChildHandle
}

func (h Handles) ordered() []*spawnfab.ChildHandle {
	return []*spawnfab.ChildHandle{h.Logger, h.Leader, h.Launcher, h.Ipc}
}

// Run spawns the five-process tree and blocks until a root role exits or
// ctx is canceled, at which point it kills every remaining root child.
// executable is argv[0] of the running binary, re-exec'd for each role
// the way spawnfab.Spawn always does.
func Run(ctx context.Context, executable string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h, err := spawnTree(runCtx, executable)
	if err != nil {
		return err
	}
	defer teardown(h)

	return supervise(runCtx, h)
}

// spawnTree runs steps 1-5 of section 4.11's algorithm: spawn the four
// root roles in order, forward each one's stdout/stderr to the Logger,
// and send the Ipc its four-message handshake.
func spawnTree(ctx context.Context, executable string) (Handles, error) {
	var h Handles
	opts := spawnfab.Options{Executable: executable}

	logger, err := spawnfab.Spawn(ctx, fabric.LoggerDescriptor, opts)
	if err != nil {
		return h, err
	}
	h.Logger = logger

	leader, err := spawnfab.Spawn(ctx, fabric.LeaderDescriptor, opts)
	if err != nil {
		teardown(h)
		return h, err
	}
	h.Leader = leader
	forwardStdio(ctx, h.Logger.ControlIn, fabric.RoleLeader, int32(leader.Pid), leader.Stdout, leader.Stderr)

	launcher, err := spawnfab.Spawn(ctx, fabric.LauncherDescriptor, opts)
	if err != nil {
		teardown(h)
		return h, err
	}
	h.Launcher = launcher
	forwardStdio(ctx, h.Logger.ControlIn, fabric.RoleLauncher, int32(launcher.Pid), launcher.Stdout, launcher.Stderr)

	ipc, err := spawnfab.Spawn(ctx, fabric.IpcDescriptor, opts)
	if err != nil {
		teardown(h)
		return h, err
	}
	h.Ipc = ipc
	forwardStdio(ctx, h.Logger.ControlIn, fabric.RoleIpc, int32(ipc.Pid), ipc.Stdout, ipc.Stderr)

	// ipc.ControlOut has no consumer: the Ipc role answers commands
	// through per-request response channels rather than a persistent
	// control-out of its own (section 4.8), so nothing in this sequencer
	// ever reads it. Closed here rather than left dangling.
	if h.Ipc.ControlOut != nil {
		if err := h.Ipc.ControlOut.Close(); err != nil {
			vlog.Errorf("initseq: closing unused ipc control-out: %v", err)
		}
	}

	if err := sendHandshake(ctx, h); err != nil {
		teardown(h)
		return h, err
	}
	return h, nil
}

// forwardStdio sends a role's captured stdout and stderr readers to the
// Logger as two read-pipe-end messages (section 4.11 steps 2-4), each
// carrying metadata {role, pid} naming the source.
func forwardStdio(ctx context.Context, loggerCtl *aio.ControlWriter, role string, pid int32, stdout, stderr *aio.PipeReader) {
	send := func(which string, r *aio.PipeReader) {
		if r == nil {
			return
		}
		end, err := r.Detach()
		if err != nil {
			vlog.Errorf("initseq: detaching %s %s for logging: %v", role, which, err)
			return
		}
		msg, err := wire.NewReadPipeEndMessage(wire.Metadata{Role: role, RefPid: pid, SenderPid: int32(os.Getpid()), TargetPid: wire.NoPid}, end)
		if err != nil {
			vlog.Errorf("initseq: building log-source message for %s %s: %v", role, which, err)
			return
		}
		if err := msg.Send(ctx, loggerCtl); err != nil {
			vlog.Errorf("initseq: registering %s %s with logger: %v", role, which, err)
		}
	}
	send("stdout", stdout)
	send("stderr", stderr)
}

// sendHandshake implements section 4.11 step 5, extended with the fourth
// message this repository's Ipc handshake expects (documented in
// internal/roles/ipc): the Launcher's own control-out, so the Ipc can
// receive Supervisor registrations on a channel distinct from the fixed
// three-message handshake exchange.
func sendHandshake(ctx context.Context, h Handles) error {
	initPid := int32(os.Getpid())
	ipcCtl := h.Ipc.ControlIn

	loggerEnd, err := h.Logger.ControlIn.Detach()
	if err != nil {
		return err
	}
	loggerMsg, err := wire.NewWriteControlEndMessage(
		wire.Metadata{Role: fabric.RoleLogger, RefPid: int32(h.Logger.Pid), SenderPid: initPid, TargetPid: wire.NoPid},
		loggerEnd,
	)
	if err != nil {
		return err
	}
	if err := loggerMsg.Send(ctx, ipcCtl); err != nil {
		return err
	}

	leaderEnd, err := h.Leader.ControlOut.Detach()
	if err != nil {
		return err
	}
	leaderMsg, err := wire.NewReadControlEndMessage(
		wire.Metadata{Role: fabric.RoleLeader, RefPid: int32(h.Leader.Pid), SenderPid: int32(h.Leader.Pid), TargetPid: wire.NoPid},
		leaderEnd,
	)
	if err != nil {
		return err
	}
	if err := leaderMsg.Send(ctx, ipcCtl); err != nil {
		return err
	}

	launcherInEnd, err := h.Launcher.ControlIn.Detach()
	if err != nil {
		return err
	}
	launcherMsg, err := wire.NewWriteControlEndMessage(
		wire.Metadata{Role: fabric.RoleLauncher, RefPid: int32(h.Launcher.Pid), SenderPid: int32(h.Launcher.Pid), TargetPid: wire.NoPid},
		launcherInEnd,
	)
	if err != nil {
		return err
	}
	if err := launcherMsg.Send(ctx, ipcCtl); err != nil {
		return err
	}

	launcherOutEnd, err := h.Launcher.ControlOut.Detach()
	if err != nil {
		return err
	}
	regMsg, err := wire.NewReadControlEndMessage(
		wire.Metadata{Role: fabric.RoleLauncher, RefPid: int32(h.Launcher.Pid), SenderPid: int32(h.Launcher.Pid), TargetPid: wire.NoPid},
		launcherOutEnd,
	)
	if err != nil {
		return err
	}
	return regMsg.Send(ctx, ipcCtl)
}

// supervise implements section 4.11 step 6: wait on all four root
// children concurrently, and report which one exited first the instant
// any of them does. errgroup.WithContext gives exactly this shape — the
// first goroutine to return cancels the group's context for the rest —
// applied here to process exits instead of errgroup's usual subtask
// cancellation.
func supervise(ctx context.Context, h Handles) error {
	g, gctx := errgroup.WithContext(ctx)
	roles := []string{fabric.RoleLogger, fabric.RoleLeader, fabric.RoleLauncher, fabric.RoleIpc}

	for i, child := range h.ordered() {
		role, child := roles[i], child
		g.Go(func() error {
			waited := make(chan error, 1)
			go func() { waited <- child.Wait() }()

			select {
			case err := <-waited:
				if err != nil {
					return verror.New(fabricerr.ErrUnexpectedExit, nil, fmt.Sprintf("%s unexpectedly exited: %v", role, err))
				}
				return verror.New(fabricerr.ErrUnexpectedExit, nil, fmt.Sprintf("%s unexpectedly exited", role))
			case <-gctx.Done():
				// A sibling root role died first; kill this one rather
				// than waiting for it to exit on its own.
				if err := child.Kill(); err != nil {
					vlog.Errorf("initseq: killing %s during teardown: %v", role, err)
				}
				<-waited
				return nil
			}
		})
	}

	return g.Wait()
}

// teardown kills every root child still alive. Drop of a child handle is
// kill-on-drop per section 5; this makes that explicit rather than
// relying solely on exec.CommandContext's context cancellation, since
// teardown can also be reached on a spawn failure before any ctx
// cancellation has happened.
func teardown(h Handles) {
	for _, child := range h.ordered() {
		if child == nil {
			continue
		}
		if err := child.Kill(); err != nil {
			vlog.Errorf("initseq: killing %s: %v", child.Name, err)
		}
	}
}
