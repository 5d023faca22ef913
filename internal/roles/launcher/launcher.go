// Package launcher implements the Launcher role (section 4.9): the only
// role permitted to spawn Supervisor children, and the designated
// subreaper for the process tree those Supervisors and their payloads
// grow underneath it.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
	"github.com/bluejekyll/vermilionrc/internal/spawnfab"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// Role is the Launcher's fabric.Role implementation. Executable is
// argv[0] of the running binary, the same one every re-exec'd Supervisor
// child reenters under the "supervisor" subcommand.
type Role struct {
	Executable string
}

func (Role) Name() string { return fabric.RoleLauncher }

func (Role) Capabilities() fabric.Capability {
	return fabric.Capability{HasControlIn: true, HasControlOut: true}
}

func (Role) Stdio() fabric.StdioConfig {
	return fabric.StdioConfig{Stdin: fabric.StdioInherit, Stdout: fabric.StdioPiped, Stderr: fabric.StdioPiped}
}

func (r Role) Run(ctx context.Context, rc fabric.RunContext) error {
	registerSubreaper()
	go reapLoop(ctx)

	executable := r.Executable
	if executable == "" {
		executable = os.Args[0]
	}

	for {
		msg, err := wire.Receive(ctx, rc.ControlIn)
		if err != nil {
			if ctx.Err() != nil || verror.ErrorID(err) == fabricerr.ErrPeerClosed.ID {
				return nil
			}
			return err
		}
		cmd, err := msg.TakeCommand()
		if err != nil {
			vlog.Errorf("launcher: malformed directive: %v", err)
			continue
		}
		if cmd.Op != wire.CommandInit && cmd.Op != wire.CommandStart {
			vlog.Errorf("launcher: ignoring unexpected command op %v", cmd.Op)
			continue
		}

		chanMsg, err := wire.Receive(ctx, rc.ControlIn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		respEnd, err := chanMsg.TakeWriteControlEnd()
		if err != nil {
			vlog.Errorf("launcher: directive missing response channel: %v", err)
			continue
		}
		respWriter, err := aio.NewControlWriter(respEnd, "launcher-directive-response")
		if err != nil {
			vlog.Errorf("launcher: adopting response channel: %v", err)
			continue
		}

		if err := spawnAndRegister(ctx, executable, *cmd, rc.ControlOut, respWriter); err != nil {
			vlog.Errorf("launcher: spawning %s: %v", cmd.Target.Name, err)
		}
	}
}

// spawnAndRegister spawns a Supervisor configured by cmd's launch-spec
// fields, immediately reports its Starting status back through resp (the
// response channel the Ipc forwarded alongside the directive), and
// publishes a registration message on out naming the new Supervisor's
// pid and handing over the write-control-end the Ipc will use to command
// it from then on (section 4.9(c)).
func spawnAndRegister(ctx context.Context, executable string, cmd wire.Command, out *aio.ControlWriter, resp *aio.ControlWriter) error {
	defer resp.Close()

	name := cmd.Target.Name
	if name == "" {
		return verror.New(fabricerr.ErrProtocol, nil, "launch directive missing target name")
	}

	extraArgs := []string{
		fmt.Sprintf("--executable=%s", cmd.Executable),
		fmt.Sprintf("--max-starts=%d", cmd.MaxStarts),
		"--",
	}
	if cmd.Argv != "" {
		extraArgs = append(extraArgs, strings.Split(cmd.Argv, wire.ArgvSeparator)...)
	}

	desc := fabric.SupervisorDescriptor
	desc.Name = name
	handle, err := spawnfab.Spawn(ctx, desc, spawnfab.Options{Executable: executable, ExtraArgs: extraArgs, Setsid: true})
	if err != nil {
		return err
	}

	launcherPid := int32(os.Getpid())

	startingMsg, err := wire.NewCommandResponseMessage(
		wire.Metadata{SenderPid: launcherPid, RefPid: wire.NoPid, TargetPid: wire.NoPid},
		wire.CommandResponse{ListItem: wire.ListItem{Name: name, Pid: int32(handle.Pid), Status: wire.StatusStarting}},
	)
	if err != nil {
		return err
	}
	if err := startingMsg.Send(ctx, resp); err != nil {
		vlog.Errorf("launcher: reporting starting status for %s: %v", name, err)
	}

	supervisorCtl, err := handle.ControlIn.Detach()
	if err != nil {
		return err
	}
	regMsg, err := wire.NewWriteControlEndMessage(
		wire.Metadata{Role: name, RefPid: int32(handle.Pid), SenderPid: launcherPid, TargetPid: wire.NoPid},
		supervisorCtl,
	)
	if err != nil {
		return err
	}
	return regMsg.Send(ctx, out)
}

// registerSubreaper makes this process the reaper of last resort for its
// whole subtree (section 4.9(a)): when a Supervisor exits, its payload
// (if still running) re-parents here instead of to PID 1.
func registerSubreaper() {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		vlog.Errorf("launcher: PR_SET_CHILD_SUBREAPER: %v", err)
	}
}

// reapLoop collects every exited child's status on SIGCHLD, both the
// Launcher's direct Supervisor children and any re-parented grandchild.
// Nothing else in this role ever calls wait on a Supervisor's pid — the
// Supervisor reports its own lifecycle up to the Ipc over its control-in
// response channel — so this loop is the sole collector and cannot race
// a second waiter for the same pid.
func reapLoop(ctx context.Context) {
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, unix.SIGCHLD)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			for {
				var status unix.WaitStatus
				pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
				vlog.Infof("launcher: reaped pid %d, status %v", pid, status)
			}
		}
	}
}
