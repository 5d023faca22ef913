// Command vermilion is the single re-exec'd binary every role of the
// process fabric runs as (section 4.4): argv[1] names which of the five
// fixed roles, or the Init sequencer itself, this invocation should act
// as.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/initseq"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
	"github.com/bluejekyll/vermilionrc/internal/roles/ipc"
	"github.com/bluejekyll/vermilionrc/internal/roles/launcher"
	"github.com/bluejekyll/vermilionrc/internal/roles/leader"
	"github.com/bluejekyll/vermilionrc/internal/roles/logger"
	"github.com/bluejekyll/vermilionrc/internal/roles/supervisor"
)

// Exit codes, section 6: 0 clean, 1 missing subcommand, 2 unknown
// subcommand, non-zero with a diagnostic on any fabric failure.
const (
	exitOK = iota
	exitMissingSubcommand
	exitUnknownSubcommand
	exitFabricFailure
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	defer vlog.FlushLog()

	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "vermilion: missing subcommand (init, logger, leader, launcher, ipc, supervisor)")
		return exitMissingSubcommand
	}

	ctx := shutdownContext()

	switch args[1] {
	case fabric.RoleInit:
		return runInit(ctx, args[0])
	case fabric.RoleLogger:
		return runRole(ctx, args, logger.Role{})
	case fabric.RoleLeader:
		return runRole(ctx, args, leader.Role{})
	case fabric.RoleLauncher:
		return runRole(ctx, args, launcher.Role{Executable: args[0]})
	case fabric.RoleIpc:
		return runRole(ctx, args, ipc.Role{})
	case fabric.RoleSupervisor:
		return runSupervisor(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "vermilion: unknown subcommand %q\n", args[1])
		return exitUnknownSubcommand
	}
}

// shutdownContext cancels on SIGINT/SIGTERM, the signal-driven shutdown
// every long-running role and the Init sequencer itself need to unwind
// cleanly (Leader's socket cleanup, Init's tree teardown).
func shutdownContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, unix.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}

func runInit(ctx context.Context, executable string) int {
	if err := initseq.Run(ctx, executable); err != nil {
		return reportFailure("init", err)
	}
	return exitOK
}

func runRole(ctx context.Context, args []string, role fabric.Role) int {
	rc, err := buildRunContext(role.Name(), args[2:], role.Capabilities())
	if err != nil {
		return reportFailure(role.Name(), err)
	}
	if err := role.Run(ctx, rc); err != nil {
		return reportFailure(role.Name(), err)
	}
	return exitOK
}

func runSupervisor(ctx context.Context, args []string) int {
	flags, _, err := fabric.ParseControlFlags(fabric.RoleSupervisor, args[2:])
	if err != nil {
		return reportFailure(fabric.RoleSupervisor, err)
	}
	role, err := supervisor.ParseFlags(flags.Rest)
	if err != nil {
		return reportFailure(fabric.RoleSupervisor, err)
	}
	if err := flags.Validate(role.Capabilities()); err != nil {
		return reportFailure(fabric.RoleSupervisor, err)
	}
	rc, err := adoptEndpoints(fabric.RoleSupervisor, flags)
	if err != nil {
		return reportFailure(fabric.RoleSupervisor, err)
	}
	if err := role.Run(ctx, rc); err != nil {
		return reportFailure(fabric.RoleSupervisor, err)
	}
	return exitOK
}

// buildRunContext parses the uniform control flags, validates them
// against role's declared capabilities, and adopts whichever endpoints
// are present into the async handles role.Run expects.
func buildRunContext(name string, args []string, caps fabric.Capability) (fabric.RunContext, error) {
	flags, _, err := fabric.ParseControlFlags(name, args)
	if err != nil {
		return fabric.RunContext{}, err
	}
	if err := flags.Validate(caps); err != nil {
		return fabric.RunContext{}, err
	}
	return adoptEndpoints(name, flags)
}

func adoptEndpoints(name string, flags fabric.ControlFlags) (fabric.RunContext, error) {
	var rc fabric.RunContext
	rc.Args = flags.Rest

	if flags.HasControlIn {
		end := ioend.AdoptControlReadEnd(flags.ControlInFd)
		r, err := aio.NewControlReader(end, name+"-control-in")
		if err != nil {
			return fabric.RunContext{}, err
		}
		rc.ControlIn = r
	}
	if flags.HasControlOut {
		end := ioend.AdoptControlWriteEnd(flags.ControlOutFd)
		w, err := aio.NewControlWriter(end, name+"-control-out")
		if err != nil {
			return fabric.RunContext{}, err
		}
		rc.ControlOut = w
	}
	return rc, nil
}

func reportFailure(role string, err error) int {
	fmt.Fprintf(os.Stderr, "vermilion: %s[%d]: %v: %v\n", role, os.Getpid(), verror.ErrorID(err), err)
	return exitFabricFailure
}
