// Package spawnfab is the fork/spawn layer (section 4.4): it turns a
// fabric.Descriptor into a running child process by re-exec'ing argv[0]
// with the role name as a subcommand, wiring control sockets and standard
// streams across the fork the way the teacher's lib/exec.ParentHandle
// wires a status pipe and lib/modules.Shell wires its subprocess argv.
package spawnfab

import (
	"context"
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
	"github.com/bluejekyll/vermilionrc/internal/ioend"
)

// ChildHandle is everything the spawning side retains about a freshly
// exec'd role process, grounded on the teacher's lib/exec.ParentHandle —
// minus its status-pipe readiness protocol, since section 4.8's Ipc
// handshake is what establishes readiness here.
type ChildHandle struct {
	cmd  *exec.Cmd
	Name string
	Pid  int

	// ControlIn is the parent's write end of the child's control-in
	// channel, nil if the role has no control-in capability.
	ControlIn *aio.ControlWriter
	// ControlOut is the parent's read end of the child's control-out
	// channel, nil if the role has no control-out capability.
	ControlOut *aio.ControlReader

	Stdin  *aio.PipeWriter
	Stdout *aio.PipeReader
	Stderr *aio.PipeReader

	waitOnce sync.Once
	waitErr  error
}

// Options carries what differs between spawning one of the four fixed
// root roles and spawning a dynamically named Supervisor instance
// (section 4.10).
type Options struct {
	// Executable is argv[0] of the spawning process; the fork/spawn
	// layer always re-execs this same binary (section 4.4, "re-exec
	// argv[0] with a role subcommand").
	Executable string
	// ExtraArgs is appended after the uniform --control-in/--control-out
	// flags: empty for Logger, Leader and Ipc, and the
	// --executable/--max-starts/-- argv for a Supervisor instance.
	ExtraArgs []string
	// Setsid detaches the child into its own session and process group,
	// the way a Supervisor instance is spawned by the Launcher (section
	// 4.9): the payload it eventually owns must not share a controlling
	// terminal or process group with the fabric, so a signal delivered to
	// the fabric's group never reaches it directly.
	Setsid bool
}

type fdOwner interface {
	Fd() int
	Forget()
}

// attachExtraFile hands e's descriptor to cmd as the next ExtraFiles
// entry and returns the fd number the child will see it as: os/exec lays
// ExtraFiles out starting at 3, immediately after the child's own
// stdin/stdout/stderr.
func attachExtraFile(cmd *exec.Cmd, e fdOwner) int {
	f := os.NewFile(uintptr(e.Fd()), "")
	e.Forget()
	cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	return 2 + len(cmd.ExtraFiles)
}

func flagArg(name string, fd int) string {
	return fmt.Sprintf("%s=%d", name, fd)
}

// Spawn forks and re-execs opts.Executable with desc.Name as its first
// argument, wires up the control and standard-stream endpoints desc
// calls for, and returns once the child has started. It does not wait
// for the child to become ready; callers that need readiness use the
// Ipc handshake (section 4.8) or the Supervisor's own status reporting.
func Spawn(ctx context.Context, desc fabric.Descriptor, opts Options) (*ChildHandle, error) {
	// CommandContext gives every spawned role the "kill on drop" behavior
	// the original's ForkParams configured explicitly (original_source's
	// fork.rs, kill_on_drop(true)): canceling ctx kills the child if it
	// is still running.
	cmd := exec.CommandContext(ctx, opts.Executable)
	if opts.Setsid {
		// Mirrors mutagen-io-mutagen's process.DetachedProcessAttributes:
		// Setsid both drops the controlling terminal and puts the child in
		// a fresh process group, a single syscall covering both.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	h := &ChildHandle{cmd: cmd, Name: desc.Name}
	var closeAfterStart []*os.File
	var controlArgs []string

	if desc.Capabilities.HasControlIn {
		r, w, err := ioend.NewControl()
		if err != nil {
			return nil, err
		}
		fd := attachExtraFile(cmd, r)
		controlArgs = append(controlArgs, flagArg("--control-in", fd))
		cw, err := aio.NewControlWriter(w, desc.Name+"-control-in")
		if err != nil {
			return nil, err
		}
		h.ControlIn = cw
	}
	if desc.Capabilities.HasControlOut {
		r, w, err := ioend.NewControl()
		if err != nil {
			return nil, err
		}
		fd := attachExtraFile(cmd, w)
		controlArgs = append(controlArgs, flagArg("--control-out", fd))
		cr, err := aio.NewControlReader(r, desc.Name+"-control-out")
		if err != nil {
			return nil, err
		}
		h.ControlOut = cr
	}

	// The uniform --control-in/--control-out flags always come first, so
	// fabric.ParseControlFlags can consume them and hand the rest of the
	// argv to a role's own flag.FlagSet without either one needing to know
	// about the other's flag names. A "--" separates the two only when
	// there is a second flag set to separate them from (Supervisor is the
	// only role with ExtraArgs of its own).
	args := append([]string{desc.Name}, controlArgs...)
	if len(controlArgs) > 0 && len(opts.ExtraArgs) > 0 {
		args = append(args, "--")
	}
	args = append(args, opts.ExtraArgs...)
	cmd.Args = append([]string{opts.Executable}, args...)

	stdin, childClose, err := inputFile(desc.Stdio.Stdin, desc.Name+"-stdin", h)
	if err != nil {
		return nil, err
	}
	cmd.Stdin = stdin
	closeAfterStart = append(closeAfterStart, childClose...)

	stdout, childClose, err := outputFile(desc.Stdio.Stdout, os.Stdout, desc.Name+"-stdout", func(r *aio.PipeReader) { h.Stdout = r })
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdout
	closeAfterStart = append(closeAfterStart, childClose...)

	stderr, childClose, err := outputFile(desc.Stdio.Stderr, os.Stderr, desc.Name+"-stderr", func(r *aio.PipeReader) { h.Stderr = r })
	if err != nil {
		return nil, err
	}
	cmd.Stderr = stderr
	closeAfterStart = append(closeAfterStart, childClose...)

	if err := cmd.Start(); err != nil {
		return nil, verror.New(fabricerr.ErrSpawnFailed, nil, fmt.Sprintf("start %s: %v", desc.Name, err))
	}
	h.Pid = cmd.Process.Pid

	for _, f := range closeAfterStart {
		if err := f.Close(); err != nil {
			vlog.Errorf("spawnfab: closing parent copy of %s child fd: %v", desc.Name, err)
		}
	}
	for _, f := range cmd.ExtraFiles {
		if err := f.Close(); err != nil {
			vlog.Errorf("spawnfab: closing parent copy of %s extra fd: %v", desc.Name, err)
		}
	}

	return h, nil
}

// inputFile builds the *os.File to hand the child as stdin, returning any
// file the parent must close once Start has duplicated it into the
// child (section 4.1's drop-policy invariant applied across a fork).
func inputFile(mode fabric.StdioMode, who string, h *ChildHandle) (*os.File, []*os.File, error) {
	switch mode {
	case fabric.StdioInherit:
		return os.Stdin, nil, nil
	case fabric.StdioNull:
		f, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
		if err != nil {
			return nil, nil, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("open devnull: %v", err))
		}
		return f, []*os.File{f}, nil
	case fabric.StdioPiped:
		r, w, err := ioend.NewPipe()
		if err != nil {
			return nil, nil, err
		}
		pw, err := aio.NewPipeWriter(w, who)
		if err != nil {
			return nil, nil, err
		}
		h.Stdin = pw
		childFd := r.Fd()
		r.Forget()
		f := os.NewFile(uintptr(childFd), who)
		return f, []*os.File{f}, nil
	default:
		return nil, nil, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("unknown stdio mode %d", mode))
	}
}

// outputFile is the stdout/stderr counterpart of inputFile; inherited
// names which of the parent's own streams StdioInherit should use, and
// set assigns the parent's read end into the ChildHandle once it exists.
func outputFile(mode fabric.StdioMode, inherited *os.File, who string, set func(*aio.PipeReader)) (*os.File, []*os.File, error) {
	switch mode {
	case fabric.StdioInherit:
		return inherited, nil, nil
	case fabric.StdioNull:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("open devnull: %v", err))
		}
		return f, []*os.File{f}, nil
	case fabric.StdioPiped:
		r, w, err := ioend.NewPipe()
		if err != nil {
			return nil, nil, err
		}
		pr, err := aio.NewPipeReader(r, who)
		if err != nil {
			return nil, nil, err
		}
		set(pr)
		childFd := w.Fd()
		w.Forget()
		f := os.NewFile(uintptr(childFd), who)
		return f, []*os.File{f}, nil
	default:
		return nil, nil, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("unknown stdio mode %d", mode))
	}
}

// Wait blocks until the child exits, caching the result so repeated
// calls are cheap and safe from multiple goroutines.
func (h *ChildHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

// Kill sends SIGKILL to the child. Grounded on the teacher's
// ParentHandle.Kill, which treats "process already gone" as success.
func (h *ChildHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !isProcessDone(err) {
		return verror.New(fabricerr.ErrSpawnFailed, nil, fmt.Sprintf("kill %s (pid %d): %v", h.Name, h.Pid, err))
	}
	return nil
}

func isProcessDone(err error) bool {
	return err == os.ErrProcessDone
}
