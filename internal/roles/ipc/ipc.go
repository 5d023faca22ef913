// Package ipc implements the Ipc role (section 4.8): the switchboard
// that learns the identity of Logger, Leader and Launcher through a
// fixed three-message handshake, then multiplexes commands from the
// Leader and supervisor registrations from the Launcher against a
// pid/name-keyed registry.
package ipc

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
	"github.com/bluejekyll/vermilionrc/internal/ioend"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// Role is the Ipc's fabric.Role implementation.
type Role struct{}

func (Role) Name() string { return fabric.RoleIpc }

func (Role) Capabilities() fabric.Capability {
	return fabric.Capability{HasControlIn: true, HasControlOut: true}
}

func (Role) Stdio() fabric.StdioConfig {
	return fabric.StdioConfig{Stdin: fabric.StdioPiped, Stdout: fabric.StdioPiped, Stderr: fabric.StdioPiped}
}

// entry is the Ipc's Role descriptor table (section 3): one per
// supervised child, keyed by both pid and name.
type entry struct {
	pid      int32
	name     string
	writeCtl *aio.ControlWriter
	status   wire.Status
}

type state struct {
	ipcPid          int32
	loggerCtl       *aio.ControlWriter
	leaderCtl       *aio.ControlReader
	launcherCtl     *aio.ControlWriter
	registrationCtl *aio.ControlReader
	leaderPid       int32
	launcherPid     int32

	byPid  map[int32]*entry
	byName map[string]*entry
}

func (r Role) Run(ctx context.Context, rc fabric.RunContext) error {
	s, err := handshake(ctx, rc.ControlIn)
	if err != nil {
		return err
	}
	s.ipcPid = int32(os.Getpid())
	return s.steadyState(ctx)
}

// handshake reads exactly three messages in the fixed order Logger,
// Leader, Launcher (section 4.8). A mismatch in role, direction or
// order fails with ErrHandshakeFailed before the next message is ever
// read, matching section 8 scenario 2.
//
// A fourth message follows the three identity-establishing ones: the
// Launcher's own control-out (the channel it actually publishes
// registrations on), forwarded by Init the same way it forwarded the
// handshake endpoints. Section 4.8 describes the Ipc's "own control-in"
// as the source of registration notifications; since the fixed
// three-message handshake is explicitly closed at three messages, the
// channel Init retains after spawning the Launcher (its control-out,
// a read-control-end) is handed across as this fourth message rather
// than silently overloading the handshake channel.
func handshake(ctx context.Context, in *aio.ControlReader) (*state, error) {
	s := &state{byPid: map[int32]*entry{}, byName: map[string]*entry{}}

	loggerMsg, err := wire.Receive(ctx, in)
	if err != nil {
		return nil, err
	}
	if loggerMsg.Envelope.Metadata.Role != fabric.RoleLogger || loggerMsg.Envelope.Kind != wire.KindWriteControlEnd {
		return nil, handshakeErr(loggerMsg.Envelope.Metadata.Role, fabric.RoleLogger)
	}
	loggerEnd, err := loggerMsg.TakeWriteControlEnd()
	if err != nil {
		return nil, err
	}
	s.loggerCtl, err = aio.NewControlWriter(loggerEnd, "ipc-logger-ctl")
	if err != nil {
		return nil, err
	}

	leaderMsg, err := wire.Receive(ctx, in)
	if err != nil {
		return nil, err
	}
	if leaderMsg.Envelope.Metadata.Role != fabric.RoleLeader || leaderMsg.Envelope.Kind != wire.KindReadControlEnd {
		return nil, handshakeErr(leaderMsg.Envelope.Metadata.Role, fabric.RoleLeader)
	}
	leaderEnd, err := leaderMsg.TakeReadControlEnd()
	if err != nil {
		return nil, err
	}
	s.leaderCtl, err = aio.NewControlReader(leaderEnd, "ipc-leader-ctl")
	if err != nil {
		return nil, err
	}
	s.leaderPid = leaderMsg.Envelope.Metadata.SenderPid

	launcherMsg, err := wire.Receive(ctx, in)
	if err != nil {
		return nil, err
	}
	if launcherMsg.Envelope.Metadata.Role != fabric.RoleLauncher || launcherMsg.Envelope.Kind != wire.KindWriteControlEnd {
		return nil, handshakeErr(launcherMsg.Envelope.Metadata.Role, fabric.RoleLauncher)
	}
	launcherEnd, err := launcherMsg.TakeWriteControlEnd()
	if err != nil {
		return nil, err
	}
	s.launcherCtl, err = aio.NewControlWriter(launcherEnd, "ipc-launcher-ctl")
	if err != nil {
		return nil, err
	}
	s.launcherPid = launcherMsg.Envelope.Metadata.SenderPid

	regMsg, err := wire.Receive(ctx, in)
	if err != nil {
		return nil, err
	}
	if regMsg.Envelope.Kind != wire.KindReadControlEnd {
		return nil, handshakeErr(regMsg.Envelope.Metadata.Role, "launcher-registration-channel")
	}
	regEnd, err := regMsg.TakeReadControlEnd()
	if err != nil {
		return nil, err
	}
	s.registrationCtl, err = aio.NewControlReader(regEnd, "ipc-registration-ctl")
	if err != nil {
		return nil, err
	}

	return s, nil
}

func handshakeErr(got, want string) error {
	if got == "" {
		got = "<unknown>"
	}
	return verror.New(fabricerr.ErrHandshakeFailed, nil, fmt.Sprintf("wrong process: %s (expected %s)", got, want))
}

type leaderRequest struct {
	cmd  wire.Command
	resp *aio.ControlWriter
}

// steadyState multiplexes the two ingress sources named in section 4.8:
// the Leader's command/response-channel pairs, and the dedicated
// registration channel forwarded from the Launcher during the handshake.
// The two ingress loops run under an errgroup.WithContext: either one
// returning a non-nil error cancels gctx for its sibling and for this
// dispatch loop, the same first-error-cancels-the-rest shape
// internal/initseq uses for root-role supervision.
func (s *state) steadyState(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	leaderCmds := make(chan leaderRequest)
	regs := make(chan *entry)

	g.Go(func() error { return s.leaderLoop(gctx, leaderCmds) })
	g.Go(func() error { return s.registrationLoop(gctx, s.registrationCtl, regs) })

dispatch:
	for {
		select {
		case <-gctx.Done():
			break dispatch
		case req := <-leaderCmds:
			s.handleCommand(gctx, req)
		case e := <-regs:
			s.register(e)
		}
	}

	return g.Wait()
}

func (s *state) register(e *entry) {
	s.byPid[e.pid] = e
	s.byName[e.name] = e
}

// leaderLoop reads the Leader's command followed immediately by its
// write-control-end response channel (section 4.8's in-order-pair
// requirement) and forwards the pair to the dispatcher loop. A nil
// return means clean shutdown (ctx canceled or the Leader closed its
// end); this loop never returns a non-nil error today, but reports
// through the same error-returning shape its sibling registrationLoop
// uses so both can run under one errgroup.
func (s *state) leaderLoop(ctx context.Context, out chan<- leaderRequest) error {
	for {
		cmdMsg, err := wire.Receive(ctx, s.leaderCtl)
		if err != nil {
			if ctx.Err() != nil || verror.ErrorID(err) == fabricerr.ErrPeerClosed.ID {
				return nil
			}
			vlog.Errorf("ipc: reading command from leader: %v", err)
			continue
		}
		if !s.expectSender(cmdMsg.Envelope.Metadata.SenderPid, s.leaderPid, "leader") {
			cmdMsg.Discard()
			continue
		}
		cmd, err := cmdMsg.TakeCommand()
		if err != nil {
			vlog.Errorf("ipc: malformed leader command: %v", err)
			continue
		}

		chanMsg, err := wire.Receive(ctx, s.leaderCtl)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			vlog.Errorf("ipc: reading leader response channel: %v", err)
			continue
		}
		if !s.expectSender(chanMsg.Envelope.Metadata.SenderPid, s.leaderPid, "leader") {
			chanMsg.Discard()
			continue
		}
		respEnd, err := chanMsg.TakeWriteControlEnd()
		if err != nil {
			vlog.Errorf("ipc: leader did not send a response channel: %v", err)
			continue
		}
		respWriter, err := aio.NewControlWriter(respEnd, "ipc-command-response")
		if err != nil {
			vlog.Errorf("ipc: adopting leader response channel: %v", err)
			continue
		}

		select {
		case out <- leaderRequest{cmd: *cmd, resp: respWriter}:
		case <-ctx.Done():
			return nil
		}
	}
}

// registrationLoop reads Launcher registration messages off in (the
// registration channel received as the handshake's fourth message, not
// the Ipc's own control-in), each carrying a newly spawned Supervisor's pid (as
// Metadata.RefPid), logical name (as Metadata.Role) and write-control-end.
func (s *state) registrationLoop(ctx context.Context, in *aio.ControlReader, out chan<- *entry) error {
	for {
		msg, err := wire.Receive(ctx, in)
		if err != nil {
			if ctx.Err() != nil || verror.ErrorID(err) == fabricerr.ErrPeerClosed.ID {
				return nil
			}
			vlog.Errorf("ipc: reading registration: %v", err)
			continue
		}
		if !s.expectSender(msg.Envelope.Metadata.SenderPid, s.launcherPid, "launcher") {
			msg.Discard()
			continue
		}
		we, err := msg.TakeWriteControlEnd()
		if err != nil {
			vlog.Errorf("ipc: malformed registration: %v", err)
			continue
		}
		writer, err := aio.NewControlWriter(we, "ipc-supervisor-ctl")
		if err != nil {
			vlog.Errorf("ipc: adopting supervisor control end: %v", err)
			continue
		}
		e := &entry{
			pid:      msg.Envelope.Metadata.RefPid,
			name:     msg.Envelope.Metadata.Role,
			writeCtl: writer,
			status:   wire.StatusStarting,
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return nil
		}
	}
}

// expectSender implements the verify_pid policy (Open Question (c) in
// spec.md section 9): reject on any mismatch, no tolerance window.
func (s *state) expectSender(got, want int32, peer string) bool {
	if got != want {
		vlog.Errorf("ipc: protocol error: message claims sender pid %d, expected %s pid %d", got, peer, want)
		return false
	}
	return true
}

func (s *state) lookup(t wire.Target) *entry {
	if t.ByName {
		return s.byName[t.Name]
	}
	return s.byPid[t.Pid]
}

// handleCommand implements section 4.8's command routing: List fans out
// the registry itself (supervisors do not push live status, so the
// registry's last-known status is authoritative); Init — which names a
// not-yet-running child and carries launch-spec fields — always goes to
// the Launcher, the only role that knows how to spawn a Supervisor
// (section 4.9); every other command addresses an already-registered
// child directly by pid or name.
func (s *state) handleCommand(ctx context.Context, req leaderRequest) {
	if req.cmd.Op == wire.CommandList {
		for _, e := range s.byPid {
			respMsg, err := wire.NewCommandResponseMessage(
				wire.Metadata{SenderPid: s.ipcPid, RefPid: wire.NoPid, TargetPid: wire.NoPid},
				wire.CommandResponse{ListItem: wire.ListItem{Name: e.name, Pid: e.pid, Status: e.status}},
			)
			if err != nil {
				vlog.Errorf("ipc: building list item: %v", err)
				continue
			}
			if err := respMsg.Send(ctx, req.resp); err != nil {
				vlog.Errorf("ipc: sending list item: %v", err)
				break
			}
		}
		req.resp.Close()
		return
	}

	if req.cmd.Op == wire.CommandInit {
		s.forwardAndRelay(ctx, s.launcherCtl, req, s.launcherPid, fabric.RoleLauncher)
		return
	}

	target := s.lookup(req.cmd.Target)
	if target == nil {
		vlog.Errorf("ipc: command targets unknown child: %+v", req.cmd.Target)
		req.resp.Close()
		return
	}
	s.forwardAndRelay(ctx, target.writeCtl, req, target.pid, target.name)
}

// forwardAndRelay sends req.cmd plus a fresh response channel to writer,
// then relays whatever single response comes back on to req.resp. This is
// the same in-order command-then-response-channel pair the Leader sends
// the Ipc (section 4.8), one level further down the tree.
func (s *state) forwardAndRelay(ctx context.Context, writer *aio.ControlWriter, req leaderRequest, targetPid int32, targetName string) {
	fwd, err := wire.NewCommandMessage(wire.Metadata{SenderPid: s.ipcPid, RefPid: wire.NoPid, TargetPid: targetPid}, req.cmd)
	if err != nil {
		vlog.Errorf("ipc: building forwarded command: %v", err)
		req.resp.Close()
		return
	}
	if err := fwd.Send(ctx, writer); err != nil {
		vlog.Errorf("ipc: forwarding command to %s: %v", targetName, err)
		req.resp.Close()
		return
	}

	r, w, err := ioend.NewControl()
	if err != nil {
		vlog.Errorf("ipc: allocating forward response channel: %v", err)
		req.resp.Close()
		return
	}
	chanMsg, err := wire.NewWriteControlEndMessage(wire.Metadata{SenderPid: s.ipcPid, RefPid: wire.NoPid, TargetPid: targetPid}, w)
	if err != nil {
		r.Close()
		req.resp.Close()
		return
	}
	if err := chanMsg.Send(ctx, writer); err != nil {
		vlog.Errorf("ipc: sending forward response channel: %v", err)
		r.Close()
		req.resp.Close()
		return
	}

	reader, err := aio.NewControlReader(r, "ipc-forward-response")
	if err != nil {
		req.resp.Close()
		return
	}
	go func() {
		defer reader.Close()
		defer req.resp.Close()
		msg, err := wire.Receive(ctx, reader)
		if err != nil {
			return
		}
		resp, err := msg.TakeCommandResponse()
		if err != nil {
			return
		}
		relay, err := wire.NewCommandResponseMessage(wire.Metadata{SenderPid: s.ipcPid, RefPid: wire.NoPid, TargetPid: wire.NoPid}, *resp)
		if err != nil {
			return
		}
		_ = relay.Send(ctx, req.resp)
	}()
}
