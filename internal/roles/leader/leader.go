// Package leader implements the Leader role (section 4.7): the only
// component permitted to originate commands, and the sole bridge between
// a human operator's external Unix-domain stream socket and the internal
// control fabric.
package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/bluejekyll/vermilionrc/internal/aio"
	"github.com/bluejekyll/vermilionrc/internal/fabric"
	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
	"github.com/bluejekyll/vermilionrc/internal/ioend"
	"github.com/bluejekyll/vermilionrc/internal/wire"
)

// DefaultSocketPath is the fixed filesystem path named in section 4.7.
const DefaultSocketPath = "/tmp/vermilion.ctl"

// dispatchCapacity is the bounded dispatcher channel's capacity, section
// 4.7: "forwards each as a message... into a single dispatcher task"
// "through a bounded channel (capacity 3)".
const dispatchCapacity = 3

// Role is the Leader's fabric.Role implementation. The external wire
// framing (Open Question (a) in spec.md section 9) is resolved here as
// one JSON object request per connection, one JSON object per response
// item, chosen because it needs no schema registry for this single-shot
// request/response shape and keeps the framing decision entirely local
// to this package.
type Role struct {
	SocketPath string
}

func (Role) Name() string { return fabric.RoleLeader }

func (Role) Capabilities() fabric.Capability {
	return fabric.Capability{HasControlOut: true}
}

func (Role) Stdio() fabric.StdioConfig {
	return fabric.StdioConfig{Stdin: fabric.StdioInherit, Stdout: fabric.StdioPiped, Stderr: fabric.StdioPiped}
}

type request struct {
	cmd     wire.Command
	results chan wire.ListItem
	errc    chan error
}

func (r Role) Run(ctx context.Context, rc fabric.RunContext) error {
	path := r.SocketPath
	if path == "" {
		path = DefaultSocketPath
	}

	// Stale socket cleanup, required by section 5: "MUST be removed on
	// Leader shutdown (and at Leader startup if stale)".
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return verror.New(fabricerr.ErrResourceExhausted, nil, fmt.Sprintf("listen on %s: %v", path, err))
	}
	defer os.Remove(path)
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	reqs := make(chan request, dispatchCapacity)
	go dispatch(ctx, rc.ControlOut, reqs)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			vlog.Errorf("leader: accept: %v", err)
			continue
		}
		go handleConn(ctx, conn, reqs)
	}
}

type externalCommand struct {
	Op         string `json:"op"`
	TargetName string `json:"target_name,omitempty"`
	TargetPid  *int32 `json:"target_pid,omitempty"`
}

type externalListItem struct {
	Name   string `json:"name"`
	Pid    int32  `json:"pid"`
	Status string `json:"status"`
	Code   int32  `json:"code"`
}

func parseOp(s string) (wire.CommandOp, error) {
	for _, op := range []wire.CommandOp{
		wire.CommandInit, wire.CommandStart, wire.CommandStop,
		wire.CommandRestart, wire.CommandStatus, wire.CommandList,
	} {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown command op %q", s)
}

// handleConn parses exactly one command off conn, per section 4.7: "Each
// accepted connection is handled by a cooperative task that parses
// exactly one command".
func handleConn(ctx context.Context, conn net.Conn, reqs chan<- request) {
	defer conn.Close()

	// correlationID ties together this connection's decode/dispatch/
	// encode log lines, the same request-scoped identifier idiom
	// edirooss-zmux-server's request_id middleware uses for HTTP
	// requests, applied here to one accepted external connection.
	correlationID := uuid.NewString()

	var ext externalCommand
	if err := json.NewDecoder(conn).Decode(&ext); err != nil {
		vlog.Errorf("leader[%s]: decoding external command: %v", correlationID, err)
		return
	}
	op, err := parseOp(ext.Op)
	if err != nil {
		vlog.Errorf("leader[%s]: %v", correlationID, err)
		return
	}
	target := wire.TargetByName(ext.TargetName)
	if ext.TargetPid != nil {
		target = wire.TargetByPid(*ext.TargetPid)
	}

	req := request{
		cmd:     wire.Command{Op: op, Target: target},
		results: make(chan wire.ListItem, dispatchCapacity),
		errc:    make(chan error, 1),
	}

	select {
	case reqs <- req:
	case <-ctx.Done():
		return
	}

	enc := json.NewEncoder(conn)
	for item := range req.results {
		ext := externalListItem{Name: item.Name, Pid: item.Pid, Status: item.Status.String(), Code: item.Code}
		if err := enc.Encode(ext); err != nil {
			vlog.Errorf("leader[%s]: writing response: %v", correlationID, err)
			return
		}
	}
	if err := <-req.errc; err != nil {
		vlog.Errorf("leader[%s]: dispatch: %v", correlationID, err)
	}
}

// dispatch is the single serializing task described in section 4.7. For
// each request it sends the command followed immediately by a
// write-control-end response channel, per section 4.8's in-order pair
// requirement, then drains the response channel into req.results.
func dispatch(ctx context.Context, out *aio.ControlWriter, reqs <-chan request) {
	pid := int32(os.Getpid())
	for {
		var req request
		select {
		case req = <-reqs:
		case <-ctx.Done():
			return
		}
		if err := dispatchOne(ctx, out, pid, req); err != nil {
			req.errc <- err
		} else {
			req.errc <- nil
		}
		close(req.results)
	}
}

func dispatchOne(ctx context.Context, out *aio.ControlWriter, pid int32, req request) error {
	cmdMsg, err := wire.NewCommandMessage(wire.Metadata{SenderPid: pid, RefPid: wire.NoPid, TargetPid: wire.NoPid}, req.cmd)
	if err != nil {
		return err
	}
	if err := cmdMsg.Send(ctx, out); err != nil {
		return err
	}

	respRead, respWrite, err := ioend.NewControl()
	if err != nil {
		return err
	}
	chanMsg, err := wire.NewWriteControlEndMessage(wire.Metadata{SenderPid: pid, RefPid: wire.NoPid, TargetPid: wire.NoPid}, respWrite)
	if err != nil {
		respRead.Close()
		return err
	}
	if err := chanMsg.Send(ctx, out); err != nil {
		respRead.Close()
		return err
	}

	respReader, err := aio.NewControlReader(respRead, "leader-response")
	if err != nil {
		return err
	}
	defer respReader.Close()

	for {
		msg, err := wire.Receive(ctx, respReader)
		if err != nil {
			if verror.ErrorID(err) == fabricerr.ErrPeerClosed.ID {
				return nil
			}
			return err
		}
		resp, err := msg.TakeCommandResponse()
		if err != nil {
			vlog.Errorf("leader: malformed response: %v", err)
			continue
		}
		select {
		case req.results <- resp.ListItem:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
