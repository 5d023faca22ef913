package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
)

// payload is the Supervisor's internal process wrapper, mirrored from the
// pack's edirooss-zmux-server processmgr.process: an idempotent
// Start/Close pair plus a Ready()/Done() channel pair, used here to give
// the restart loop a single, reusable per-attempt handle instead of
// juggling *exec.Cmd and its wait error directly. Ready fires once the
// payload has actually started (this role has no stdout readiness marker
// to wait for, unlike processmgr.process); Done fires once it has been
// reaped.
type payload struct {
	cmd *exec.Cmd

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once

	startOnce sync.Once
	startErr  error

	closeOnce sync.Once

	waitErr error
}

func newPayload(ctx context.Context, executable string, args []string) *payload {
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return &payload{
		cmd:   cmd,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the payload exactly once; later calls are no-ops that
// return the first call's result.
func (p *payload) Start() error {
	p.startOnce.Do(func() {
		p.startErr = p.cmd.Start()
		if p.startErr != nil {
			p.doneOnce.Do(func() { close(p.done) })
			return
		}
		p.readyOnce.Do(func() { close(p.ready) })
		go func() {
			p.waitErr = p.cmd.Wait()
			p.doneOnce.Do(func() { close(p.done) })
		}()
	})
	return p.startErr
}

// Ready closes once Start has launched the payload successfully.
func (p *payload) Ready() <-chan struct{} { return p.ready }

// Done closes once the payload has been reaped (or Start failed outright).
func (p *payload) Done() <-chan struct{} { return p.done }

// Wait blocks for Done and returns the cached exec.Cmd.Wait error.
func (p *payload) Wait() error {
	<-p.done
	return p.waitErr
}

// Close kills the payload if it is still running; idempotent and safe to
// call whether or not Start succeeded.
func (p *payload) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		if killErr := p.cmd.Process.Kill(); killErr != nil && killErr != os.ErrProcessDone {
			err = killErr
		}
	})
	return err
}
