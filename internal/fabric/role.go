// Package fabric defines the common role contract (section 4.5): a fixed
// name, a capability pair describing which control endpoints a role has,
// a standard-stream configuration, and the Run entry point the re-executed
// child enters after argument parsing.
package fabric

import (
	"context"

	"github.com/bluejekyll/vermilionrc/internal/aio"
)

// Capability records whether a role expects an inbound and/or outbound
// control channel, the {has-control-in?, has-control-out?} pair from
// section 4.5.
type Capability struct {
	HasControlIn  bool
	HasControlOut bool
}

// StdioMode is one of a child's three standard-stream configurations.
type StdioMode uint8

const (
	StdioInherit StdioMode = iota
	StdioPiped
	StdioNull
)

// StdioConfig names the configuration for stdin, stdout and stderr.
type StdioConfig struct {
	Stdin, Stdout, Stderr StdioMode
}

// RunContext is what the framework hands a role's Run method: the
// reconstructed async control endpoints (nil when the role's Capability
// says it doesn't have that channel) and the role-specific trailing argv.
type RunContext struct {
	ControlIn  *aio.ControlReader
	ControlOut *aio.ControlWriter
	Args       []string
}

// Role is the contract every one of the five fixed process identities
// implements.
type Role interface {
	Name() string
	Capabilities() Capability
	Stdio() StdioConfig
	Run(ctx context.Context, rc RunContext) error
}
