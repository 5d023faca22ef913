package fabric

import (
	"flag"
	"fmt"

	"v.io/v23/verror"

	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
)

// noFD marks a --control-in/--control-out flag as not passed.
const noFD = -1

// ControlFlags is what every re-executed role subcommand parses before
// doing anything else: the raw descriptor numbers the parent reconstructed
// for it on the argv (section 4.4, step 3), plus whatever role-specific
// flags and trailing argv followed.
type ControlFlags struct {
	ControlInFd  int
	HasControlIn bool
	ControlOutFd int
	HasControlOut bool
	Rest         []string
}

// ParseControlFlags parses the uniform --control-in=<fd> / --control-out=<fd>
// flags described in section 4.5 ("The framework parses control-in /
// control-out flags uniformly"). A full CLI framework (help text, version
// strings) is out of scope per section 1; this is deliberately the
// smallest possible flag.FlagSet, the same minimal use of the standard
// "flag" package the teacher's lib/modules/shell.go makes.
func ParseControlFlags(name string, args []string) (ControlFlags, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	controlIn := fs.Int("control-in", noFD, "inherited raw descriptor number for the inbound control channel")
	controlOut := fs.Int("control-out", noFD, "inherited raw descriptor number for the outbound control channel")
	if err := fs.Parse(args); err != nil {
		return ControlFlags{}, fs, verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("parse flags: %v", err))
	}
	return ControlFlags{
		ControlInFd:   *controlIn,
		HasControlIn:  *controlIn != noFD,
		ControlOutFd:  *controlOut,
		HasControlOut: *controlOut != noFD,
		Rest:          fs.Args(),
	}, fs, nil
}

// Validate checks the parsed flags against a role's declared capabilities.
func (f ControlFlags) Validate(caps Capability) error {
	if caps.HasControlIn != f.HasControlIn {
		return verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("role requires control-in=%v, got %v", caps.HasControlIn, f.HasControlIn))
	}
	if caps.HasControlOut != f.HasControlOut {
		return verror.New(fabricerr.ErrProtocol, nil, fmt.Sprintf("role requires control-out=%v, got %v", caps.HasControlOut, f.HasControlOut))
	}
	return nil
}
