package main

import "testing"

func TestRunMissingSubcommand(t *testing.T) {
	if got := run([]string{"vermilion"}); got != exitMissingSubcommand {
		t.Errorf("run with no subcommand: got exit %d, want %d", got, exitMissingSubcommand)
	}
}

func TestRunUnknownSubcommand(t *testing.T) {
	if got := run([]string{"vermilion", "bogus"}); got != exitUnknownSubcommand {
		t.Errorf("run with unknown subcommand: got exit %d, want %d", got, exitUnknownSubcommand)
	}
}

// TestRunRoleRejectsMismatchedCapabilities exercises the failure path
// shared by every logger/leader/launcher/ipc dispatch: a role invoked
// without the control descriptors its Capability requires reports a
// fabric failure rather than panicking or blocking.
func TestRunRoleRejectsMismatchedCapabilities(t *testing.T) {
	if got := run([]string{"vermilion", "logger"}); got != exitFabricFailure {
		t.Errorf("logger with no --control-in: got exit %d, want %d", got, exitFabricFailure)
	}
	if got := run([]string{"vermilion", "leader"}); got != exitFabricFailure {
		t.Errorf("leader with no --control-out: got exit %d, want %d", got, exitFabricFailure)
	}
}

func TestRunSupervisorRequiresExecutable(t *testing.T) {
	if got := run([]string{"vermilion", "supervisor", "--control-in=3"}); got != exitFabricFailure {
		t.Errorf("supervisor without --executable: got exit %d, want %d", got, exitFabricFailure)
	}
}
