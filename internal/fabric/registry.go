package fabric

// Fixed role names, used both as CLI subcommands and as the logical role
// name carried in message Metadata.
const (
	RoleInit       = "init"
	RoleLogger     = "logger"
	RoleLeader     = "leader"
	RoleLauncher   = "launcher"
	RoleIpc        = "ipc"
	RoleSupervisor = "supervisor"
)

// Descriptor is the static (capability, stdio) shape of a role, known
// before the role itself ever runs — the Init sequencer and the Fork/spawn
// layer need it to set up pipes and control pairs before exec'ing the
// child that will eventually claim them.
type Descriptor struct {
	Name         string
	Capabilities Capability
	Stdio        StdioConfig
}

var (
	LoggerDescriptor = Descriptor{
		Name:         RoleLogger,
		Capabilities: Capability{HasControlIn: true},
		Stdio:        StdioConfig{Stdin: StdioNull, Stdout: StdioInherit, Stderr: StdioInherit},
	}
	LeaderDescriptor = Descriptor{
		Name:         RoleLeader,
		Capabilities: Capability{HasControlOut: true},
		Stdio:        StdioConfig{Stdin: StdioInherit, Stdout: StdioPiped, Stderr: StdioPiped},
	}
	LauncherDescriptor = Descriptor{
		Name:         RoleLauncher,
		Capabilities: Capability{HasControlIn: true, HasControlOut: true},
		Stdio:        StdioConfig{Stdin: StdioInherit, Stdout: StdioPiped, Stderr: StdioPiped},
	}
	IpcDescriptor = Descriptor{
		Name:         RoleIpc,
		Capabilities: Capability{HasControlIn: true, HasControlOut: true},
		Stdio:        StdioConfig{Stdin: StdioPiped, Stdout: StdioPiped, Stderr: StdioPiped},
	}
	SupervisorDescriptor = Descriptor{
		Name:         RoleSupervisor,
		Capabilities: Capability{HasControlIn: true},
		Stdio:        StdioConfig{Stdin: StdioInherit, Stdout: StdioPiped, Stderr: StdioPiped},
	}
)

// RootDescriptors returns the four root roles in spawn order, mirroring
// the fixed order the Init sequencer uses (section 4.11): Logger, Leader,
// Launcher, Ipc.
// Supervisor is omitted since it is spawned dynamically by the Launcher,
// not by Init.
func RootDescriptors() []Descriptor {
	return []Descriptor{LoggerDescriptor, LeaderDescriptor, LauncherDescriptor, IpcDescriptor}
}
