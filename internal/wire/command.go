package wire

// CommandOp is the verb of a Command, per section 3: "One of {Init(target),
// Start(target), Stop(target), Restart(target), Status(target), List}."
type CommandOp uint8

const (
	CommandInit CommandOp = iota
	CommandStart
	CommandStop
	CommandRestart
	CommandStatus
	CommandList
)

func (op CommandOp) String() string {
	switch op {
	case CommandInit:
		return "init"
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandRestart:
		return "restart"
	case CommandStatus:
		return "status"
	case CommandList:
		return "list"
	default:
		return "unknown"
	}
}

// Target identifies which supervised child a Command addresses, either by
// its logical role/registration name or by its numeric pid. List ignores
// Target entirely.
type Target struct {
	ByName bool
	Name   string
	Pid    int32
}

func TargetByName(name string) Target { return Target{ByName: true, Name: name} }
func TargetByPid(pid int32) Target    { return Target{ByName: false, Pid: pid} }

// ArgvSeparator joins a Supervisor's argv into Command.Argv's single
// string field, since the hand-rolled codec needs every Command field to
// stay fixed-shape and comparable (no slices) to keep the envelope's
// round-trip equality checks simple.
const ArgvSeparator = "\x00"

// Command is the Leader-originated instruction forwarded through the Ipc
// to a supervised child's Supervisor. Executable, Argv and MaxStarts are
// only meaningful on an Init/Start directive that names a not-yet-running
// child (section 4.9's "on each Init/Start directive, spawn a Supervisor
// child configured with the target executable and arguments"); they are
// the zero value otherwise.
type Command struct {
	Op     CommandOp
	Target Target

	Executable string
	Argv       string
	MaxStarts  uint8
}

// Status is the Supervisor's self-reported lifecycle state, per section
// 4.10.
type Status uint8

const (
	StatusStarting Status = iota
	StatusRunning
	StatusExited
	StatusCrashed
	StatusRestarting
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusCrashed:
		return "crashed"
	case StatusRestarting:
		return "restarting"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ListItem is the one CommandResponse variant described in section 3: "a
// list item {name, id, status}".
type ListItem struct {
	Name   string
	Pid    int32
	Status Status
	// Code carries the exit code for StatusExited, or the signal number
	// for StatusCrashed (-1 when neither is known, e.g. the payload failed
	// to start). StatusRestarting keeps the code of the attempt that just
	// ended; the other statuses carry 0.
	Code int32
}

// CommandResponse wraps the (currently singular) response payload kind.
type CommandResponse struct {
	ListItem ListItem
}
