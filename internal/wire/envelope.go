// Package wire implements the message layer described in section 4.3 of
// the specification: a typed, serialized envelope plus an optional single
// descriptor, framed as exactly one datagram across a control endpoint.
package wire

// Kind discriminates what an Envelope's payload means, and therefore
// whether it must carry exactly one attached descriptor.
type Kind uint8

const (
	KindReadPipeEnd Kind = iota
	KindWritePipeEnd
	KindReadControlEnd
	KindWriteControlEnd
	KindCommand
	KindCommandResponse
)

func (k Kind) String() string {
	switch k {
	case KindReadPipeEnd:
		return "read-pipe-end"
	case KindWritePipeEnd:
		return "write-pipe-end"
	case KindReadControlEnd:
		return "read-control-end"
	case KindWriteControlEnd:
		return "write-control-end"
	case KindCommand:
		return "command"
	case KindCommandResponse:
		return "command-response"
	default:
		return "unknown"
	}
}

// TransfersDescriptor reports whether this Kind requires exactly one
// attached descriptor, per the invariant in section 3: "whenever the kind
// denotes a transferred endpoint, exactly one descriptor MUST be attached;
// otherwise none."
func (k Kind) TransfersDescriptor() bool {
	switch k {
	case KindReadPipeEnd, KindWritePipeEnd, KindReadControlEnd, KindWriteControlEnd:
		return true
	default:
		return false
	}
}

// NoPid marks an optional process-id field in Metadata as absent. Real
// pids are always positive, so -1 is an unambiguous sentinel without
// reaching for *int32.
const NoPid int32 = -1

// Metadata carries the envelope's addressing information: the logical
// role name the message concerns (if any; for a forwarded endpoint or a
// registration it names the process RefPid refers to, not necessarily
// the sender), the pid of whatever process the
// payload itself refers to (e.g. the source of a forwarded log pipe), the
// sender's own pid, and the intended recipient's pid.
type Metadata struct {
	Role      string
	RefPid    int32
	SenderPid int32
	TargetPid int32
}

// Envelope is the serializable part of a Message: metadata plus a kind.
// The attached descriptor, when present, travels out-of-band as SCM_RIGHTS
// ancillary data and is therefore not part of the encoded bytes.
type Envelope struct {
	Metadata        Metadata
	Kind            Kind
	Command         *Command
	CommandResponse *CommandResponse
}
