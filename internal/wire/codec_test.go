package wire

import "testing"

func TestRoundTripCommand(t *testing.T) {
	e := Envelope{
		Metadata: Metadata{Role: "leader", RefPid: NoPid, SenderPid: 123, TargetPid: 456},
		Kind:     KindCommand,
		Command: &Command{
			Op:     CommandStart,
			Target: TargetByName("a"),
		},
	}
	data, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Metadata != e.Metadata {
		t.Errorf("metadata mismatch: got %+v, want %+v", got.Metadata, e.Metadata)
	}
	if got.Kind != e.Kind {
		t.Errorf("kind mismatch: got %v, want %v", got.Kind, e.Kind)
	}
	if *got.Command != *e.Command {
		t.Errorf("command mismatch: got %+v, want %+v", *got.Command, *e.Command)
	}
}

func TestRoundTripCommandResponse(t *testing.T) {
	e := Envelope{
		Metadata: Metadata{SenderPid: 1, RefPid: NoPid, TargetPid: NoPid},
		Kind:     KindCommandResponse,
		CommandResponse: &CommandResponse{
			ListItem: ListItem{Name: "b", Pid: 200, Status: StatusRunning, Code: 0},
		},
	}
	data, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *got.CommandResponse != *e.CommandResponse {
		t.Errorf("response mismatch: got %+v, want %+v", *got.CommandResponse, *e.CommandResponse)
	}
}

func TestRoundTripTargetByPid(t *testing.T) {
	e := Envelope{
		Metadata: Metadata{SenderPid: 1, RefPid: NoPid, TargetPid: NoPid},
		Kind:     KindCommand,
		Command:  &Command{Op: CommandStop, Target: TargetByPid(777)},
	}
	data, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Command.Target.ByName {
		t.Errorf("expected ByName=false")
	}
	if got.Command.Target.Pid != 777 {
		t.Errorf("got pid %d, want 777", got.Command.Target.Pid)
	}
}

func TestRoundTripCommandLaunchSpec(t *testing.T) {
	e := Envelope{
		Metadata: Metadata{Role: "launcher", RefPid: NoPid, SenderPid: 1, TargetPid: NoPid},
		Kind:     KindCommand,
		Command: &Command{
			Op:         CommandInit,
			Target:     TargetByName("worker-a"),
			Executable: "/usr/bin/worker",
			Argv:       "--flag" + ArgvSeparator + "value",
			MaxStarts:  3,
		},
	}
	data, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *got.Command != *e.Command {
		t.Errorf("command mismatch: got %+v, want %+v", *got.Command, *e.Command)
	}
}

func TestEncodeListKindNoPayload(t *testing.T) {
	e := Envelope{
		Metadata: Metadata{SenderPid: 1, RefPid: NoPid, TargetPid: NoPid},
		Kind:     KindCommand,
		Command:  &Command{Op: CommandList},
	}
	if _, err := Encode(e); err != nil {
		t.Fatalf("Encode: %v", err)
	}
}
