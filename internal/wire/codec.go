package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"v.io/v23/verror"

	"github.com/bluejekyll/vermilionrc/internal/fabricerr"
)

// MaxEnvelopeSize bounds an encoded Envelope to the fixed receive buffer
// the message layer reads into (section 6: "The maximum envelope size is
// bounded by the receive buffer (1024 bytes in the current design)").
const MaxEnvelopeSize = 1024

// Encode serializes e into a compact binary blob: fixed-width integer
// fields written directly, strings as a 2-byte length prefix followed by
// their bytes. This mirrors the hand-rolled encoding lib/exec/parent.go
// uses for its own parent/child handshake (encodeString over
// encoding/binary) rather than a general-purpose codec, because the
// message layer needs a tight, predictably-sized format that fits inside
// one fixed datagram buffer — a general marshaler like encoding/gob
// includes type metadata, the savings of which the source's own child
// handshake implementation deliberately forgoes for the same reason.
func Encode(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, e.Metadata.Role); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, e.Metadata.RefPid); err != nil {
		return nil, wrapSerialization(err)
	}
	if err := binary.Write(&buf, binary.BigEndian, e.Metadata.SenderPid); err != nil {
		return nil, wrapSerialization(err)
	}
	if err := binary.Write(&buf, binary.BigEndian, e.Metadata.TargetPid); err != nil {
		return nil, wrapSerialization(err)
	}
	if err := buf.WriteByte(byte(e.Kind)); err != nil {
		return nil, wrapSerialization(err)
	}

	switch e.Kind {
	case KindCommand:
		if e.Command == nil {
			return nil, verror.New(fabricerr.ErrInvalidKind, nil, "command kind with nil Command")
		}
		if err := encodeCommand(&buf, *e.Command); err != nil {
			return nil, err
		}
	case KindCommandResponse:
		if e.CommandResponse == nil {
			return nil, verror.New(fabricerr.ErrInvalidKind, nil, "command-response kind with nil CommandResponse")
		}
		if err := encodeCommandResponse(&buf, *e.CommandResponse); err != nil {
			return nil, err
		}
	}

	if buf.Len() > MaxEnvelopeSize {
		return nil, verror.New(fabricerr.ErrSerialization, nil, fmt.Sprintf("encoded envelope is %d bytes, exceeds %d", buf.Len(), MaxEnvelopeSize))
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Envelope, error) {
	r := bytes.NewReader(data)
	var e Envelope

	role, err := readString(r)
	if err != nil {
		return Envelope{}, err
	}
	e.Metadata.Role = role
	if err := binary.Read(r, binary.BigEndian, &e.Metadata.RefPid); err != nil {
		return Envelope{}, wrapSerialization(err)
	}
	if err := binary.Read(r, binary.BigEndian, &e.Metadata.SenderPid); err != nil {
		return Envelope{}, wrapSerialization(err)
	}
	if err := binary.Read(r, binary.BigEndian, &e.Metadata.TargetPid); err != nil {
		return Envelope{}, wrapSerialization(err)
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Envelope{}, wrapSerialization(err)
	}
	e.Kind = Kind(kindByte)

	switch e.Kind {
	case KindCommand:
		cmd, err := decodeCommand(r)
		if err != nil {
			return Envelope{}, err
		}
		e.Command = &cmd
	case KindCommandResponse:
		resp, err := decodeCommandResponse(r)
		if err != nil {
			return Envelope{}, err
		}
		e.CommandResponse = &resp
	}
	return e, nil
}

func encodeCommand(buf *bytes.Buffer, c Command) error {
	if err := buf.WriteByte(byte(c.Op)); err != nil {
		return wrapSerialization(err)
	}
	var byName byte
	if c.Target.ByName {
		byName = 1
	}
	if err := buf.WriteByte(byName); err != nil {
		return wrapSerialization(err)
	}
	if err := writeString(buf, c.Target.Name); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, c.Target.Pid); err != nil {
		return wrapSerialization(err)
	}
	if err := writeString(buf, c.Executable); err != nil {
		return err
	}
	if err := writeString(buf, c.Argv); err != nil {
		return err
	}
	if err := buf.WriteByte(c.MaxStarts); err != nil {
		return wrapSerialization(err)
	}
	return nil
}

func decodeCommand(r *bytes.Reader) (Command, error) {
	var c Command
	opByte, err := r.ReadByte()
	if err != nil {
		return Command{}, wrapSerialization(err)
	}
	c.Op = CommandOp(opByte)
	byNameByte, err := r.ReadByte()
	if err != nil {
		return Command{}, wrapSerialization(err)
	}
	c.Target.ByName = byNameByte == 1
	name, err := readString(r)
	if err != nil {
		return Command{}, err
	}
	c.Target.Name = name
	if err := binary.Read(r, binary.BigEndian, &c.Target.Pid); err != nil {
		return Command{}, wrapSerialization(err)
	}
	executable, err := readString(r)
	if err != nil {
		return Command{}, err
	}
	c.Executable = executable
	argv, err := readString(r)
	if err != nil {
		return Command{}, err
	}
	c.Argv = argv
	maxStarts, err := r.ReadByte()
	if err != nil {
		return Command{}, wrapSerialization(err)
	}
	c.MaxStarts = maxStarts
	return c, nil
}

func encodeCommandResponse(buf *bytes.Buffer, resp CommandResponse) error {
	if err := writeString(buf, resp.ListItem.Name); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, resp.ListItem.Pid); err != nil {
		return wrapSerialization(err)
	}
	if err := buf.WriteByte(byte(resp.ListItem.Status)); err != nil {
		return wrapSerialization(err)
	}
	if err := binary.Write(buf, binary.BigEndian, resp.ListItem.Code); err != nil {
		return wrapSerialization(err)
	}
	return nil
}

func decodeCommandResponse(r *bytes.Reader) (CommandResponse, error) {
	var resp CommandResponse
	name, err := readString(r)
	if err != nil {
		return CommandResponse{}, err
	}
	resp.ListItem.Name = name
	if err := binary.Read(r, binary.BigEndian, &resp.ListItem.Pid); err != nil {
		return CommandResponse{}, wrapSerialization(err)
	}
	statusByte, err := r.ReadByte()
	if err != nil {
		return CommandResponse{}, wrapSerialization(err)
	}
	resp.ListItem.Status = Status(statusByte)
	if err := binary.Read(r, binary.BigEndian, &resp.ListItem.Code); err != nil {
		return CommandResponse{}, wrapSerialization(err)
	}
	return resp, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 1<<16-1 {
		return verror.New(fabricerr.ErrSerialization, nil, "string too long to encode")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return wrapSerialization(err)
	}
	if _, err := buf.WriteString(s); err != nil {
		return wrapSerialization(err)
	}
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var l uint16
	if err := binary.Read(r, binary.BigEndian, &l); err != nil {
		return "", wrapSerialization(err)
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", wrapSerialization(err)
	}
	return string(b), nil
}

func wrapSerialization(err error) error {
	return verror.New(fabricerr.ErrSerialization, nil, err.Error())
}
