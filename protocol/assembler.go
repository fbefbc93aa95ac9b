// File: protocol/assembler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "unicode/utf8"

// Message is a complete data message or a control frame.
type Message struct {
	Opcode  byte
	Payload []byte
}

// Assembler joins fragmented data frames. Control frames may arrive between
// fragments and are passed through untouched.
type Assembler struct {
	max    int
	op     byte
	buf    []byte
	active bool
}

// NewAssembler creates an assembler that rejects messages above max bytes.
func NewAssembler(max int) *Assembler {
	if max <= 0 {
		max = MaxMessageSize
	}
	return &Assembler{max: max}
}

// Push feeds one frame. It returns a message once one is complete, nil
// while fragments are pending, or a *CloseError on a sequencing violation.
func (a *Assembler) Push(f *Frame) (*Message, error) {
	if IsControl(f.Opcode) {
		return &Message{Opcode: f.Opcode, Payload: f.Payload}, nil
	}

	switch {
	case f.Opcode == OpcodeContinuation && !a.active:
		return nil, &CloseError{Code: CloseProtocolError, Reason: "continuation without start"}
	case f.Opcode != OpcodeContinuation && a.active:
		return nil, &CloseError{Code: CloseProtocolError, Reason: "new message inside fragmented message"}
	case f.Opcode != OpcodeContinuation:
		a.op = f.Opcode
		a.buf = a.buf[:0]
		a.active = true
	}

	if len(a.buf)+len(f.Payload) > a.max {
		a.reset()
		return nil, &CloseError{Code: CloseMessageTooBig, Reason: "message exceeds limit"}
	}
	a.buf = append(a.buf, f.Payload...)
	if !f.IsFinal {
		return nil, nil
	}

	msg := &Message{Opcode: a.op, Payload: append([]byte(nil), a.buf...)}
	a.reset()
	if msg.Opcode == OpcodeText && !utf8.Valid(msg.Payload) {
		return nil, &CloseError{Code: CloseInvalidPayloadData, Reason: "invalid utf-8 in text message"}
	}
	return msg, nil
}

// Pending returns the number of buffered fragment bytes.
func (a *Assembler) Pending() int { return len(a.buf) }

func (a *Assembler) reset() {
	a.active = false
	a.op = 0
	a.buf = a.buf[:0]
}
