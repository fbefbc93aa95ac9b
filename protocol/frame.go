// File: protocol/frame.go
// Package protocol implements the server side of the WebSocket wire format:
// incremental frame decoding, frame encoding, message reassembly and the
// HTTP upgrade handshake, all on raw byte buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame is one decoded WebSocket frame. Payload is unmasked.
type Frame struct {
	IsFinal bool
	Opcode  byte
	Masked  bool
	Payload []byte
}

// CloseError is a protocol violation that ends the connection with Code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket close %d: %s", e.Code, e.Reason)
}

// DecodeFrame parses one frame from the start of raw, enforcing maxPayload.
// It returns the frame and the bytes consumed, or (nil, 0, nil) when raw
// does not hold a complete frame yet. Violations are *CloseError.
func DecodeFrame(raw []byte, maxPayload int) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}
	if raw[0]&rsvBits != 0 {
		return nil, 0, &CloseError{Code: CloseProtocolError, Reason: "reserved bits set"}
	}
	fin := raw[0]&FinBit != 0
	opcode := raw[0] & 0x0F
	masked := raw[1]&MaskBit != 0
	length := uint64(raw[1] & 0x7F)
	offset := 2

	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
	default:
		return nil, 0, &CloseError{Code: CloseProtocolError, Reason: fmt.Sprintf("unknown opcode %#x", opcode)}
	}
	if IsControl(opcode) && (!fin || length > MaxControlPayloadLen) {
		return nil, 0, &CloseError{Code: CloseProtocolError, Reason: "fragmented or oversized control frame"}
	}

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		offset += 8
	}
	if length > uint64(maxPayload) {
		return nil, 0, &CloseError{Code: CloseMessageTooBig, Reason: "frame payload exceeds limit"}
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	if masked {
		maskBytes(payload, maskKey)
	}
	return &Frame{IsFinal: fin, Opcode: opcode, Masked: masked, Payload: payload}, total, nil
}

// AppendFrame appends a single unmasked final frame to dst. Servers never
// mask.
func AppendFrame(dst []byte, opcode byte, payload []byte) []byte {
	return appendHeader(dst, FinBit|opcode&0x0F, len(payload), false, [4]byte{}, payload)
}

// AppendMaskedFrame appends a masked final frame, as a client sends it.
func AppendMaskedFrame(dst []byte, opcode byte, payload []byte, key [4]byte) []byte {
	return appendHeader(dst, FinBit|opcode&0x0F, len(payload), true, key, payload)
}

func appendHeader(dst []byte, b0 byte, plen int, mask bool, key [4]byte, payload []byte) []byte {
	var maskBit byte
	if mask {
		maskBit = MaskBit
	}
	var hdr [10]byte
	var header []byte
	switch {
	case plen <= 125:
		header = hdr[:2]
		header[1] = byte(plen) | maskBit
	case plen <= 0xFFFF:
		header = hdr[:4]
		header[1] = 126 | maskBit
		binary.BigEndian.PutUint16(header[2:], uint16(plen))
	default:
		header = hdr[:10]
		header[1] = 127 | maskBit
		binary.BigEndian.PutUint64(header[2:], uint64(plen))
	}
	header[0] = b0

	dst = append(dst, header...)
	if mask {
		dst = append(dst, key[:]...)
	}
	start := len(dst)
	dst = append(dst, payload...)
	if mask {
		maskBytes(dst[start:], key)
	}
	return dst
}

// ClosePayload builds the body of a close frame.
func ClosePayload(code int, reason string) []byte {
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	b := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(b, uint16(code))
	return append(b, reason...)
}

// ParseClosePayload splits a close frame body. An empty body means
// CloseNoStatusRcvd.
func ParseClosePayload(p []byte) (int, string) {
	if len(p) < 2 {
		return CloseNoStatusRcvd, ""
	}
	return int(binary.BigEndian.Uint16(p)), string(p[2:])
}

func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i&3]
	}
}
