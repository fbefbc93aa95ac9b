// File: protocol/constants.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket wire protocol constants.

package protocol

const (
	OpcodeContinuation = 0x0
	OpcodeText         = 0x1
	OpcodeBinary       = 0x2
	OpcodeClose        = 0x8
	OpcodePing         = 0x9
	OpcodePong         = 0xA

	FinBit  = 0x80
	MaskBit = 0x80
	rsvBits = 0x70

	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14

	// MaxMessageSize bounds a reassembled message and a handshake request.
	MaxMessageSize = 1 << 20
)

// Close codes (RFC 6455 section 7.4.1).
const (
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseInternalServerErr  = 1011
	CloseTLSHandshake       = 1015
)

// Handshake constants.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	RequiredWebSocketVersion = "13"

	HeaderAuthorization       = "authorization"
	HeaderUpgrade             = "upgrade"
	HeaderConnection          = "connection"
	HeaderSecWebSocketKey     = "sec-websocket-key"
	HeaderSecWebSocketVersion = "sec-websocket-version"
	HeaderSecWebSocketProto   = "sec-websocket-protocol"
)

// ValidReceivedCloseCode reports whether a peer may put code in a close
// frame: the defined codes other than 1004-1006 and 1015, plus the
// registered and private ranges 3000-4999.
func ValidReceivedCloseCode(code int) bool {
	switch {
	case code >= CloseNormalClosure && code <= CloseUnsupportedData:
		return true
	case code >= CloseInvalidPayloadData && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// IsControl reports whether op is a control opcode.
func IsControl(op byte) bool { return op&0x8 != 0 }

// OpcodeName returns a lower-case label for op.
func OpcodeName(op byte) string {
	switch op {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	}
	return "unknown"
}
