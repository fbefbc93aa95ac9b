//go:build unix

// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

// Handler receives connection events on the loop goroutine.
type Handler interface {
	// OnOpen runs once the upgrade succeeded.
	OnOpen(c *Conn)
	// OnMessage receives a complete text or binary message.
	OnMessage(c *Conn, opcode byte, payload []byte)
	// OnClose runs once for every opened connection. err is nil on a clean
	// close.
	OnClose(c *Conn, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Open    func(c *Conn)
	Message func(c *Conn, opcode byte, payload []byte)
	Close   func(c *Conn, err error)
}

func (h HandlerFuncs) OnOpen(c *Conn) {
	if h.Open != nil {
		h.Open(c)
	}
}

func (h HandlerFuncs) OnMessage(c *Conn, opcode byte, payload []byte) {
	if h.Message != nil {
		h.Message(c, opcode, payload)
	}
}

func (h HandlerFuncs) OnClose(c *Conn, err error) {
	if h.Close != nil {
		h.Close(c, err)
	}
}

// Metrics receives connection observations. control.Metrics implements it.
type Metrics interface {
	ConnOpened()
	ConnClosed()
	HandshakeResult(status int)
	FrameIn(opcode string)
	FrameOut(opcode string)
	InboundDropped()
}

type nopMetrics struct{}

func (nopMetrics) ConnOpened() {}
func (nopMetrics) ConnClosed() {}
func (nopMetrics) HandshakeResult(int) {}
func (nopMetrics) FrameIn(string) {}
func (nopMetrics) FrameOut(string) {}
func (nopMetrics) InboundDropped() {}
