// File: internal/relay/relay.go
// Package relay routes messages between WebSocket clients and the chat
// service: client lines go to the outbound queue, chat output is fanned
// out to subscribed clients, and slash commands manage subscriptions.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import (
	"bytes"
	"strings"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bot/api"
	"github.com/momentics/hioload-bot/protocol"
	"github.com/momentics/hioload-bot/queue"
)

// TopicChat carries chat service output. New clients start subscribed.
const TopicChat = "chat"

// Hub fans a message out by topic.
type Hub interface {
	Broadcast(topic string, opcode byte, payload []byte) int
}

// Member is one connected client.
type Member interface {
	ID() string
	Subscribe(topics ...string)
	Topics() []string
	Send(opcode byte, payload []byte) error
}

// Relay is owned by the loop goroutine.
type Relay struct {
	hub Hub
	out api.Queue[[]byte]
	log zerolog.Logger

	relayed, fannedOut, commands uint64
}

// New creates a relay. With a nil out queue, client messages are broadcast
// to the chat topic instead of being sent upstream.
func New(hub Hub, out api.Queue[[]byte], log zerolog.Logger) *Relay {
	return &Relay{hub: hub, out: out, log: log.With().Str("component", "relay").Logger()}
}

// Join subscribes a new member to the chat topic.
func (r *Relay) Join(m Member) {
	m.Subscribe(TopicChat)
	r.log.Debug().Str("conn", m.ID()).Msg("member joined")
}

// Leave records a departed member.
func (r *Relay) Leave(m Member, err error) {
	ev := r.log.Debug()
	if err != nil {
		ev = r.log.Info().Err(err)
	}
	ev.Str("conn", m.ID()).Msg("member left")
}

// Message handles one complete client message.
func (r *Relay) Message(m Member, opcode byte, payload []byte) {
	if opcode == protocol.OpcodeText && len(payload) > 0 && payload[0] == '/' {
		r.command(m, string(payload))
		return
	}
	if r.out == nil {
		r.fannedOut += uint64(r.hub.Broadcast(TopicChat, opcode, payload))
		return
	}
	r.out.Push(queue.TierMedium, line(payload))
	r.relayed++
}

// FromChat fans chat service output out to the chat topic.
func (r *Relay) FromChat(data []byte) {
	r.fannedOut += uint64(r.hub.Broadcast(TopicChat, protocol.OpcodeBinary, data))
}

// Stats returns routing counters.
func (r *Relay) Stats() map[string]uint64 {
	return map[string]uint64{
		"relayed":    r.relayed,
		"fanned_out": r.fannedOut,
		"commands":   r.commands,
	}
}

func (r *Relay) command(m Member, text string) {
	r.commands++
	fields := strings.Fields(text)
	var reply string
	switch fields[0] {
	case "/sub":
		if len(fields) == 1 {
			reply = "usage: /sub topic..."
			break
		}
		m.Subscribe(fields[1:]...)
		reply = "ok " + strings.Join(m.Topics(), " ")
	case "/topics":
		reply = strings.Join(m.Topics(), " ")
	default:
		reply = "unknown command " + fields[0]
	}
	if err := m.Send(protocol.OpcodeText, []byte(reply)); err != nil {
		r.log.Debug().Err(err).Str("conn", m.ID()).Msg("command reply failed")
	}
}

// line copies payload and terminates it with CRLF.
func line(payload []byte) []byte {
	payload = bytes.TrimRight(payload, "\r\n")
	out := make([]byte, 0, len(payload)+2)
	out = append(out, payload...)
	return append(out, '\r', '\n')
}
