// Package wire defines the JSON envelope and payload types spoken on the
// realtime gateway. Every frame is a text (or zlib-compressed binary) WebSocket
// message of the form {"op": <int>, "d": <op-specific>}.
package wire

import (
	"encoding/json"
	"fmt"
)

// OpCode identifies the payload carried in an envelope's "d" field.
type OpCode uint8

// Op codes. Unknown is never sent; Decode rejects anything it does not recognise.
const (
	OpDispatch     OpCode = 0
	OpHello        OpCode = 1
	OpIdentify     OpCode = 2
	OpHeartbeat    OpCode = 3
	OpHeartbeatAck OpCode = 4

	OpUnknown OpCode = 255
)

// ParseOpCode maps a wire integer onto an OpCode, returning OpUnknown for
// values outside the protocol.
func ParseOpCode(n int64) OpCode {
	switch n {
	case 0, 1, 2, 3, 4:
		return OpCode(n)
	}
	return OpUnknown
}

func (o OpCode) String() string {
	switch o {
	case OpDispatch:
		return "Dispatch"
	case OpHello:
		return "Hello"
	case OpIdentify:
		return "Identify"
	case OpHeartbeat:
		return "Heartbeat"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(o))
}

// InitEvent is the dispatch event name the gateway sends once a session is
// fully initialised.
const InitEvent = "INIT"

// SubscribeEvent is the dispatch event name of a client subscribe request.
const SubscribeEvent = "SUBSCRIBE"

// Envelope is the outer frame shared by every op code.
type Envelope struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Event is a decoded inbound gateway frame. The concrete type is one of
// *Hello, *Dispatch, *Heartbeat or *HeartbeatAck.
type Event interface {
	Op() OpCode
}

// Hello is the first frame the gateway sends (server -> client).
type Hello struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"` // milliseconds
}

// Identify establishes session identity (client -> server). Token is omitted
// for public sessions.
type Identify struct {
	Project string `json:"project"`
	Token   string `json:"token,omitempty"`
}

// Dispatch is an application event (either direction).
type Dispatch struct {
	Channel string          `json:"c,omitempty"`
	Event   string          `json:"e"`
	Data    json.RawMessage `json:"d,omitempty"`
}

// Heartbeat is a keep-alive. A server heartbeat carrying a tag requests an
// immediate reply echoing it.
type Heartbeat struct {
	Tag string `json:"tag,omitempty"`
}

// HeartbeatAck acknowledges the most recent heartbeat. Latency is an optional
// server-side measurement in milliseconds.
type HeartbeatAck struct {
	Tag     string  `json:"tag,omitempty"`
	Latency *uint64 `json:"latency,omitempty"`
}

func (*Hello) Op() OpCode        { return OpHello }
func (*Identify) Op() OpCode     { return OpIdentify }
func (*Dispatch) Op() OpCode     { return OpDispatch }
func (*Heartbeat) Op() OpCode    { return OpHeartbeat }
func (*HeartbeatAck) Op() OpCode { return OpHeartbeatAck }
