package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingOpCode     = errors.New("wire: missing op code")
	ErrInvalidOpCode     = errors.New("wire: invalid opcode")
	ErrUnsupportedOpCode = errors.New("wire: opcode not accepted from server")
	ErrMissingData       = errors.New("wire: missing d field")
	ErrMalformed         = errors.New("wire: malformed frame")
)

// Encode serialises an envelope with the given op code. A nil payload omits
// the "d" field.
func Encode(op OpCode, payload any) ([]byte, error) {
	if op == OpUnknown {
		return nil, ErrInvalidOpCode
	}
	env := Envelope{Op: op}
	if payload != nil {
		d, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", op, err)
		}
		env.D = d
	}
	return json.Marshal(env)
}

// EncodeEvent serialises ev using its own op code.
func EncodeEvent(ev Event) ([]byte, error) {
	return Encode(ev.Op(), ev)
}

// Subscribe builds the application-level subscribe request for channel.
// data may be nil.
func Subscribe(channel string, data json.RawMessage) ([]byte, error) {
	return Encode(OpDispatch, Dispatch{Channel: channel, Event: SubscribeEvent, Data: data})
}

// rawEnvelope keeps op optional so its absence can be told apart from 0.
type rawEnvelope struct {
	Op *int64          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Decode parses a single gateway frame. It never panics on hostile input;
// every failure wraps one of the package's sentinel errors.
func Decode(data []byte) (Event, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Op == nil {
		return nil, ErrMissingOpCode
	}

	op := ParseOpCode(*raw.Op)
	switch op {
	case OpHello:
		var h Hello
		if err := decodeRequired(raw.D, &h); err != nil {
			return nil, fmt.Errorf("decode %s: %w", op, err)
		}
		return &h, nil
	case OpDispatch:
		var d Dispatch
		if err := decodeRequired(raw.D, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", op, err)
		}
		return &d, nil
	case OpHeartbeat:
		var hb Heartbeat
		if err := decodeOptional(raw.D, &hb); err != nil {
			return nil, fmt.Errorf("decode %s: %w", op, err)
		}
		return &hb, nil
	case OpHeartbeatAck:
		var ack HeartbeatAck
		if err := decodeOptional(raw.D, &ack); err != nil {
			return nil, fmt.Errorf("decode %s: %w", op, err)
		}
		return &ack, nil
	case OpIdentify:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOpCode, op)
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidOpCode, *raw.Op)
}

func isNull(d json.RawMessage) bool {
	return len(d) == 0 || bytes.Equal(bytes.TrimSpace(d), []byte("null"))
}

func decodeRequired(d json.RawMessage, v any) error {
	if isNull(d) {
		return ErrMissingData
	}
	if err := json.Unmarshal(d, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func decodeOptional(d json.RawMessage, v any) error {
	if isNull(d) {
		return nil
	}
	if err := json.Unmarshal(d, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
