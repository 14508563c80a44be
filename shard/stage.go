package shard

import "fmt"

// Stage is the connection's position in the session handshake.
type Stage uint8

const (
	StageHandshake Stage = iota
	StageIdentifying
	StageConnected
	StageDisconnected
)

func (s Stage) String() string {
	switch s {
	case StageHandshake:
		return "handshake"
	case StageIdentifying:
		return "identifying"
	case StageConnected:
		return "connected"
	case StageDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// IsConnecting reports whether the handshake is still in progress.
func (s Stage) IsConnecting() bool {
	return s == StageHandshake || s == StageIdentifying
}

// IsConnected reports whether the session is initialised.
func (s Stage) IsConnected() bool { return s == StageConnected }

// ActionKind is what the runner must do after the shard handled a frame.
type ActionKind uint8

const (
	// ActionHeartbeat: send a heartbeat now, echoing Action.Tag.
	ActionHeartbeat ActionKind = iota + 1
	// ActionIdentify: send the identify payload.
	ActionIdentify
	// ActionReconnect: tear the connection down and build a new one.
	ActionReconnect
	// ActionUpdate: nothing to send; session info (latency) changed.
	ActionUpdate
)

func (k ActionKind) String() string {
	switch k {
	case ActionHeartbeat:
		return "heartbeat"
	case ActionIdentify:
		return "identify"
	case ActionReconnect:
		return "reconnect"
	case ActionUpdate:
		return "update"
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// ReconnectKind says how to rebuild a session. The gateway has no resume
// protocol, so the only strategy is a fresh identify.
type ReconnectKind uint8

const (
	ReconnectReidentify ReconnectKind = iota + 1
)

func (k ReconnectKind) String() string {
	if k == ReconnectReidentify {
		return "reidentify"
	}
	return fmt.Sprintf("reconnect(%d)", uint8(k))
}

// Action is returned by the state machine for every frame that needs a
// response.
type Action struct {
	Kind ActionKind

	// Tag is set for ActionHeartbeat when the gateway asked for an echo.
	Tag string

	// Reconnect and Reason are set for ActionReconnect.
	Reconnect ReconnectKind
	Reason    error
}

func heartbeatAction(tag string) Action { return Action{Kind: ActionHeartbeat, Tag: tag} }

func reconnectAction(reason error) Action {
	return Action{Kind: ActionReconnect, Reconnect: ReconnectReidentify, Reason: reason}
}
