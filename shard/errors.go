package shard

import (
	"errors"
	"fmt"

	"github.com/gobwas/ws"
)

var (
	ErrTransport       = errors.New("shard: transport error")
	ErrHeartbeatFailed = errors.New("shard: heartbeat failed")
	ErrClosedUncleanly = errors.New("shard: connection closed uncleanly")
	ErrLateHello       = errors.New("shard: hello received after handshake")
	ErrZombie          = errors.New("shard: heartbeat not acknowledged")
)

// CloseError reports a close frame from the gateway. Codes other than 1000
// match ErrClosedUncleanly.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("shard: closed with code %d", e.Code)
	}
	return fmt.Sprintf("shard: closed with code %d: %s", e.Code, e.Reason)
}

// Clean reports a normal closure.
func (e *CloseError) Clean() bool { return e.Code == int(ws.StatusNormalClosure) }

func (e *CloseError) Is(target error) bool {
	return target == ErrClosedUncleanly && !e.Clean()
}
