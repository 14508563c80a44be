package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-cloud/gateway-go-sdk/shard"
)

// SessionInfo is a point-in-time view of the session.
type SessionInfo struct {
	Stage shard.Stage

	// Latency is the last heartbeat round trip; HasLatency is false until
	// one has completed on the current connection.
	Latency    time.Duration
	HasLatency bool

	// ServerLatency is the gateway's own hint from the last ack, if sent.
	ServerLatency    time.Duration
	HasServerLatency bool

	// SessionID identifies the current connection attempt.
	SessionID uuid.UUID

	// Reconnects counts successful reconnects since Connect.
	Reconnects int
}

// sessionInfo is the only state shared between the runner and callers. The
// lock is held for single field reads and writes only.
type sessionInfo struct {
	mu   sync.Mutex
	info SessionInfo
}

func (s *sessionInfo) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *sessionInfo) setStage(st shard.Stage) {
	s.mu.Lock()
	s.info.Stage = st
	s.mu.Unlock()
}

// reset starts tracking a new connection.
func (s *sessionInfo) reset(id uuid.UUID) {
	s.mu.Lock()
	s.info.Stage = shard.StageHandshake
	s.info.SessionID = id
	s.info.Latency, s.info.HasLatency = 0, false
	s.info.ServerLatency, s.info.HasServerLatency = 0, false
	s.mu.Unlock()
}

func (s *sessionInfo) setLatency(sh *shard.Shard) {
	lat, ok := sh.Latency()
	srv, srvOK := sh.ServerLatency()
	s.mu.Lock()
	s.info.Latency, s.info.HasLatency = lat, ok
	s.info.ServerLatency, s.info.HasServerLatency = srv, srvOK
	s.mu.Unlock()
}

func (s *sessionInfo) reconnected() {
	s.mu.Lock()
	s.info.Reconnects++
	s.mu.Unlock()
}
