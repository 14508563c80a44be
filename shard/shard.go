// Package shard implements one gateway session: the handshake state machine,
// heartbeat bookkeeping and latency measurement over a single WebSocket.
//
// A Shard is built for every connection attempt and thrown away on reconnect,
// so no timer or latency state survives from one session into the next.
// All methods except ReadFrame must be called from a single goroutine;
// ReadFrame may run concurrently with them.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-cloud/gateway-go-sdk/heartbeat"
	"github.com/stratus-cloud/gateway-go-sdk/internal/clock"
	"github.com/stratus-cloud/gateway-go-sdk/wire"
)

// Identity is what the shard sends in Identify.
type Identity struct {
	Project string
	Token   string // empty for public sessions
}

// Frame is a data frame as read off the socket.
type Frame struct {
	Data   []byte
	Binary bool
}

// Shard is a single gateway session.
type Shard struct {
	sock        Socket
	identity    Identity
	compression wire.Compression
	clock       clock.Clock
	logger      *slog.Logger
	id          uuid.UUID

	stage    Stage
	interval time.Duration // zero until Hello

	// Timestamps of the current heartbeat round.
	lastSent time.Time
	lastAck  time.Time
	acked    bool
	sent     int

	serverLatency time.Duration
	hasServerLat  bool
}

// Option configures a Shard.
type Option func(*Shard)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option { return func(s *Shard) { s.clock = c } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Shard) { s.logger = l } }

// WithCompression tells the shard how binary frames are encoded.
func WithCompression(c wire.Compression) Option { return func(s *Shard) { s.compression = c } }

// New wraps an open socket. The shard starts in StageHandshake.
func New(sock Socket, identity Identity, opts ...Option) *Shard {
	s := &Shard{
		sock:        sock,
		identity:    identity,
		compression: wire.DefaultCompression,
		clock:       clock.Real(),
		logger:      slog.Default(),
		id:          uuid.New(),
		stage:       StageHandshake,
		acked:       true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id.String())
	return s
}

// Dial connects to endpoint and returns a shard awaiting Hello.
func Dial(ctx context.Context, endpoint string, identity Identity, timeout time.Duration, opts ...Option) (*Shard, error) {
	s := New(nil, identity, opts...)
	sock, err := DialSocket(ctx, endpoint, s.compression, timeout)
	if err != nil {
		return nil, err
	}
	s.sock = sock
	s.logger.Info("connected to gateway", "endpoint", endpoint, "compression", string(s.compression))
	return s, nil
}

// ID identifies this connection attempt in logs.
func (s *Shard) ID() uuid.UUID { return s.id }

// Stage returns the current handshake stage.
func (s *Shard) Stage() Stage { return s.stage }

// HeartbeatsSent counts heartbeats written on this connection.
func (s *Shard) HeartbeatsSent() int { return s.sent }

// Interval returns the heartbeat interval announced by the gateway, or zero.
func (s *Shard) Interval() time.Duration { return s.interval }

// ReadFrame blocks for the next data frame. Every error it returns is fatal
// to the connection and should be passed to HandleError.
func (s *Shard) ReadFrame() (Frame, error) {
	data, binary, err := s.sock.ReadMessage()
	if err != nil {
		var ce *CloseError
		if errors.As(err, &ce) {
			return Frame{}, ce
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return Frame{Data: data, Binary: binary}, nil
}

// Decode turns a frame into an event, inflating binary frames first when
// zlib compression is in use. Errors are limited to the frame itself.
func (s *Shard) Decode(f Frame) (wire.Event, error) {
	data := f.Data
	if f.Binary && s.compression == wire.CompressionZlib {
		inflated, err := wire.Inflate(data)
		if err != nil {
			return nil, err
		}
		data = inflated
	}
	return wire.Decode(data)
}

// HandleEvent advances the state machine for one inbound event. ok is false
// when nothing needs doing.
func (s *Shard) HandleEvent(ev wire.Event) (act Action, ok bool) {
	switch e := ev.(type) {
	case *wire.Hello:
		if e.HeartbeatInterval > 0 {
			s.interval = helloInterval(e.HeartbeatInterval)
		}
		if s.stage == StageHandshake {
			return Action{Kind: ActionIdentify}, true
		}
		s.logger.Warn("late hello, resetting session", "stage", s.stage.String())
		return reconnectAction(ErrLateHello), true

	case *wire.Dispatch:
		if e.Event == wire.InitEvent {
			switch s.stage {
			case StageIdentifying:
				s.stage = StageConnected
				s.logger.Info("session initialised")
			case StageHandshake:
				s.logger.Warn("init dispatch before identify, ignoring")
			}
		}
		return Action{}, false

	case *wire.Heartbeat:
		if e.Tag != "" {
			return heartbeatAction(e.Tag), true
		}
		return Action{}, false

	case *wire.HeartbeatAck:
		s.lastAck = s.clock.Now()
		s.acked = true
		if e.Latency != nil {
			s.serverLatency = time.Duration(*e.Latency) * time.Millisecond
			s.hasServerLat = true
		}
		return Action{Kind: ActionUpdate}, true
	}

	s.logger.Debug("unhandled gateway event", "op", ev.Op().String())
	return Action{}, false
}

// HandleError maps a read or write failure onto the reconnect action. A clean
// close (1000) reconnects too: the gateway has no "go away" signal that would
// tell the two apart.
func (s *Shard) HandleError(err error) Action {
	prev := s.stage
	s.stage = StageDisconnected

	var ce *CloseError
	switch {
	case errors.As(err, &ce) && ce.Clean():
		s.logger.Info("gateway closed the connection", "code", ce.Code, "stage", prev.String())
	case errors.As(err, &ce):
		s.logger.Warn("gateway closed the connection uncleanly", "code", ce.Code, "reason", ce.Reason, "stage", prev.String())
	default:
		s.logger.Warn("gateway connection failed", "error", err, "stage", prev.String())
	}
	return reconnectAction(err)
}

// Identify sends the identify payload and moves the shard to StageIdentifying.
func (s *Shard) Identify() error {
	b, err := wire.Encode(wire.OpIdentify, wire.Identify{Project: s.identity.Project, Token: s.identity.Token})
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.sock.WriteText(b); err != nil {
		return fmt.Errorf("identify: %w: %v", ErrTransport, err)
	}
	s.lastSent = now
	s.stage = StageIdentifying
	s.logger.Info("identified", "project", s.identity.Project, "public", s.identity.Token == "")
	return nil
}

// Heartbeat sends a heartbeat, echoing tag when set. A broken pipe is only
// logged: it means the socket is already being torn down.
func (s *Shard) Heartbeat(tag string) error {
	var payload any
	if tag != "" {
		payload = wire.Heartbeat{Tag: tag}
	}
	b, err := wire.Encode(wire.OpHeartbeat, payload)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.sock.WriteText(b); err != nil {
		if errors.Is(err, syscall.EPIPE) {
			s.logger.Debug("heartbeat hit a broken pipe during shutdown", "error", err)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrHeartbeatFailed, err)
	}
	s.lastSent = now
	s.acked = false
	s.sent++
	s.logger.Debug("heartbeat sent", "tag", tag)
	return nil
}

// CheckHeartbeat is called on every scheduler tick. A nil return means the
// connection is healthy enough to continue. Once the previous heartbeat has
// been acknowledged every tick sends a new one; while it is outstanding the
// tick is skipped until the wait window has passed, after which the
// connection is a zombie and ErrZombie is returned. A failed send returns an
// error matching ErrHeartbeatFailed.
func (s *Shard) CheckHeartbeat() error {
	if s.interval == 0 {
		// Still waiting for Hello.
		return nil
	}
	if !s.acked {
		waited := s.clock.Now().Sub(s.lastSent)
		if waited < s.waitWindow() {
			return nil
		}
		s.logger.Warn("heartbeat not acknowledged", "waited", waited.String())
		return ErrZombie
	}
	if err := s.Heartbeat(""); err != nil {
		s.logger.Warn("heartbeat failed", "error", err)
		return err
	}
	return nil
}

// maxIntervalMS is the largest Hello interval that fits a time.Duration.
const maxIntervalMS = uint64(math.MaxInt64 / int64(time.Millisecond))

func helloInterval(ms uint64) time.Duration {
	if ms > maxIntervalMS {
		ms = maxIntervalMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Shard) waitWindow() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	return heartbeat.DefaultInterval
}

// Latency is the round trip of the current heartbeat, available once the
// heartbeat has been acknowledged.
func (s *Shard) Latency() (time.Duration, bool) {
	if s.lastSent.IsZero() || s.lastAck.IsZero() || !s.acked || s.lastAck.Before(s.lastSent) {
		return 0, false
	}
	return s.lastAck.Sub(s.lastSent), true
}

// ServerLatency is the latency hint carried by the last ack, if any.
func (s *Shard) ServerLatency() (time.Duration, bool) {
	return s.serverLatency, s.hasServerLat
}

// Send writes an already encoded frame.
func (s *Shard) Send(frame []byte) error {
	if err := s.sock.WriteText(frame); err != nil {
		return fmt.Errorf("send: %w: %v", ErrTransport, err)
	}
	return nil
}

// Close sends a close frame with code and closes the socket.
func (s *Shard) Close(code int) error {
	s.stage = StageDisconnected
	werr := s.sock.WriteClose(code, "")
	cerr := s.sock.Close()
	if werr != nil && !errors.Is(werr, syscall.EPIPE) {
		return werr
	}
	return cerr
}
