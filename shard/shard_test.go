package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stratus-cloud/gateway-go-sdk/internal/clock"
	"github.com/stratus-cloud/gateway-go-sdk/wire"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closes   []int
	closed   bool
	reads    chan fakeRead
}

type fakeRead struct {
	data   []byte
	binary bool
	err    error
}

func newFakeSocket() *fakeSocket { return &fakeSocket{reads: make(chan fakeRead, 16)} }

func (f *fakeSocket) ReadMessage() ([]byte, bool, error) {
	r, ok := <-f.reads
	if !ok {
		return nil, false, io.EOF
	}
	return r.data, r.binary, r.err
}

func (f *fakeSocket) WriteText(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeSocket) WriteClose(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, code)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestShard(t *testing.T, identity Identity) (*Shard, *fakeSocket, *clock.FakeClock) {
	t.Helper()
	sock := newFakeSocket()
	c := clock.Fake(epoch)
	return New(sock, identity, WithClock(c), WithLogger(quiet)), sock, c
}

// connect drives a shard through Hello -> Identify -> INIT.
func connect(t *testing.T, s *Shard, intervalMS uint64) {
	t.Helper()
	act, ok := s.HandleEvent(&wire.Hello{HeartbeatInterval: intervalMS})
	if !ok || act.Kind != ActionIdentify {
		t.Fatalf("hello: got %v, %v; want identify", act, ok)
	}
	if err := s.Identify(); err != nil {
		t.Fatalf("identify: %v", err)
	}
	if _, ok := s.HandleEvent(&wire.Dispatch{Event: wire.InitEvent}); ok {
		t.Fatal("init dispatch should not produce an action")
	}
	if s.Stage() != StageConnected {
		t.Fatalf("stage after init: got %s", s.Stage())
	}
}

func TestHandshake(t *testing.T) {
	s, sock, _ := newTestShard(t, Identity{Project: "proj-1", Token: "tok"})

	if s.Stage() != StageHandshake {
		t.Fatalf("initial stage: got %s", s.Stage())
	}

	act, ok := s.HandleEvent(&wire.Hello{HeartbeatInterval: 30000})
	if !ok || act.Kind != ActionIdentify {
		t.Fatalf("got %v, %v; want identify", act, ok)
	}
	if s.Stage() != StageHandshake {
		t.Errorf("Hello must not move the stage by itself; got %s", s.Stage())
	}
	if s.Interval() != 30*time.Second {
		t.Errorf("interval: got %v", s.Interval())
	}

	if err := s.Identify(); err != nil {
		t.Fatal(err)
	}
	if s.Stage() != StageIdentifying {
		t.Errorf("stage after identify: got %s", s.Stage())
	}
	want := []string{`{"op":2,"d":{"project":"proj-1","token":"tok"}}`}
	if diff := pretty.Compare(want, sock.written()); diff != "" {
		t.Errorf("identify frame: -want +got:\n%s", diff)
	}

	// Ordinary dispatches do not advance the stage.
	s.HandleEvent(&wire.Dispatch{Channel: "builds", Event: "LOG"})
	if s.Stage() != StageIdentifying {
		t.Errorf("stage after LOG: got %s", s.Stage())
	}

	s.HandleEvent(&wire.Dispatch{Event: wire.InitEvent, Data: json.RawMessage(`{}`)})
	if s.Stage() != StageConnected {
		t.Errorf("stage after INIT: got %s", s.Stage())
	}

	if _, ok := s.HandleEvent(&wire.Dispatch{Event: wire.InitEvent}); ok {
		t.Error("repeated INIT should not produce an action")
	}
	if s.Stage() != StageConnected {
		t.Errorf("stage after repeated INIT: got %s", s.Stage())
	}
	if len(sock.written()) != 1 {
		t.Errorf("repeated INIT wrote frames: %v", sock.written())
	}
}

func TestInitBeforeIdentifyIgnored(t *testing.T) {
	s, _, _ := newTestShard(t, Identity{Project: "p"})
	s.HandleEvent(&wire.Dispatch{Event: wire.InitEvent})
	if s.Stage() != StageHandshake {
		t.Errorf("INIT must not skip identify; stage %s", s.Stage())
	}
}

func TestHelloZeroIntervalIgnored(t *testing.T) {
	s, _, _ := newTestShard(t, Identity{Project: "p"})
	s.HandleEvent(&wire.Hello{HeartbeatInterval: 0})
	if s.Interval() != 0 {
		t.Errorf("interval: got %v, want 0", s.Interval())
	}
}

func TestLateHello(t *testing.T) {
	s, _, _ := newTestShard(t, Identity{Project: "p"})
	connect(t, s, 30000)

	act, ok := s.HandleEvent(&wire.Hello{HeartbeatInterval: 45000})
	if !ok || act.Kind != ActionReconnect || act.Reconnect != ReconnectReidentify {
		t.Fatalf("got %+v, %v; want reconnect(reidentify)", act, ok)
	}
	if !errors.Is(act.Reason, ErrLateHello) {
		t.Errorf("reason: got %v", act.Reason)
	}
}

func TestLateHelloWhileIdentifying(t *testing.T) {
	s, _, _ := newTestShard(t, Identity{Project: "p"})
	s.HandleEvent(&wire.Hello{HeartbeatInterval: 30000})
	s.Identify()

	act, _ := s.HandleEvent(&wire.Hello{HeartbeatInterval: 30000})
	if act.Kind != ActionReconnect {
		t.Errorf("got %s, want reconnect", act.Kind)
	}
}

func TestServerRequestedHeartbeat(t *testing.T) {
	s, _, _ := newTestShard(t, Identity{Project: "p"})

	act, ok := s.HandleEvent(&wire.Heartbeat{Tag: "ping-7"})
	if !ok || act.Kind != ActionHeartbeat || act.Tag != "ping-7" {
		t.Errorf("got %+v, %v", act, ok)
	}

	if _, ok := s.HandleEvent(&wire.Heartbeat{}); ok {
		t.Error("untagged server heartbeat should not need a reply")
	}
}

func TestLatency(t *testing.T) {
	s, sock, c := newTestShard(t, Identity{Project: "p"})
	connect(t, s, 30000)

	if _, ok := s.Latency(); ok {
		t.Error("latency before any ack should be unknown")
	}

	if err := s.Heartbeat(""); err != nil {
		t.Fatal(err)
	}
	if got := sock.written()[1]; got != `{"op":3}` {
		t.Errorf("heartbeat frame: got %s", got)
	}
	if _, ok := s.Latency(); ok {
		t.Error("latency while heartbeat outstanding should be unknown")
	}

	c.Advance(120 * time.Millisecond)
	act, ok := s.HandleEvent(&wire.HeartbeatAck{})
	if !ok || act.Kind != ActionUpdate {
		t.Fatalf("ack: got %+v, %v", act, ok)
	}
	got, ok := s.Latency()
	if !ok || got != 120*time.Millisecond {
		t.Errorf("latency: got %v, %v; want 120ms", got, ok)
	}

	// A new round replaces the measurement.
	c.Advance(30 * time.Second)
	s.Heartbeat("")
	if _, ok := s.Latency(); ok {
		t.Error("latency should reset when a new heartbeat goes out")
	}
	c.Advance(45 * time.Millisecond)
	s.HandleEvent(&wire.HeartbeatAck{})
	if got, _ := s.Latency(); got != 45*time.Millisecond {
		t.Errorf("second latency: got %v, want 45ms", got)
	}
}

func TestServerLatencyHint(t *testing.T) {
	s, _, _ := newTestShard(t, Identity{Project: "p"})
	ms := uint64(33)
	s.HandleEvent(&wire.HeartbeatAck{Latency: &ms})
	got, ok := s.ServerLatency()
	if !ok || got != 33*time.Millisecond {
		t.Errorf("got %v, %v", got, ok)
	}
}

func TestCheckHeartbeat(t *testing.T) {
	s, sock, c := newTestShard(t, Identity{Project: "p"})

	if err := s.CheckHeartbeat(); err != nil {
		t.Fatalf("before Hello the connection is within its grace period: %v", err)
	}
	if len(sock.written()) != 0 {
		t.Fatalf("no heartbeat expected before Hello: %v", sock.written())
	}

	connect(t, s, 1000)

	// Nothing outstanding: a tick sends even if it lands early.
	c.Advance(999 * time.Millisecond)
	if err := s.CheckHeartbeat(); err != nil {
		t.Fatalf("due heartbeat should succeed: %v", err)
	}
	if n := len(sock.written()); n != 2 {
		t.Fatalf("frames: got %d, want 2", n)
	}

	// Outstanding and inside the window: skip, still healthy.
	c.Advance(999 * time.Millisecond)
	if err := s.CheckHeartbeat(); err != nil {
		t.Fatalf("outstanding heartbeat inside window should be healthy: %v", err)
	}
	if n := len(sock.written()); n != 2 {
		t.Fatalf("no second heartbeat while one is outstanding; frames %d", n)
	}

	// Outstanding and window elapsed: zombie.
	c.Advance(time.Millisecond)
	if err := s.CheckHeartbeat(); !errors.Is(err, ErrZombie) {
		t.Fatalf("unacknowledged heartbeat past its window: got %v, want ErrZombie", err)
	}

	// An ack recovers it and the next check sends again.
	s.HandleEvent(&wire.HeartbeatAck{})
	if err := s.CheckHeartbeat(); err != nil {
		t.Fatalf("acked connection should heartbeat again: %v", err)
	}
	if n := len(sock.written()); n != 3 {
		t.Fatalf("frames: got %d, want 3", n)
	}
}

func TestCheckHeartbeatTickJitter(t *testing.T) {
	s, sock, c := newTestShard(t, Identity{Project: "p"})
	connect(t, s, 100)

	// Ticks that arrive a little early or late relative to the last send
	// still produce one heartbeat each as long as every one is acked.
	for i, gap := range []time.Duration{100, 99, 101, 98, 100, 97} {
		c.Advance(gap * time.Millisecond)
		if err := s.CheckHeartbeat(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		c.Advance(time.Millisecond)
		s.HandleEvent(&wire.HeartbeatAck{})
	}
	if n := len(sock.written()) - 1; n != 6 {
		t.Errorf("heartbeats: got %d, want 6", n)
	}
}

func TestCheckHeartbeatSendFailure(t *testing.T) {
	s, sock, c := newTestShard(t, Identity{Project: "p"})
	connect(t, s, 1000)
	c.Advance(time.Second)

	sock.writeErr = errors.New("connection reset")
	err := s.CheckHeartbeat()
	if !errors.Is(err, ErrHeartbeatFailed) {
		t.Errorf("got %v, want ErrHeartbeatFailed", err)
	}
	if errors.Is(err, ErrZombie) {
		t.Error("a failed send is not a zombie connection")
	}
}

func TestHelloIntervalClamped(t *testing.T) {
	s, _, _ := newTestShard(t, Identity{Project: "p"})
	s.HandleEvent(&wire.Hello{HeartbeatInterval: math.MaxUint64})
	if got := s.Interval(); got <= 0 {
		t.Fatalf("interval overflowed: %v", got)
	}
	if got, want := s.Interval(), time.Duration(maxIntervalMS)*time.Millisecond; got != want {
		t.Errorf("interval: got %v, want %v", got, want)
	}
}

func TestHeartbeatErrors(t *testing.T) {
	s, sock, _ := newTestShard(t, Identity{Project: "p"})

	sock.writeErr = fmt.Errorf("write tcp: %w", syscall.EPIPE)
	if err := s.Heartbeat(""); err != nil {
		t.Errorf("broken pipe should be swallowed, got %v", err)
	}

	sock.writeErr = errors.New("i/o timeout")
	if err := s.Heartbeat(""); !errors.Is(err, ErrHeartbeatFailed) {
		t.Errorf("got %v, want ErrHeartbeatFailed", err)
	}
}

func TestHeartbeatEchoesTag(t *testing.T) {
	s, sock, _ := newTestShard(t, Identity{Project: "p"})
	if err := s.Heartbeat("ping-7"); err != nil {
		t.Fatal(err)
	}
	if got := sock.written()[0]; got != `{"op":3,"d":{"tag":"ping-7"}}` {
		t.Errorf("got %s", got)
	}
}

func TestHandleErrorReconnects(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		unclean bool
	}{
		{"abnormal close", &CloseError{Code: 1006}, true},
		{"going away", &CloseError{Code: 1001, Reason: "restart"}, true},
		// A normal closure still reconnects; there is no graceful shutdown
		// signal from the gateway.
		{"normal close", &CloseError{Code: 1000}, false},
		{"transport", fmt.Errorf("%w: connection reset", ErrTransport), false},
	}

	for _, test := range tests {
		s, _, _ := newTestShard(t, Identity{Project: "p"})
		connect(t, s, 30000)

		act := s.HandleError(test.err)
		if act.Kind != ActionReconnect || act.Reconnect != ReconnectReidentify {
			t.Errorf("TestHandleErrorReconnects(%s): got %+v", test.name, act)
		}
		if got := errors.Is(act.Reason, ErrClosedUncleanly); got != test.unclean {
			t.Errorf("TestHandleErrorReconnects(%s): unclean got %v, want %v", test.name, got, test.unclean)
		}
		if s.Stage() != StageDisconnected {
			t.Errorf("TestHandleErrorReconnects(%s): stage %s", test.name, s.Stage())
		}
	}
}

func TestReadFrame(t *testing.T) {
	s, sock, _ := newTestShard(t, Identity{Project: "p"})

	sock.reads <- fakeRead{data: []byte(`{"op":1,"d":{"heartbeat_interval":1}}`)}
	sock.reads <- fakeRead{err: &CloseError{Code: 4000}}
	sock.reads <- fakeRead{err: errors.New("reset")}

	f, err := s.ReadFrame()
	if err != nil || f.Binary {
		t.Fatalf("got %+v, %v", f, err)
	}
	if _, err := s.ReadFrame(); !errors.Is(err, ErrClosedUncleanly) {
		t.Errorf("got %v, want unclean close", err)
	}
	if _, err := s.ReadFrame(); !errors.Is(err, ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}
}

func TestDecodeCompressed(t *testing.T) {
	sock := newFakeSocket()
	s := New(sock, Identity{Project: "p"}, WithCompression(wire.CompressionZlib), WithLogger(quiet))

	raw := []byte(`{"op":0,"d":{"c":"metrics","e":"CPU","d":{"pct":12}}}`)
	compressed, err := wire.Deflate(raw)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := s.Decode(Frame{Data: compressed, Binary: true})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := &wire.Dispatch{Channel: "metrics", Event: "CPU", Data: json.RawMessage(`{"pct":12}`)}
	if diff := pretty.Compare(want, ev); diff != "" {
		t.Errorf("-want +got:\n%s", diff)
	}

	// Text frames are never inflated.
	if _, err := s.Decode(Frame{Data: raw}); err != nil {
		t.Errorf("text frame: %v", err)
	}
	if _, err := s.Decode(Frame{Data: []byte("garbage"), Binary: true}); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestClose(t *testing.T) {
	s, sock, _ := newTestShard(t, Identity{Project: "p"})
	if err := s.Close(1000); err != nil {
		t.Fatal(err)
	}
	if !sock.closed || len(sock.closes) != 1 || sock.closes[0] != 1000 {
		t.Errorf("close not sent: %+v", sock)
	}
	if s.Stage() != StageDisconnected {
		t.Errorf("stage: %s", s.Stage())
	}
}

func TestFreshShardsShareNothing(t *testing.T) {
	s1, _, _ := newTestShard(t, Identity{Project: "p"})
	s2, _, _ := newTestShard(t, Identity{Project: "p"})
	if s1.ID() == s2.ID() {
		t.Error("each connection attempt needs its own id")
	}
}

func TestStageProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Each int picks one inbound event or an identify call.
	apply := func(s *Shard, step int) {
		switch step % 6 {
		case 0:
			if act, ok := s.HandleEvent(&wire.Hello{HeartbeatInterval: 1000}); ok && act.Kind == ActionIdentify {
				s.Identify()
			}
		case 1:
			s.HandleEvent(&wire.Dispatch{Event: wire.InitEvent})
		case 2:
			s.HandleEvent(&wire.Dispatch{Event: "LOG"})
		case 3:
			s.HandleEvent(&wire.Heartbeat{Tag: "t"})
		case 4:
			s.HandleEvent(&wire.HeartbeatAck{})
		case 5:
			s.CheckHeartbeat()
		}
	}

	properties.Property("stage never skips identifying", prop.ForAll(
		func(steps []int) bool {
			sock := newFakeSocket()
			s := New(sock, Identity{Project: "p"}, WithClock(clock.Fake(epoch)), WithLogger(quiet))
			prev := s.Stage()
			for _, step := range steps {
				apply(s, step)
				cur := s.Stage()
				switch {
				case cur == prev:
				case prev == StageHandshake && cur == StageIdentifying:
				case prev == StageIdentifying && cur == StageConnected:
				default:
					return false
				}
				prev = cur
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
