// Package gateway provides a Go client for the realtime gateway. It connects
// over WebSocket, identifies, keeps the session alive with heartbeats and
// re-identifies after a disconnect. Dispatch events are read with NextEvent
// or Events; outbound payloads are queued with Submit until the session is
// ready.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratus-cloud/gateway-go-sdk/heartbeat"
	"github.com/stratus-cloud/gateway-go-sdk/internal/clock"
	"github.com/stratus-cloud/gateway-go-sdk/internal/queue"
	"github.com/stratus-cloud/gateway-go-sdk/shard"
	"github.com/stratus-cloud/gateway-go-sdk/wire"
)

var (
	ErrClosed          = errors.New("gateway: client closed")
	ErrReconnectFailed = errors.New("gateway: reconnect failed")
)

const defaultDialTimeout = 10 * time.Second

// Config holds connection parameters.
type Config struct {
	Endpoint string // WebSocket URL (e.g. "wss://gateway.example.com")
	Project  string // project id sent in Identify
	Token    string // empty for a public session

	// Compression requested in the URL. Empty selects wire.DefaultCompression.
	Compression wire.Compression

	DialTimeout time.Duration // default 10s
	Logger      *slog.Logger  // default slog.Default()

	// Registerer receives the client's Prometheus collectors. Nil keeps
	// them unregistered.
	Registerer prometheus.Registerer

	clock clock.Clock
}

// Client is a live gateway session.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	cancel  context.CancelFunc
	mailbox *messenger
	events  *queue.Queue[wire.Dispatch]
	info    *sessionInfo
	metrics *metrics

	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Connect dials the gateway and starts the session goroutines. It returns once
// the socket is open; the handshake continues in the background and Stage
// reports its progress.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("gateway: endpoint not configured")
	}
	if cfg.Project == "" {
		return nil, errors.New("gateway: project not configured")
	}
	if cfg.Compression == "" {
		cfg.Compression = wire.DefaultCompression
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}

	logger := cfg.Logger.With("endpoint", cfg.Endpoint)
	identity := shard.Identity{Project: cfg.Project, Token: cfg.Token}
	dial := func(ctx context.Context) (*shard.Shard, error) {
		return shard.Dial(ctx, cfg.Endpoint, identity, cfg.DialTimeout,
			shard.WithCompression(cfg.Compression),
			shard.WithClock(cfg.clock),
			shard.WithLogger(logger),
		)
	}

	sh, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		cancel:  cancel,
		mailbox: newMessenger(),
		events:  queue.New[wire.Dispatch](),
		info:    &sessionInfo{},
		metrics: newMetrics(cfg.Registerer),
		done:    make(chan struct{}),
	}

	r := &runner{
		ctx:     runCtx,
		dial:    dial,
		hb:      heartbeat.Start(heartbeat.DefaultInterval, heartbeat.WithClock(cfg.clock), heartbeat.WithLogger(logger)),
		mailbox: c.mailbox,
		events:  c.events,
		info:    c.info,
		metrics: c.metrics,
		logger:  logger,
	}

	go func() {
		defer close(c.done)
		if err := r.run(sh); err != nil {
			c.setErr(err)
		}
	}()

	return c, nil
}

// Submit queues an encoded frame for the gateway. It never blocks; the frame
// is written once the session is connected.
func (c *Client) Submit(frame []byte) error {
	if !json.Valid(frame) {
		return errors.New("gateway: submit: payload is not valid JSON")
	}
	if !c.mailbox.submit(append([]byte(nil), frame...)) {
		return ErrClosed
	}
	return nil
}

// Subscribe queues a subscribe request for channel. data may be nil.
func (c *Client) Subscribe(channel string, data json.RawMessage) error {
	frame, err := wire.Subscribe(channel, data)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return c.Submit(frame)
}

// Events is the inbound dispatch stream, in the order the gateway sent it.
// It is closed when the session ends for good.
func (c *Client) Events() <-chan wire.Dispatch { return c.events.Out() }

// NextEvent waits for the next dispatch. Once the session has ended it
// returns Err(), or ErrClosed after a normal Close.
func (c *Client) NextEvent(ctx context.Context) (wire.Dispatch, error) {
	select {
	case d, ok := <-c.events.Out():
		if !ok {
			<-c.done
			if err := c.Err(); err != nil {
				return wire.Dispatch{}, err
			}
			return wire.Dispatch{}, ErrClosed
		}
		return d, nil
	case <-ctx.Done():
		return wire.Dispatch{}, ctx.Err()
	}
}

// Close shuts the session down and waits for its goroutines. Frames still
// queued, in either direction, are discarded.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("closing gateway client", "project", c.cfg.Project)
		c.cancel()
	})
	<-c.done
	c.events.Abort()
	return nil
}

// Done is closed once the session has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the session ended, or nil while it is running or after a
// normal Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// Stage is the current session stage.
func (c *Client) Stage() shard.Stage { return c.info.snapshot().Stage }

// Latency is the last heartbeat round trip, if one has completed on the
// current connection.
func (c *Client) Latency() (time.Duration, bool) {
	info := c.info.snapshot()
	return info.Latency, info.HasLatency
}

// Info returns a snapshot of the session.
func (c *Client) Info() SessionInfo { return c.info.snapshot() }
