// Package heartbeat runs the timer that tells a gateway connection when a
// heartbeat is due. The scheduler never touches the connection itself: it
// receives control messages on one channel and emits triggers on another.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stratus-cloud/gateway-go-sdk/internal/clock"
)

// DefaultInterval is used until the gateway announces its own cadence in Hello.
const DefaultInterval = 15 * time.Second

type controlKind uint8

const (
	controlUpdateInterval controlKind = iota
	controlShutdown
)

// control is a HeartbeatManagerEvent: either a new interval or shutdown.
type control struct {
	kind     controlKind
	interval time.Duration
}

// Scheduler fires a trigger on C once per interval.
type Scheduler struct {
	clock   clock.Clock
	logger  *slog.Logger
	control chan control
	trigger chan struct{}
	done    chan struct{}

	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Start launches a scheduler goroutine. An interval <= 0 selects DefaultInterval.
//
// The ticker's first tick after Start (and after every interval change) lands
// one full interval later; nothing fires immediately, since the identify
// timestamp already serves as the heartbeat baseline.
func Start(initial time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock.Real(),
		logger:  slog.Default(),
		control: make(chan control, 16),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if initial <= 0 {
		initial = DefaultInterval
	}
	go s.loop(initial)
	return s
}

// C delivers a value each time a heartbeat is due. Triggers coalesce: if the
// consumer has not taken the previous one, the new one is dropped.
func (s *Scheduler) C() <-chan struct{} { return s.trigger }

// Done is closed once the scheduler goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// UpdateInterval retunes the scheduler. Values <= 0 are ignored.
func (s *Scheduler) UpdateInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.send(control{kind: controlUpdateInterval, interval: d})
}

// Stop shuts the scheduler down. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.send(control{kind: controlShutdown})
	})
}

func (s *Scheduler) send(c control) {
	select {
	case s.control <- c:
	case <-s.done:
	}
}

func (s *Scheduler) loop(interval time.Duration) {
	defer close(s.done)

	ticker := s.clock.NewTicker(interval)
	defer func() { ticker.Stop() }()

	for {
		select {
		case c := <-s.control:
			switch c.kind {
			case controlShutdown:
				s.logger.Debug("heartbeat scheduler stopped")
				return
			case controlUpdateInterval:
				if c.interval == interval {
					continue
				}
				ticker.Stop()
				interval = c.interval
				ticker = s.clock.NewTicker(interval)
				s.logger.Debug("heartbeat interval updated", "interval", interval)
			}
		case <-ticker.C:
			select {
			case s.trigger <- struct{}{}:
			default:
			}
		}
	}
}
