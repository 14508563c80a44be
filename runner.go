package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gobwas/ws"

	"github.com/stratus-cloud/gateway-go-sdk/heartbeat"
	"github.com/stratus-cloud/gateway-go-sdk/internal/queue"
	"github.com/stratus-cloud/gateway-go-sdk/shard"
	"github.com/stratus-cloud/gateway-go-sdk/wire"
)

// closeZombie is sent when the gateway stopped acknowledging heartbeats.
const closeZombie = 4000

type dialFunc func(ctx context.Context) (*shard.Shard, error)

// runner owns the live shard. It is the only goroutine that writes to the
// socket or mutates the shard.
type runner struct {
	ctx     context.Context
	dial    dialFunc
	hb      *heartbeat.Scheduler
	mailbox *messenger
	events  *queue.Queue[wire.Dispatch]
	info    *sessionInfo
	metrics *metrics
	logger  *slog.Logger

	// connected records whether the current session reached StageConnected.
	connected bool
}

type readResult struct {
	frame shard.Frame
	err   error
}

// run drives sessions until the context is cancelled, the mailbox closes or a
// reconnect fails. Every reconnect signal gets exactly one dial attempt, and a
// reconnected session must reach StageConnected before it may reconnect
// again: a second failure in a row is terminal.
func (r *runner) run(sh *shard.Shard) error {
	defer func() {
		r.hb.Stop()
		r.mailbox.close()
		r.events.Close()
		r.info.setStage(shard.StageDisconnected)
		r.metrics.stage.Set(float64(shard.StageDisconnected))
	}()

	retried := false
	for {
		r.connected = false
		reason := r.session(sh)
		if reason == nil {
			return nil
		}
		if r.ctx.Err() != nil {
			return nil
		}
		if r.connected {
			retried = false
		} else if retried {
			r.metrics.reconnects.WithLabelValues("failed").Inc()
			r.logger.Error("reconnected session ended before it was ready", "reason", reason)
			return fmt.Errorf("%w: session ended before connecting: %w", ErrReconnectFailed, reason)
		}
		retried = true

		r.logger.Warn("reconnecting to gateway", "reason", reason)
		next, err := r.dial(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			r.metrics.reconnects.WithLabelValues("failed").Inc()
			r.logger.Error("reconnect failed", "error", err)
			return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
		}
		r.metrics.reconnects.WithLabelValues("ok").Inc()
		r.info.reconnected()
		sh = next
	}
}

// session runs one shard to completion. It returns nil when the runner should
// stop and the reconnect reason otherwise.
func (r *runner) session(sh *shard.Shard) error {
	r.info.reset(sh.ID())
	r.setStage(sh.Stage())

	frames := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go readFrames(sh, frames, done)

	for {
		select {
		case <-r.ctx.Done():
			r.closeShard(sh, int(ws.StatusNormalClosure))
			return nil

		case <-r.hb.C():
			n := sh.HeartbeatsSent()
			err := sh.CheckHeartbeat()
			r.metrics.heartbeatsSent.Add(float64(sh.HeartbeatsSent() - n))
			if err != nil {
				code := int(ws.StatusNormalClosure)
				if errors.Is(err, shard.ErrZombie) {
					code = closeZombie
				}
				r.closeShard(sh, code)
				return err
			}

		case p, ok := <-r.mailbox.released():
			if !ok {
				r.closeShard(sh, int(ws.StatusNormalClosure))
				return nil
			}
			if !sh.Stage().IsConnected() {
				r.metrics.outboundQueued.Inc()
				r.mailbox.requeue(p)
				continue
			}
			if err := sh.Send(p); err != nil {
				r.metrics.outboundQueued.Inc()
				r.mailbox.requeue(p)
				act := sh.HandleError(err)
				r.closeShard(sh, int(ws.StatusNormalClosure))
				return act.Reason
			}
			r.metrics.outboundSent.Inc()

		case res := <-frames:
			if res.err != nil {
				act := sh.HandleError(res.err)
				r.closeShard(sh, int(ws.StatusNormalClosure))
				return act.Reason
			}
			if reason := r.handleFrame(sh, res.frame); reason != nil {
				r.closeShard(sh, int(ws.StatusNormalClosure))
				return reason
			}
		}
	}
}

// handleFrame decodes and applies one frame, returning a reconnect reason
// when the session cannot continue. Undecodable frames are dropped.
func (r *runner) handleFrame(sh *shard.Shard, f shard.Frame) error {
	ev, err := sh.Decode(f)
	if err != nil {
		r.metrics.decodeErrors.Inc()
		r.logger.Warn("dropping undecodable frame", "session", sh.ID().String(), "error", err)
		return nil
	}

	before := sh.Stage()
	act, ok := sh.HandleEvent(ev)

	switch e := ev.(type) {
	case *wire.Hello:
		if sh.Interval() > 0 {
			r.hb.UpdateInterval(sh.Interval())
		}
	case *wire.Dispatch:
		r.metrics.dispatches.WithLabelValues(e.Event).Inc()
		r.events.Put(*e)
	}

	if ok {
		if err := r.execute(sh, act); err != nil {
			return err
		}
	}
	if after := sh.Stage(); after != before {
		r.setStage(after)
	}
	return nil
}

func (r *runner) execute(sh *shard.Shard, act shard.Action) error {
	switch act.Kind {
	case shard.ActionIdentify:
		if err := sh.Identify(); err != nil {
			return sh.HandleError(err).Reason
		}
	case shard.ActionHeartbeat:
		n := sh.HeartbeatsSent()
		if err := sh.Heartbeat(act.Tag); err != nil {
			return sh.HandleError(err).Reason
		}
		r.metrics.heartbeatsSent.Add(float64(sh.HeartbeatsSent() - n))
	case shard.ActionReconnect:
		if act.Reason == nil {
			return errors.New("gateway requested reconnect")
		}
		return act.Reason
	case shard.ActionUpdate:
		r.metrics.heartbeatAcks.Inc()
		r.info.setLatency(sh)
		if lat, ok := sh.Latency(); ok {
			r.metrics.latency.Observe(lat.Seconds())
		}
	}
	return nil
}

func (r *runner) setStage(s shard.Stage) {
	if s.IsConnected() {
		r.connected = true
	}
	r.info.setStage(s)
	r.mailbox.notifyStage(s)
	r.metrics.stage.Set(float64(s))
}

func (r *runner) closeShard(sh *shard.Shard, code int) {
	if err := sh.Close(code); err != nil {
		r.logger.Debug("closing gateway connection", "session", sh.ID().String(), "error", err)
	}
	r.mailbox.notifyStage(shard.StageDisconnected)
}

// readFrames pumps frames off the socket until it fails or done closes.
func readFrames(sh *shard.Shard, out chan<- readResult, done <-chan struct{}) {
	for {
		f, err := sh.ReadFrame()
		select {
		case out <- readResult{frame: f, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}
