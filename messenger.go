package gateway

import (
	"github.com/stratus-cloud/gateway-go-sdk/internal/queue"
	"github.com/stratus-cloud/gateway-go-sdk/shard"
)

type envelopeKind uint8

const (
	envelopePayload envelopeKind = iota
	envelopeStage
	envelopeClose
)

// envelope is one mailbox message: a caller payload, a stage change or close.
type envelope struct {
	kind    envelopeKind
	payload []byte
	stage   shard.Stage
}

// messenger holds caller payloads until the session is connected. It runs on
// its own goroutine and only learns the session stage from notifications.
//
// Payloads submitted while the session is not ready are held and released in
// order once a connected notification arrives. A payload the runner could
// not write is put back with requeue and goes behind anything already held,
// so strict submission order is not guaranteed across a reconnect.
type messenger struct {
	in  *queue.Queue[envelope]
	out *queue.Queue[[]byte]

	// Owned by run.
	stage   shard.Stage
	pending [][]byte
}

func newMessenger() *messenger {
	m := &messenger{
		in:    queue.New[envelope](),
		out:   queue.New[[]byte](),
		stage: shard.StageHandshake,
	}
	go m.run()
	return m
}

// submit never blocks. It reports false once the messenger is closed.
func (m *messenger) submit(p []byte) bool {
	return m.in.Put(envelope{kind: envelopePayload, payload: p})
}

// requeue is submit for payloads coming back from the runner.
func (m *messenger) requeue(p []byte) { m.submit(p) }

func (m *messenger) notifyStage(s shard.Stage) {
	m.in.Put(envelope{kind: envelopeStage, stage: s})
}

func (m *messenger) close() {
	m.in.Put(envelope{kind: envelopeClose})
	m.in.Close()
}

// released delivers payloads that may be written now.
func (m *messenger) released() <-chan []byte { return m.out.Out() }

func (m *messenger) run() {
	defer m.out.Close()
	for env := range m.in.Out() {
		switch env.kind {
		case envelopePayload:
			if m.stage.IsConnected() {
				m.out.Put(env.payload)
			} else {
				m.pending = append(m.pending, env.payload)
			}
		case envelopeStage:
			m.stage = env.stage
			if m.stage.IsConnected() {
				for _, p := range m.pending {
					m.out.Put(p)
				}
				m.pending = nil
			}
		case envelopeClose:
			m.pending = nil
			m.in.Abort()
			m.out.Abort()
			return
		}
	}
}
