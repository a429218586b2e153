// Package bus provides the message bus test adapter: a recording facade
// over a simulated bus. Published messages are delivered synchronously to
// subscribed handlers, so tests see eventual effects without real broker
// infrastructure, and every publish, consume and fault is recorded for the
// waiters to query.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Envelope is one message moving through the simulated bus. Type carries
// the message type name used by all query surfaces.
type Envelope struct {
	ID      xid.ID
	Type    string
	Payload []byte
	Headers map[string]string
	SentAt  time.Time
}

// Fault records a failed publish or a handler failure for a message type.
type Fault struct {
	MessageType string
	Reason      string
	OccurredAt  time.Time
}

// Handler consumes one envelope. A non-nil error is recorded as a consume
// fault for the envelope's type.
type Handler func(ctx context.Context, env Envelope) error

// Transport forwards envelopes to a real broker. Optional; the recorder is
// fully functional without one.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// Recorder is the bus simulation. All methods are safe for concurrent use.
type Recorder struct {
	transport Transport

	mu            sync.RWMutex
	handlers      map[string][]Handler
	published     []Envelope
	consumed      []Envelope
	publishFaults []Fault
	consumeFaults []Fault
}

type option func(r *Recorder)

// WithTransport forwards every published envelope to a real broker in
// addition to recording it.
func WithTransport(t Transport) option {
	return func(r *Recorder) {
		r.transport = t
	}
}

func NewRecorder(opts ...option) *Recorder {
	r := &Recorder{
		handlers: make(map[string][]Handler),
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Subscribe registers a handler for a message type. Handlers run
// synchronously inside Publish, in registration order.
func (r *Recorder) Subscribe(messageType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = append(r.handlers[messageType], h)
}

// Publish records the envelope as published and delivers it to subscribed
// handlers. A transport failure records a publish fault and is returned; a
// handler failure records a consume fault but does not fail the publish.
func (r *Recorder) Publish(ctx context.Context, env Envelope) error {
	env.ID = xid.New()
	env.SentAt = time.Now()

	if r.transport != nil {
		if err := r.transport.Send(ctx, env); err != nil {
			r.recordPublishFault(env.Type, err.Error())
			return err
		}
	}

	r.mu.Lock()
	r.published = append(r.published, env)
	handlers := append([]Handler(nil), r.handlers[env.Type]...)
	r.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			r.recordConsumeFault(env.Type, err.Error())
			continue
		}

		r.mu.Lock()
		r.consumed = append(r.consumed, env)
		r.mu.Unlock()
	}

	return nil
}

func (r *Recorder) recordPublishFault(messageType, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishFaults = append(r.publishFaults, Fault{
		MessageType: messageType,
		Reason:      reason,
		OccurredAt:  time.Now(),
	})
}

func (r *Recorder) recordConsumeFault(messageType, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumeFaults = append(r.consumeFaults, Fault{
		MessageType: messageType,
		Reason:      reason,
		OccurredAt:  time.Now(),
	})
}

// InjectPublishFault records a publish fault without a publish, for tests
// that verify fault handling.
func (r *Recorder) InjectPublishFault(messageType, reason string) {
	r.recordPublishFault(messageType, reason)
}

// InjectConsumeFault records a consume fault without a consume.
func (r *Recorder) InjectConsumeFault(messageType, reason string) {
	r.recordConsumeFault(messageType, reason)
}

func (r *Recorder) PublishedAny(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return anyOfType(r.published, messageType)
}

func (r *Recorder) ConsumedAny(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return anyOfType(r.consumed, messageType)
}

func (r *Recorder) PublishedFaultAny(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return anyFaultOfType(r.publishFaults, messageType)
}

func (r *Recorder) ConsumedFaultAny(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return anyFaultOfType(r.consumeFaults, messageType)
}

// Published returns a copy of all recorded published envelopes.
func (r *Recorder) Published() []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Envelope(nil), r.published...)
}

// Consumed returns a copy of all recorded consumed envelopes.
func (r *Recorder) Consumed() []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Envelope(nil), r.consumed...)
}

// Purge clears all recorded envelopes and faults. Subscriptions survive;
// call it between tests.
func (r *Recorder) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = nil
	r.consumed = nil
	r.publishFaults = nil
	r.consumeFaults = nil
}

func anyOfType(envs []Envelope, messageType string) bool {
	for _, e := range envs {
		if e.Type == messageType {
			return true
		}
	}
	return false
}

func anyFaultOfType(faults []Fault, messageType string) bool {
	for _, f := range faults {
		if f.MessageType == messageType {
			return true
		}
	}
	return false
}
