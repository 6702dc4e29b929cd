// Package bus fans protocol events out to attached sessions. It holds no
// entities of its own: at publish time it asks each session's subscription
// registry for the ordered channel list and hands one message per channel to
// that session's outbound queue.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"bidid/internal/protocol"
)

// Sink is one attached client session: scope resolution plus an outbound
// queue. Deliver must preserve call order and never call back into the bus.
type Sink interface {
	Resolve(event, contextID string) []string
	Deliver(ev protocol.Event)
}

// Bus routes published events to sinks in subscription-registration order.
type Bus struct {
	log *zap.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// New creates a Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{log: log}
}

// Attach registers a session to receive events.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Detach removes a session.
func (b *Bus) Detach(s Sink) {
	b.mu.Lock()
	for i, cur := range b.sinks {
		if cur == s {
			b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// Publish delivers one event to every matching channel of every attached
// session, in each session's registration order. Delivery is fire-and-forget
// relative to the publisher: enqueueing is synchronous, draining the queue to
// the socket is the session writer's job.
func (b *Bus) Publish(method string, params any, contextID string) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		channels := s.Resolve(method, contextID)
		if len(channels) == 0 {
			continue
		}
		b.log.Debug("publish",
			zap.String("event", method),
			zap.String("context", contextID),
			zap.Int("channels", len(channels)))
		for _, ch := range channels {
			s.Deliver(protocol.Event{Method: method, Params: params, Channel: ch})
		}
	}
}
