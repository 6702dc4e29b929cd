// Package session represents one connected client: its subscription state,
// its outbound message queue, and the command dispatcher. The server owns
// the socket; the session owns everything between the protocol core and the
// socket's writer.
package session

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bidid/internal/protocol"
	"bidid/internal/sub"
)

// outboundDepth bounds the per-session queue. Results and events share the
// queue so their relative order on the socket matches enqueue order.
const outboundDepth = 1024

// Session is one client connection's protocol state. It implements bus.Sink;
// the bus calls Resolve and Deliver with the tree lock held, so both must
// stay cheap and never call back into the protocol core.
type Session struct {
	id   string
	log  *zap.Logger
	subs *sub.Registry

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a session with an empty subscription registry.
func New(log *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		log:    log.With(zap.String("session", id)),
		subs:   sub.New(),
		out:    make(chan []byte, outboundDepth),
		closed: make(chan struct{}),
	}
}

// ID returns the session's identifier, used only for logging.
func (s *Session) ID() string { return s.id }

// Subscriptions exposes the registry to the command dispatcher.
func (s *Session) Subscriptions() *sub.Registry { return s.subs }

// Outbound is the queue the connection's writer goroutine drains. Each
// element is one complete JSON message.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Close releases enqueuers and tells the connection's writer to drop the
// socket. Pending queue contents are dropped with the connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Closed reports connection teardown to the dispatcher.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Resolve implements bus.Sink.
func (s *Session) Resolve(event, contextID string) []string {
	return s.subs.Resolve(event, contextID)
}

// Deliver implements bus.Sink, enqueueing one event for one channel.
func (s *Session) Deliver(ev protocol.Event) {
	s.send(ev)
}

// SendResult enqueues a success response for a command.
func (s *Session) SendResult(id int64, channel string, result any) {
	s.send(protocol.Response{ID: id, Result: result, Channel: channel})
}

// SendError enqueues an error response. id is nil for messages whose id
// could not be parsed.
func (s *Session) SendError(id *int64, channel string, perr *protocol.Error) {
	s.send(protocol.ErrorResponse{
		ID:      id,
		Error:   perr.Code,
		Message: perr.Message,
		Channel: channel,
	})
}

func (s *Session) send(msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal outbound message", zap.Error(err))
		return
	}
	select {
	case s.out <- raw:
	case <-s.closed:
	default:
		// A full queue means the client stopped reading. send runs on
		// publisher goroutines that may hold the tree lock, so blocking here
		// would stall every session; the slow connection dies instead.
		s.log.Warn("outbound queue full, closing session")
		s.Close()
	}
}
