// Package server terminates client WebSocket connections and pumps messages
// between the socket and the protocol core. Each connection gets a session,
// a read loop that spawns one goroutine per command, and a single writer
// goroutine that serializes the session's outbound queue onto the socket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bidid/internal/bus"
	"bidid/internal/protocol"
	"bidid/internal/session"
)

const shutdownGrace = 5 * time.Second

// Server accepts BiDi clients over WebSocket.
type Server struct {
	log     *zap.Logger
	bus     *bus.Bus
	handler *session.Handler

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// base is the parent of every per-connection context so connections
	// die with the server.
	base   context.Context
	cancel context.CancelFunc
}

// New creates a Server listening on addr once Run is called.
func New(addr string, handler *session.Handler, b *bus.Bus, log *zap.Logger) *Server {
	s := &Server{
		log:     log,
		bus:     b,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The protocol carries its own scoping; cross-origin browsers
			// talking to a local control port are the normal case.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.Handle("/session", s)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Run serves until ctx is canceled, then drains with a shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ServeHTTP upgrades one client connection and runs it to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	sess := session.New(s.log)
	log := s.log.With(zap.String("session", sess.ID()))
	log.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

	connCtx, cancel := context.WithCancel(s.base)
	defer cancel()

	s.bus.Attach(sess)
	defer func() {
		s.bus.Detach(sess)
		sess.Close()
		log.Info("client disconnected")
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case raw := <-sess.Outbound():
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					log.Debug("write failed", zap.Error(err))
					cancel()
					return
				}
			case <-sess.Closed():
				// The session closed itself on outbound overflow. Drop the
				// socket so the read loop unwinds.
				conn.Close()
				return
			case <-connCtx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-writerDone
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}

		var cmd protocol.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			sess.SendError(nil, "", protocol.InvalidArgument("malformed message: %v", err))
			continue
		}
		if cmd.Method == "" {
			sess.SendError(&cmd.ID, cmd.Channel, protocol.InvalidArgument("method is required"))
			continue
		}

		// Commands pipeline: each runs on its own goroutine and a navigate
		// waiting on milestones never stalls the read loop.
		go s.handler.Handle(connCtx, sess, cmd)
	}
}
