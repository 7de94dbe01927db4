// Package server exposes the coordination store over its binary protocol:
// one TCP listener, one goroutine per connection, one goroutine per
// in-flight command so a blocking command never stalls the rest of the
// socket.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rzbill/strata/internal/command"
	"github.com/rzbill/strata/internal/protocol"
	"github.com/rzbill/strata/pkg/log"
)

type Server struct {
	handler *command.Handler
	logger  log.Logger

	mu     sync.Mutex
	lis    net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

func New(handler *command.Handler, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		handler: handler,
		logger:  logger.WithComponent("server"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe accepts connections until ctx is canceled, then closes the
// listener and every open connection and waits for handlers to drain.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()
	s.logger.Info("listening", log.Str("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.acceptLoop(ctx, l) }()
	select {
	case <-ctx.Done():
		s.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listener address, for callers that listen on an
// ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Close stops the listener and tears down open connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	lis := s.lis
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if lis != nil {
		_ = lis.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// connWriter serializes frame writes from concurrent command goroutines
// onto one socket.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(f *protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.WriteFrame(w.conn, f)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.removeConn(conn)
	defer conn.Close()

	logger := s.logger.With(log.Str("remote", conn.RemoteAddr().String()))
	logger.Debug("connection opened")

	// Commands for this connection stop when either the server or the
	// connection goes away. The cancel runs before the wait so in-flight
	// blocking commands are released as soon as the read loop exits.
	connCtx, cancel := context.WithCancel(ctx)

	w := &connWriter{conn: conn}
	var pending sync.WaitGroup
	defer pending.Wait()
	defer cancel()

	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read failed", log.Err(err))
			}
			logger.Debug("connection closed")
			return
		}
		switch f.Kind {
		case protocol.KindPing:
			if err := w.write(&protocol.Frame{ID: f.ID, Kind: protocol.KindPong}); err != nil {
				return
			}
		case protocol.KindQuery:
			if f.Query == nil {
				if err := w.write(&protocol.Frame{ID: f.ID, Kind: protocol.KindError, Error: "empty query frame"}); err != nil {
					return
				}
				continue
			}
			pending.Add(1)
			go func(f *protocol.Frame) {
				defer pending.Done()
				s.runCommand(connCtx, logger, w, f)
			}(f)
		default:
			// Clients never send result sets or errors.
			if err := w.write(&protocol.Frame{ID: f.ID, Kind: protocol.KindError, Error: "unexpected frame kind"}); err != nil {
				return
			}
		}
	}
}

func (s *Server) runCommand(ctx context.Context, logger log.Logger, w *connWriter, f *protocol.Frame) {
	start := time.Now()
	res, err := s.handler.Execute(ctx, f.Query.Command)
	if err != nil {
		logger.Debug("command failed", log.Err(err))
		_ = w.write(&protocol.Frame{ID: f.ID, Kind: protocol.KindError, Error: err.Error()})
		return
	}
	logger.Debug("command executed", log.Dur("elapsed", time.Since(start)))
	_ = w.write(&protocol.Frame{
		ID:        f.ID,
		Kind:      protocol.KindResultSet,
		ResultSet: &protocol.ResultSet{Columns: res.Columns, Rows: res.Rows},
	})
}
