package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/strata/internal/protocol"
)

// fakeServer is a minimal protocol endpoint for driving the client without
// a real store: it answers pings and lets tests script query responses.
type fakeServer struct {
	t   *testing.T
	lis net.Listener

	mu       sync.Mutex
	conns    int
	onQuery  func(conn net.Conn, f *protocol.Frame)
	dropNext bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{t: t, lis: lis}
	t.Cleanup(func() { _ = lis.Close() })
	go s.acceptLoop()
	return s
}

func (s *fakeServer) addr() string { return s.lis.Addr().String() }

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		drop := s.dropNext
		s.dropNext = false
		s.mu.Unlock()
		if drop {
			_ = conn.Close()
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *fakeServer) serveConn(conn net.Conn) {
	defer conn.Close()
	var wmu sync.Mutex
	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		switch f.Kind {
		case protocol.KindPing:
			wmu.Lock()
			_ = protocol.WriteFrame(conn, &protocol.Frame{ID: f.ID, Kind: protocol.KindPong})
			wmu.Unlock()
		case protocol.KindQuery:
			s.mu.Lock()
			handler := s.onQuery
			s.mu.Unlock()
			if handler != nil {
				handler(conn, f)
			}
		}
	}
}

func respondRows(conn net.Conn, id uint64, columns []string, rows ...[]*string) {
	_ = protocol.WriteFrame(conn, &protocol.Frame{
		ID:        id,
		Kind:      protocol.KindResultSet,
		ResultSet: &protocol.ResultSet{Columns: columns, Rows: rows},
	})
}

func strp(s string) *string { return &s }

func TestConnQueryDecodesRows(t *testing.T) {
	srv := newFakeServer(t)
	srv.onQuery = func(conn net.Conn, f *protocol.Frame) {
		if f.Query.Command != "QUEUE GET 'a:b'" {
			respondRows(conn, f.ID, []string{"value"})
			return
		}
		respondRows(conn, f.ID, []string{"payload", "extra"}, []*string{strp(`{"x":1}`), nil})
	}

	c, err := Dial(srv.addr(), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	rows, err := c.Query(context.Background(), "QUEUE GET 'a:b'", nil, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["payload"] != `{"x":1}` {
		t.Fatalf("rows = %+v", rows)
	}
	if _, present := rows[0]["extra"]; present {
		t.Fatalf("null cell surfaced in row: %+v", rows[0])
	}
}

func TestConnMatchesResponsesOutOfOrder(t *testing.T) {
	srv := newFakeServer(t)
	frames := make(chan struct {
		conn net.Conn
		f    *protocol.Frame
	}, 2)
	srv.onQuery = func(conn net.Conn, f *protocol.Frame) {
		frames <- struct {
			conn net.Conn
			f    *protocol.Frame
		}{conn, f}
	}

	c, err := Dial(srv.addr(), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	type result struct {
		rows []Row
		err  error
	}
	got := make(chan result, 2)
	run := func(cmd string) {
		rows, err := c.Query(context.Background(), cmd, nil, "")
		got <- result{rows, err}
	}
	go run("FIRST")
	go run("SECOND")

	a := <-frames
	b := <-frames
	// Answer in reverse arrival order.
	respondRows(b.conn, b.f.ID, []string{"cmd"}, []*string{strp(b.f.Query.Command)})
	respondRows(a.conn, a.f.ID, []string{"cmd"}, []*string{strp(a.f.Query.Command)})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := <-got
		if r.err != nil {
			t.Fatalf("query: %v", r.err)
		}
		seen[r.rows[0]["cmd"]] = true
	}
	if !seen["FIRST"] || !seen["SECOND"] {
		t.Fatalf("responses misrouted: %v", seen)
	}
}

func TestConnServerErrorRejectsOnlyThatCall(t *testing.T) {
	srv := newFakeServer(t)
	srv.onQuery = func(conn net.Conn, f *protocol.Frame) {
		if f.Query.Command == "BAD" {
			_ = protocol.WriteFrame(conn, &protocol.Frame{ID: f.ID, Kind: protocol.KindError, Error: "nope"})
			return
		}
		respondRows(conn, f.ID, []string{"ok"}, []*string{strp("1")})
	}

	c, err := Dial(srv.addr(), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Query(context.Background(), "BAD", nil, ""); err == nil {
		t.Fatal("expected server error")
	}
	rows, err := c.Query(context.Background(), "GOOD", nil, "")
	if err != nil || rows[0]["ok"] != "1" {
		t.Fatalf("good query after error: rows=%v err=%v", rows, err)
	}
}

func TestConnReconnectsAndReplaysInflight(t *testing.T) {
	srv := newFakeServer(t)

	// First delivery of the query kills the socket without answering; the
	// replayed copy after reconnect gets a real answer.
	var deliveries int
	srv.onQuery = func(conn net.Conn, f *protocol.Frame) {
		srv.mu.Lock()
		deliveries++
		n := deliveries
		srv.mu.Unlock()
		if n == 1 {
			_ = conn.Close()
			return
		}
		respondRows(conn, f.ID, []string{"value"}, []*string{strp("replayed")})
	}

	c, err := Dial(srv.addr(), Options{PingInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := c.Query(ctx, "QUEUE RESULT 'x'", nil, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows[0]["value"] != "replayed" {
		t.Fatalf("rows = %+v", rows)
	}
	if srv.connCount() < 2 {
		t.Fatalf("conn count = %d, want reconnect", srv.connCount())
	}
}

func TestConnQueryAfterCloseFails(t *testing.T) {
	srv := newFakeServer(t)
	c, err := Dial(srv.addr(), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()
	if _, err := c.Query(context.Background(), "X", nil, ""); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("err = %v, want ErrConnClosed", err)
	}
}

func TestConnCanceledQueryDropsLateResponse(t *testing.T) {
	srv := newFakeServer(t)
	queries := make(chan struct {
		conn net.Conn
		id   uint64
	}, 1)
	srv.onQuery = func(conn net.Conn, f *protocol.Frame) {
		queries <- struct {
			conn net.Conn
			id   uint64
		}{conn, f.ID}
	}

	c, err := Dial(srv.addr(), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := c.Query(ctx, "SLOW", nil, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The late answer for the canceled id must not break the connection.
	q := <-queries
	respondRows(q.conn, q.id, []string{"late"}, []*string{strp("1")})

	srv.mu.Lock()
	srv.onQuery = func(conn net.Conn, f *protocol.Frame) {
		respondRows(conn, f.ID, []string{"ok"}, []*string{strp("1")})
	}
	srv.mu.Unlock()
	rows, err := c.Query(context.Background(), "NEXT", nil, "")
	if err != nil || rows[0]["ok"] != "1" {
		t.Fatalf("query after dropped response: rows=%v err=%v", rows, err)
	}
}
