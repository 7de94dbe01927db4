// Package client implements the coordination-store side of the wire: a
// persistent connection that pairs responses to requests by frame id, keeps
// the socket alive with pings, and transparently reconnects and replays
// in-flight requests after a drop.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rzbill/strata/internal/protocol"
	"github.com/rzbill/strata/pkg/log"
)

// Row is one decoded result row. Null cells are absent from the map.
type Row map[string]string

// Options tunes a connection.
type Options struct {
	Logger log.Logger
	// PingInterval is how often a liveness probe goes out. Default 5s.
	PingInterval time.Duration
	// PongTimeout is how long the connection tolerates silence from the
	// server before it declares the socket dead. Default 30s.
	PongTimeout time.Duration
	// DialTimeout bounds each (re)connect attempt. Default 10s.
	DialTimeout time.Duration
	// MaxBackoff caps the delay between reconnect attempts. Default 5s.
	MaxBackoff time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Logger == nil {
		out.Logger = log.NewNopLogger()
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 5 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 30 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 5 * time.Second
	}
	return out
}

var ErrConnClosed = errors.New("client: connection closed")

// call is one in-flight request. wire holds the encoded frame so it can be
// replayed verbatim after a reconnect.
type call struct {
	wire []byte
	done chan callResult
}

type callResult struct {
	rs  *protocol.ResultSet
	err error
}

// Conn is a coordination-store connection. Safe for concurrent use;
// responses may arrive in any order.
type Conn struct {
	addr   string
	opts   Options
	logger log.Logger

	mu       sync.Mutex
	sock     net.Conn
	gen      uint64
	nextID   uint64
	inflight map[uint64]*call
	closed   bool

	lastPongMu sync.Mutex
	lastPong   time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// Dial opens a connection. The initial connect is synchronous so callers
// learn immediately when the address is wrong; later drops are handled
// internally.
func Dial(addr string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	c := &Conn{
		addr:     addr,
		opts:     opts,
		logger:   opts.Logger.WithComponent("client"),
		inflight: make(map[uint64]*call),
		stop:     make(chan struct{}),
		lastPong: time.Now(),
	}
	sock, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c.sock = sock
	c.wg.Add(2)
	go c.readLoop(sock, c.gen)
	go c.pingLoop()
	return c, nil
}

// Close tears the connection down. In-flight requests fail with
// ErrConnClosed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	sock := c.sock
	c.sock = nil
	calls := c.inflight
	c.inflight = make(map[uint64]*call)
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	for _, call := range calls {
		call.done <- callResult{err: ErrConnClosed}
	}
	c.wg.Wait()
}

// Query executes one command and returns the decoded rows.
func (c *Conn) Query(ctx context.Context, cmd string, tables []protocol.InlineTable, trace string) ([]Row, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	f := &protocol.Frame{
		ID:   id,
		Kind: protocol.KindQuery,
		Query: &protocol.Query{
			Command:      cmd,
			Trace:        trace,
			InlineTables: tables,
		},
	}
	wire, err := protocol.EncodeFrame(f)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	cl := &call{wire: wire, done: make(chan callResult, 1)}
	c.inflight[id] = cl
	sock := c.sock
	c.mu.Unlock()

	if sock != nil {
		if _, err := sock.Write(wire); err != nil {
			// The read loop notices the broken socket and replays this
			// call after reconnecting, so a write error is not fatal to
			// the request.
			c.logger.Debug("write failed, awaiting reconnect", log.Err(err))
		}
	}

	select {
	case res := <-cl.done:
		if res.err != nil {
			return nil, res.err
		}
		return decodeRows(res.rs), nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func decodeRows(rs *protocol.ResultSet) []Row {
	if rs == nil {
		return nil
	}
	rows := make([]Row, 0, len(rs.Rows))
	for _, cells := range rs.Rows {
		row := make(Row, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(cells) && cells[i] != nil {
				row[col] = *cells[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (c *Conn) readLoop(sock net.Conn, gen uint64) {
	defer c.wg.Done()
	for {
		f, err := protocol.ReadFrame(sock)
		if err != nil {
			c.handleDisconnect(sock, gen, err)
			return
		}
		switch f.Kind {
		case protocol.KindPong:
			c.lastPongMu.Lock()
			c.lastPong = time.Now()
			c.lastPongMu.Unlock()
		case protocol.KindResultSet:
			c.complete(f.ID, callResult{rs: f.ResultSet})
		case protocol.KindError:
			c.complete(f.ID, callResult{err: fmt.Errorf("client: server error: %s", f.Error)})
		default:
			c.logger.Warn("unexpected frame kind", log.Int("kind", int(f.Kind)))
		}
	}
}

// complete resolves the in-flight call for id. Responses for unknown ids
// (canceled calls, duplicates after replay) are dropped.
func (c *Conn) complete(id uint64, res callResult) {
	c.mu.Lock()
	cl, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request id", log.Uint64("id", id))
		return
	}
	cl.done <- res
}

// handleDisconnect redials with backoff and replays every in-flight frame
// on the new socket. Only the goroutine owning the current generation
// reconnects; stale read loops exit quietly.
func (c *Conn) handleDisconnect(old net.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	newGen := c.gen
	c.sock = nil
	c.mu.Unlock()
	_ = old.Close()
	c.logger.Warn("connection lost, reconnecting", log.Err(cause))

	backoff := 100 * time.Millisecond
	for {
		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		sock, err := net.DialTimeout("tcp", c.addr, c.opts.DialTimeout)
		if err != nil {
			c.logger.Warn("reconnect failed", log.Err(err))
			if backoff *= 2; backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = sock.Close()
			return
		}
		c.sock = sock
		replay := make([][]byte, 0, len(c.inflight))
		for _, cl := range c.inflight {
			replay = append(replay, cl.wire)
		}
		c.mu.Unlock()

		c.lastPongMu.Lock()
		c.lastPong = time.Now()
		c.lastPongMu.Unlock()

		ok := true
		for _, wire := range replay {
			if _, err := sock.Write(wire); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			_ = sock.Close()
			continue
		}
		c.logger.Info("reconnected", log.Int("replayed", len(replay)))
		c.wg.Add(1)
		go c.readLoop(sock, newGen)
		return
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.lastPongMu.Lock()
		silent := time.Since(c.lastPong)
		c.lastPongMu.Unlock()

		c.mu.Lock()
		sock := c.sock
		gen := c.gen
		c.mu.Unlock()
		if sock == nil {
			continue
		}

		if silent > c.opts.PongTimeout {
			c.logger.Warn("pong timeout, dropping socket", log.Dur("silent", silent))
			c.handleDisconnect(sock, gen, errors.New("pong timeout"))
			continue
		}
		if err := protocol.WriteFrame(sock, &protocol.Frame{Kind: protocol.KindPing}); err != nil {
			c.logger.Debug("ping write failed", log.Err(err))
		}
	}
}
