// Package connectionmgr owns the peer sockets. Reader goroutines hand raw
// bytes to a single event channel; Poll drains it on the caller's
// goroutine, where each peer's receive state machine and packet queue
// live, so queues are never touched concurrently.
package connectionmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/rfsim/internal/logging"
)

// Role selects whether the multiplexer listens or connects.
type Role int

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

var (
	// ErrPeerLimit is reported when an accept would exceed MaxPeers.
	ErrPeerLimit = errors.New("connectionmgr: peer limit reached")
	// ErrClosed is returned by operations on a closed multiplexer.
	ErrClosed = errors.New("connectionmgr: closed")
	// ErrServerLost is reported when a client loses its only server.
	ErrServerLost = errors.New("connectionmgr: server connection lost")
)

const (
	DefaultMaxPeers     = 250
	DefaultSendBuffer   = 100000000
	DefaultRetryDelay   = time.Second
	DefaultWriteTimeout = 100 * time.Millisecond
	DefaultSendRetries  = 4000
	readChunk           = 64 * 1024
	eventBacklog        = 64
)

// sendRetryPause is the sleep between attempts on a full send buffer.
var sendRetryPause = 250 * time.Microsecond

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a Multiplexer.
type Config struct {
	Role Role
	// Addr is the listen address for a server and the remote address for
	// a client.
	Addr     string
	MaxPeers int
	// Dial replaces the default TCP dialer, e.g. with SSHDialer.DialContext.
	Dial DialFunc
	// RetryDelay is the pause between client connection attempts.
	RetryDelay time.Duration
	// GapWarn is the forward timestamp jump, in samples, above which a
	// "timestamp gap" warning is logged. Zero disables the warning.
	GapWarn uint64
	// MaxQueue bounds the blocks held per peer; the oldest block is dropped
	// when it is exceeded. Zero means unbounded.
	MaxQueue     int
	SendBuffer   int
	WriteTimeout time.Duration
	SendRetries  int
	Logger       logging.Logger

	// OnPeer runs on the Poll goroutine when a peer joins.
	OnPeer func(*Peer)
	// OnRemove runs on the Poll goroutine after a peer has been removed.
	OnRemove func(*Peer, error)
}

type event struct {
	peer *Peer
	conn net.Conn
	data []byte
	err  error
}

// Multiplexer tracks the connected peers.
type Multiplexer struct {
	cfg    Config
	log    logging.Logger
	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	ln        net.Listener
	peers     []*Peer
	nextIndex int
	closed    atomic.Bool
	closeOnce sync.Once
}

// New returns a multiplexer with no sockets yet.
func New(cfg Config) *Multiplexer {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = DefaultSendRetries
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	return &Multiplexer{
		cfg:    cfg,
		log:    logging.OrDefault(cfg.Logger).With(logging.F("subsystem", "connectionmgr"), logging.F("role", cfg.Role.String())),
		events: make(chan event, eventBacklog),
		done:   make(chan struct{}),
	}
}

// ---------- Construction / lifecycle ----------

// Listen binds the server socket and starts accepting peers. Accepted
// connections join on the next Poll.
func (m *Multiplexer) Listen(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.Addr, err)
	}
	m.ln = ln
	m.log.Info("listening", logging.F("addr", ln.Addr().String()))
	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

// Addr is the bound listen address, or nil for a client.
func (m *Multiplexer) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Dial connects to the server, retrying every RetryDelay until it succeeds
// or ctx ends. The server joins as a peer immediately.
func (m *Multiplexer) Dial(ctx context.Context) (*Peer, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	var conn net.Conn
	op := func() error {
		c, err := m.cfg.Dial(ctx, "tcp", m.cfg.Addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.log.Info("connect failed, retrying",
			logging.F("addr", m.cfg.Addr),
			logging.F("err", err),
			logging.F("wait", wait))
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(m.cfg.RetryDelay), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("connect %s: %w", m.cfg.Addr, err)
	}
	m.log.Info("connected", logging.F("addr", m.cfg.Addr))
	return m.addPeer(conn), nil
}

// Attach adopts an already connected stream as a peer, e.g. one end of a
// net.Pipe.
func (m *Multiplexer) Attach(conn net.Conn) (*Peer, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if len(m.peers) >= m.cfg.MaxPeers {
		return nil, ErrPeerLimit
	}
	return m.addPeer(conn), nil
}

// Close shuts every socket and waits for the reader goroutines.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
		if m.ln != nil {
			_ = m.ln.Close()
		}
		for _, p := range m.peers {
			p.removed = true
			_ = p.conn.Close()
		}
		m.peers = nil
		m.wg.Wait()
	})
	return nil
}

// Peers returns the connected peers. The slice must not be modified and
// is only valid until the next Poll or send.
func (m *Multiplexer) Peers() []*Peer { return m.peers }

// ---------- Event loop ----------

// Poll waits up to timeout for socket activity and processes every event
// available. It reports whether anything happened. A zero timeout only
// drains what is already pending.
func (m *Multiplexer) Poll(timeout time.Duration) bool {
	var ev event
	select {
	case ev = <-m.events:
	case <-m.done:
		return false
	default:
		if timeout <= 0 {
			return false
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case ev = <-m.events:
		case <-t.C:
			return false
		case <-m.done:
			return false
		}
	}
	m.handle(ev)
	for range eventBacklog {
		select {
		case ev = <-m.events:
			m.handle(ev)
		default:
			return true
		}
	}
	return true
}

func (m *Multiplexer) handle(ev event) {
	switch {
	case ev.conn != nil:
		if len(m.peers) >= m.cfg.MaxPeers {
			m.log.Warn("rejecting peer",
				logging.F("remote", ev.conn.RemoteAddr().String()),
				logging.F("err", ErrPeerLimit))
			_ = ev.conn.Close()
			return
		}
		m.addPeer(ev.conn)
	case ev.peer.removed:
	case len(ev.data) > 0:
		if err := ev.peer.feed(ev.data); err != nil {
			ev.peer.log.Error("malformed header", logging.F("err", err))
			m.Remove(ev.peer, err)
		}
	case ev.err != nil:
		m.Remove(ev.peer, ev.err)
	}
}

func (m *Multiplexer) addPeer(conn net.Conn) *Peer {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetWriteBuffer(m.cfg.SendBuffer)
		_ = tc.SetNoDelay(true)
	}
	p := newPeer(conn, m.nextIndex, m.log, m.cfg.GapWarn, m.cfg.MaxQueue)
	m.nextIndex++
	m.peers = append(m.peers, p)
	p.log.Info("peer connected", logging.F("peers", len(m.peers)))
	m.wg.Add(1)
	go m.readLoop(p)
	if m.cfg.OnPeer != nil {
		m.cfg.OnPeer(p)
	}
	return p
}

// Remove closes the peer's socket and releases its queue. It is safe to
// call more than once.
func (m *Multiplexer) Remove(p *Peer, cause error) {
	if p.removed {
		return
	}
	p.removed = true
	_ = p.conn.Close()
	p.Queue.Clear()
	m.peers = slices.DeleteFunc(m.peers, func(q *Peer) bool { return q == p })
	p.log.Warn("peer disconnected", logging.F("err", cause), logging.F("peers", len(m.peers)))
	if m.cfg.OnRemove != nil {
		m.cfg.OnRemove(p, cause)
	}
}

func (m *Multiplexer) emit(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Multiplexer) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !m.closed.Load() {
				m.log.Error("accept failed", logging.F("err", err))
			}
			return
		}
		if !m.emit(event{conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

func (m *Multiplexer) readLoop(p *Peer) {
	defer m.wg.Done()
	for {
		buf := make([]byte, readChunk)
		n, err := p.conn.Read(buf)
		if n > 0 && !m.emit(event{peer: p, data: buf[:n]}) {
			return
		}
		if err != nil {
			m.emit(event{peer: p, err: err})
			return
		}
	}
}

// ---------- Sending ----------

// Send writes b to one peer. A peer whose socket fails, or stays full
// beyond the retry budget, is removed and the error returned.
func (m *Multiplexer) Send(p *Peer, b []byte) error {
	if p.removed {
		return ErrClosed
	}
	if err := m.writeAll(p, b); err != nil {
		m.Remove(p, err)
		return err
	}
	p.Stats.BytesOut.Add(uint64(len(b)))
	return nil
}

// Broadcast sends b to every peer and returns how many received it.
func (m *Multiplexer) Broadcast(b []byte) int {
	sent := 0
	for _, p := range slices.Clone(m.peers) {
		if m.Send(p, b) == nil {
			sent++
		}
	}
	return sent
}

// writeAll writes the full buffer, handling short writes. A write that
// times out means the send buffer is full: pause briefly and retry.
func (m *Multiplexer) writeAll(p *Peer, b []byte) error {
	retries := 0
	for len(b) > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		n, err := p.conn.Write(b)
		b = b[n:]
		if err == nil {
			continue
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return fmt.Errorf("send: %w", err)
		}
		retries++
		if retries > m.cfg.SendRetries {
			return fmt.Errorf("send: gave up after %d retries: %w", retries-1, err)
		}
		if retries == 1 {
			p.log.Warn("send buffer full, retrying", logging.F("pending", len(b)))
		}
		time.Sleep(sendRetryPause)
	}
	return nil
}
