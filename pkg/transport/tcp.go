package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
)

type TCPConfig struct {
	Self             envelope.NodeID
	ListenAddr       string
	Split            bufio.SplitFunc // required: cuts frames out of the stream
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameSize     int
}

func (c TCPConfig) withDefaults() TCPConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = envelope.MaxFrameSize
	}
	return c
}

// TCP is a Transport over plain TCP sockets.
type TCP struct {
	cfg TCPConfig
	log *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ Transport = (*TCP)(nil)

func NewTCP(cfg TCPConfig, opts ...Option) *TCP {
	o := applyOptions(opts)
	return &TCP{
		cfg:   cfg.withDefaults(),
		log:   o.log.With(zap.String("transport", "tcp")),
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds ListenAddr. Serve calls it when needed; call it first to learn
// the bound address.
func (t *TCP) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.ln = ln
	return nil
}

// Addr returns the bound listen address, or ListenAddr before Listen.
func (t *TCP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return t.cfg.ListenAddr
}

func (t *TCP) Serve(ctx context.Context, h Handler) error {
	if t.cfg.Split == nil {
		return errors.New("tcp: TCPConfig.Split is required")
	}
	if err := t.Listen(); err != nil {
		return err
	}
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	t.log.Info("listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcp accept: %w", err)
		}
		if !t.track(conn) {
			_ = conn.Close()
			return nil
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.untrack(conn)
			t.serveConn(conn, h)
		}()
	}
}

func (t *TCP) serveConn(conn net.Conn, h Handler) {
	br := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	peer, err := readHello(br)
	if err != nil {
		t.log.Warn("inbound handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	if _, err := conn.Write([]byte{helloAck}); err != nil {
		t.log.Warn("inbound handshake ack failed", zap.String("peer", string(peer)), zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})
	t.log.Debug("inbound link", zap.String("peer", string(peer)), zap.String("remote", conn.RemoteAddr().String()))

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64<<10), t.cfg.MaxFrameSize+binary.MaxVarintLen64)
	sc.Split(t.cfg.Split)
	for sc.Scan() {
		h(peer, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Warn("inbound link closed", zap.String("peer", string(peer)), zap.Error(err))
	}
}

func (t *TCP) Open(ctx context.Context, peer membership.Member) (Link, error) {
	if t.isClosed() {
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: ErrClosed}
	}
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: err}
	}

	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	if err := writeHello(conn, t.cfg.Self); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: err}
	}
	if err := readAck(conn); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	if !t.track(conn) {
		_ = conn.Close()
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: ErrClosed}
	}
	return &tcpLink{t: t, peer: peer.ID, conn: conn}, nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var err error
	if t.ln != nil {
		err = t.ln.Close()
	}
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (t *TCP) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TCP) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *TCP) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
	_ = c.Close()
}

type tcpLink struct {
	t    *TCP
	peer envelope.NodeID
	mu   sync.Mutex
	conn net.Conn
}

func (l *tcpLink) Peer() envelope.NodeID { return l.peer }

func (l *tcpLink) Send(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &SendError{Peer: l.peer, Err: err}
	}
	deadline := time.Now().Add(l.t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if _, err := l.conn.Write(frame); err != nil {
		return &SendError{Peer: l.peer, Err: err}
	}
	return nil
}

func (l *tcpLink) Close() error {
	l.t.untrack(l.conn)
	return nil
}
