package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
)

// NodeHeader carries the dialer's node ID on the upgrade request.
const NodeHeader = "X-Zephyrcast-Node"

type WebSocketConfig struct {
	Self             envelope.NodeID
	ListenAddr       string
	Path             string // defaults to /zephyrcast
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameSize     int
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.Path == "" {
		c.Path = "/zephyrcast"
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

// WebSocket is a Transport carrying one frame per binary message. The HTTP
// upgrade is the handshake.
type WebSocket struct {
	cfg      WebSocketConfig
	log      *zap.Logger
	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ Transport = (*WebSocket)(nil)

func NewWebSocket(cfg WebSocketConfig, opts ...Option) *WebSocket {
	cfg = cfg.withDefaults()
	o := applyOptions(opts)
	return &WebSocket{
		cfg: cfg,
		log: o.log.With(zap.String("transport", "websocket")),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
		},
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (w *WebSocket) Listen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", w.cfg.ListenAddr, err)
	}
	w.ln = ln
	return nil
}

func (w *WebSocket) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln != nil {
		return w.ln.Addr().String()
	}
	return w.cfg.ListenAddr
}

func (w *WebSocket) Serve(ctx context.Context, h Handler) error {
	if err := w.Listen(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, func(rw http.ResponseWriter, r *http.Request) {
		peer := envelope.NodeID(r.Header.Get(NodeHeader))
		if peer == "" || len(peer) > maxNodeIDLen {
			http.Error(rw, "missing or invalid "+NodeHeader, http.StatusBadRequest)
			return
		}
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.log.Warn("upgrade failed", zap.String("peer", string(peer)), zap.Error(err))
			return
		}
		if !w.track(conn) {
			_ = conn.Close()
			return
		}
		defer w.untrack(conn)
		w.serveConn(peer, conn, h)
	})

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.srv = &http.Server{Handler: mux, ReadHeaderTimeout: w.cfg.HandshakeTimeout}
	srv, ln := w.srv, w.ln
	w.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	w.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("path", w.cfg.Path))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket serve: %w", err)
	}
	return nil
}

func (w *WebSocket) serveConn(peer envelope.NodeID, conn *websocket.Conn, h Handler) {
	conn.SetReadLimit(int64(w.cfg.MaxFrameSize) + 16)
	w.log.Debug("inbound link", zap.String("peer", string(peer)), zap.String("remote", conn.RemoteAddr().String()))
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				w.log.Warn("inbound link closed", zap.String("peer", string(peer)), zap.Error(err))
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		h(peer, data)
	}
}

func (w *WebSocket) Open(ctx context.Context, peer membership.Member) (Link, error) {
	if w.isClosed() {
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: ErrClosed}
	}
	url := "ws://" + peer.Addr + w.cfg.Path
	header := http.Header{}
	header.Set(NodeHeader, string(w.cfg.Self))

	conn, resp, err := w.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: err}
	}
	if !w.track(conn) {
		_ = conn.Close()
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: ErrClosed}
	}

	l := &wsLink{w: w, peer: peer.ID, conn: conn, broken: make(chan struct{})}
	// control frames are only processed while reading
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(l.broken)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return l, nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	srv, ln := w.srv, w.ln
	for c := range w.conns {
		_ = c.Close()
	}
	w.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	} else if ln != nil {
		err = ln.Close()
	}
	w.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *WebSocket) track(c *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.conns[c] = struct{}{}
	return true
}

func (w *WebSocket) untrack(c *websocket.Conn) {
	w.mu.Lock()
	delete(w.conns, c)
	w.mu.Unlock()
	_ = c.Close()
}

type wsLink struct {
	w      *WebSocket
	peer   envelope.NodeID
	mu     sync.Mutex
	conn   *websocket.Conn
	broken chan struct{}
}

func (l *wsLink) Peer() envelope.NodeID { return l.peer }

func (l *wsLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.broken:
		return &SendError{Peer: l.peer, Err: net.ErrClosed}
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &SendError{Peer: l.peer, Err: err}
	}
	deadline := time.Now().Add(l.w.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &SendError{Peer: l.peer, Err: err}
	}
	return nil
}

func (l *wsLink) Close() error {
	l.mu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.mu.Unlock()
	l.w.untrack(l.conn)
	return nil
}
