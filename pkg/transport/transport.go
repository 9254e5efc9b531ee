package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
)

// Handler receives every inbound frame. It is called from the connection's
// own goroutine, so frames from one peer arrive in order. frame is owned by
// the handler.
type Handler func(from envelope.NodeID, frame []byte)

// Link is an open connection to one peer.
type Link interface {
	Peer() envelope.NodeID
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Transport opens outbound links and serves inbound connections.
type Transport interface {
	// Open dials peer and completes the handshake. Failures are *ConnectError.
	Open(ctx context.Context, peer membership.Member) (Link, error)
	// Serve accepts inbound connections until ctx is done or Close is called.
	Serve(ctx context.Context, h Handler) error
	Close() error
}

var (
	ErrClosed      = errors.New("transport closed")
	ErrPartitioned = errors.New("network partitioned")
	ErrBadHello    = errors.New("bad handshake")
)

// ConnectError reports a peer that could not be reached at open time.
type ConnectError struct {
	Peer envelope.NodeID
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s (%s): %v", e.Peer, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a transport fault while writing a frame.
type SendError struct {
	Peer envelope.NodeID
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Peer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type options struct {
	log *zap.Logger
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
