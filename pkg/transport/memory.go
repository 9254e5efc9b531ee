package transport

import (
	"context"
	"sync"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
)

const memoryLinkBuffer = 1024

// Network is an in-process network. Each endpoint is a Transport addressed by
// its node ID. Partitioned nodes can neither open links nor send frames.
type Network struct {
	mu          sync.Mutex
	endpoints   map[envelope.NodeID]*Memory
	partitioned map[envelope.NodeID]bool
}

func NewNetwork() *Network {
	return &Network{
		endpoints:   make(map[envelope.NodeID]*Memory),
		partitioned: make(map[envelope.NodeID]bool),
	}
}

// Endpoint returns the transport for id, creating it on first use.
func (n *Network) Endpoint(id envelope.NodeID) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.endpoints[id]; ok {
		return m
	}
	m := &Memory{net: n, id: id, links: make(map[*memLink]struct{})}
	n.endpoints[id] = m
	return m
}

// Partition cuts id off from every other endpoint until Heal.
func (n *Network) Partition(id envelope.NodeID) {
	n.mu.Lock()
	n.partitioned[id] = true
	n.mu.Unlock()
}

func (n *Network) Heal(id envelope.NodeID) {
	n.mu.Lock()
	delete(n.partitioned, id)
	n.mu.Unlock()
}

func (n *Network) reachable(from, to envelope.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.partitioned[from] && !n.partitioned[to]
}

func (n *Network) lookup(id envelope.NodeID) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

// Memory is one endpoint of a Network.
type Memory struct {
	net *Network
	id  envelope.NodeID

	mu      sync.Mutex
	handler Handler
	links   map[*memLink]struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ Transport = (*Memory)(nil)

// Addr is the address peers use to reach this endpoint.
func (m *Memory) Addr() string { return string(m.id) }

func (m *Memory) Serve(ctx context.Context, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.handler = h
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.handler = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) inbound() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.handler
}

func (m *Memory) Open(ctx context.Context, peer membership.Member) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: err}
	}
	addr := envelope.NodeID(peer.Addr)
	if addr == "" {
		addr = peer.ID
	}
	target := m.net.lookup(addr)
	if target == nil || target.inbound() == nil {
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: ErrClosed}
	}
	if !m.net.reachable(m.id, target.id) {
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: ErrPartitioned}
	}

	l := &memLink{
		from:   m,
		to:     target,
		peer:   peer.ID,
		frames: make(chan []byte, memoryLinkBuffer),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ConnectError{Peer: peer.ID, Addr: peer.Addr, Err: ErrClosed}
	}
	m.links[l] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go l.pump()
	return l, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := make([]*memLink, 0, len(m.links))
	for l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	m.wg.Wait()
	return nil
}

type memLink struct {
	from   *Memory
	to     *Memory
	peer   envelope.NodeID
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (l *memLink) Peer() envelope.NodeID { return l.peer }

// pump hands frames to the receiver in order, on one goroutine per link.
// Frames accepted before Close are still delivered.
func (l *memLink) pump() {
	defer l.from.wg.Done()
	for {
		select {
		case <-l.done:
			for {
				select {
				case f := <-l.frames:
					l.deliver(f)
				default:
					return
				}
			}
		case f := <-l.frames:
			l.deliver(f)
		}
	}
}

func (l *memLink) deliver(f []byte) {
	if h := l.to.inbound(); h != nil {
		h(l.from.id, f)
	}
}

func (l *memLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return &SendError{Peer: l.peer, Err: ErrClosed}
	default:
	}
	if l.to.inbound() == nil {
		return &SendError{Peer: l.peer, Err: ErrClosed}
	}
	if !l.from.net.reachable(l.from.id, l.to.id) {
		return &SendError{Peer: l.peer, Err: ErrPartitioned}
	}
	f := append([]byte(nil), frame...)
	select {
	case l.frames <- f:
		return nil
	case <-l.done:
		return &SendError{Peer: l.peer, Err: ErrClosed}
	case <-ctx.Done():
		return &SendError{Peer: l.peer, Err: ctx.Err()}
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.from.mu.Lock()
		delete(l.from.links, l)
		l.from.mu.Unlock()
	})
	return nil
}
