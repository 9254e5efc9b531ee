//go:build integration

package broadcast

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

func newTCP(t *testing.T, id envelope.NodeID) *transport.TCP {
	t.Helper()
	tr := transport.NewTCP(transport.TCPConfig{
		Self:       id,
		ListenAddr: "127.0.0.1:0",
		Split:      envelope.ProtoCodec{}.Split,
	})
	require.NoError(t, tr.Listen())
	return tr
}

func TestTCPClusterBroadcast(t *testing.T) {
	ids := []envelope.NodeID{"a", "b", "c"}
	trs := map[envelope.NodeID]*transport.TCP{}
	nodes := map[envelope.NodeID]*Engine{}
	for _, id := range ids {
		tr := newTCP(t, id)
		trs[id] = tr
		nodes[id] = startEngine(t, testConfig(id), tr)
	}
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				nodes[a].Join(membership.Member{ID: b, Addr: trs[b].Addr()})
			}
		}
	}
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				waitState(t, nodes[a], b, membership.StateActive)
			}
		}
	}

	got := map[envelope.NodeID]*collector{}
	for id, e := range nodes {
		got[id] = collect(e)
	}
	for _, p := range ids {
		for i := 0; i < 10; i++ {
			_, err := nodes[p].Publish([]byte("tcp"))
			require.NoError(t, err)
		}
	}

	for id, c := range got {
		for _, p := range ids {
			require.Eventually(t, func() bool { return len(c.from(p)) == 10 }, 5*time.Second, 10*time.Millisecond,
				"node %s from %s", id, p)
			assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, c.from(p))
		}
	}
}

// cutProxy forwards TCP connections to target. cut severs every forwarded
// connection and refuses new ones until restore.
type cutProxy struct {
	ln     net.Listener
	target string

	mu      sync.Mutex
	blocked bool
	conns   map[net.Conn]struct{}
}

func newCutProxy(t *testing.T, target string) *cutProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &cutProxy{ln: ln, target: target, conns: make(map[net.Conn]struct{})}
	go p.accept()
	t.Cleanup(func() {
		_ = ln.Close()
		p.cut()
	})
	return p
}

func (p *cutProxy) Addr() string { return p.ln.Addr().String() }

func (p *cutProxy) accept() {
	for {
		in, err := p.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		p.mu.Lock()
		blocked := p.blocked
		p.mu.Unlock()
		if blocked {
			_ = in.Close()
			continue
		}
		out, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = in.Close()
			continue
		}
		p.mu.Lock()
		p.conns[in] = struct{}{}
		p.conns[out] = struct{}{}
		p.mu.Unlock()
		go p.pipe(out, in)
		go p.pipe(in, out)
	}
}

func (p *cutProxy) pipe(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}

func (p *cutProxy) cut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = true
	for c := range p.conns {
		_ = c.Close()
	}
	clear(p.conns)
}

func (p *cutProxy) restore() {
	p.mu.Lock()
	p.blocked = false
	p.mu.Unlock()
}

func TestTCPSlowReceiverKeepsFramesAcrossCut(t *testing.T) {
	trA, trB := newTCP(t, "a"), newTCP(t, "b")
	proxy := newCutProxy(t, trB.Addr())

	cfgA := testConfig("a")
	cfgA.SuspicionTimeout = time.Minute
	cfgA.FailureThreshold = 100
	cfgB := testConfig("b")
	cfgB.SuspicionTimeout = time.Minute
	cfgB.FailureThreshold = 100
	cfgB.SinkQueueCapacity = 1
	cfgB.SinkBackpressureTimeout = time.Minute
	a := startEngine(t, cfgA, trA)
	b := startEngine(t, cfgB, trB)
	a.Join(membership.Member{ID: "b", Addr: proxy.Addr()})
	b.Join(membership.Member{ID: "a", Addr: trA.Addr()})
	waitState(t, a, "b", membership.StateActive)

	received := readSlowly(b.Subscribe(), 2*time.Millisecond)
	for i := 0; i < 50; i++ {
		_, err := a.Publish([]byte("tcp"))
		require.NoError(t, err)
	}
	proxy.cut()
	time.Sleep(200 * time.Millisecond)
	proxy.restore()
	_, err := a.Publish([]byte("tcp"))
	require.NoError(t, err)

	want := upTo(51)
	require.Eventually(t, func() bool { return len(received()) >= len(want) }, 5*time.Second, 10*time.Millisecond,
		"got %v", received())
	assert.Equal(t, want, received())
	assert.Zero(t, b.Dropped())
}
