package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrcast/pkg/delivery"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
	"github.com/ryandielhenn/zephyrcast/pkg/sink"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig(id envelope.NodeID) Config {
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.FailureThreshold = 2
	cfg.SuspicionTimeout = 150 * time.Millisecond
	cfg.RetryAttempts = 1
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.SinkBackpressureTimeout = 50 * time.Millisecond
	return cfg
}

// collector records every envelope a node releases, per producer.
type collector struct {
	mu  sync.Mutex
	got map[envelope.NodeID][]uint64
}

func collect(e *Engine) *collector {
	c := &collector{got: make(map[envelope.NodeID][]uint64)}
	e.SubscribeFunc(func(env envelope.Envelope) {
		c.mu.Lock()
		c.got[env.Producer] = append(c.got[env.Producer], env.Sequence)
		c.mu.Unlock()
	})
	return c
}

func (c *collector) from(p envelope.NodeID) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.got[p]...)
}

type faults struct {
	mu   sync.Mutex
	errs []error
}

func (f *faults) record(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *faults) any(match func(error) bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, err := range f.errs {
		if match(err) {
			return true
		}
	}
	return false
}

func startEngine(t *testing.T, cfg Config, tr transport.Transport, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := New(cfg, tr, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func waitState(t *testing.T, e *Engine, peer envelope.NodeID, want membership.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		m, ok := e.Member(peer)
		return ok && m.State == want
	}, waitFor, tick, "%s never saw %s as %s", e.NodeID(), peer, want)
}

// cluster starts one engine per id on net and joins them all together.
func cluster(t *testing.T, net *transport.Network, ids ...envelope.NodeID) map[envelope.NodeID]*Engine {
	t.Helper()
	nodes := make(map[envelope.NodeID]*Engine, len(ids))
	for _, id := range ids {
		nodes[id] = startEngine(t, testConfig(id), net.Endpoint(id))
	}
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				nodes[a].Join(membership.Member{ID: b, Addr: string(b)})
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
	return nodes
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	net := transport.NewNetwork()
	nodes := cluster(t, net, "a", "b", "c")
	got := map[envelope.NodeID]*collector{}
	for id, e := range nodes {
		got[id] = collect(e)
	}

	for i := 0; i < 5; i++ {
		_, err := nodes["a"].Publish([]byte(fmt.Sprintf("e%d", i+1)))
		require.NoError(t, err)
	}

	want := []uint64{1, 2, 3, 4, 5}
	for id, c := range got {
		require.Eventually(t, func() bool { return len(c.from("a")) == len(want) }, waitFor, tick, "node %s", id)
		assert.Equal(t, want, c.from("a"), "node %s", id)
	}
}

func TestPartitionedPeerLeavesAndRejoinsWithoutReplay(t *testing.T) {
	net := transport.NewNetwork()
	nodes := cluster(t, net, "a", "b", "c")
	a, b, c := nodes["a"], nodes["b"], nodes["c"]
	atB, atC := collect(b), collect(c)

	_, err := a.Publish([]byte("e1"))
	require.NoError(t, err)
	_, err = a.Publish([]byte("e2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(atB.from("a")) == 2 && len(atC.from("a")) == 2 }, waitFor, tick)

	net.Partition("b")
	_, err = a.Publish([]byte("e3"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(atC.from("a")) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool {
		m, _ := a.Member("b")
		return m.State == membership.StateLeft
	}, waitFor, tick)
	for _, m := range a.CurrentMembers() {
		assert.NotEqual(t, envelope.NodeID("b"), m.ID)
	}

	net.Heal("b")
	a.Join(membership.Member{ID: "b", Addr: "b"})
	b.Join(membership.Member{ID: "a", Addr: "a"})
	waitState(t, a, "b", membership.StateActive)

	_, err = a.Publish([]byte("e4"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(atB.from("a")) == 3 }, waitFor, tick)

	assert.Equal(t, []uint64{1, 2, 4}, atB.from("a"), "no replay of e3")
	require.Eventually(t, func() bool { return len(atC.from("a")) == 4 }, waitFor, tick)
	assert.Equal(t, []uint64{1, 2, 3, 4}, atC.from("a"))
}

func TestLatePeerOnlySeesLaterEvents(t *testing.T) {
	net := transport.NewNetwork()
	nodes := cluster(t, net, "a", "b")
	_, err := nodes["a"].Publish([]byte("before"))
	require.NoError(t, err)

	late := startEngine(t, testConfig("late"), net.Endpoint("late"))
	atLate := collect(late)
	nodes["a"].Join(membership.Member{ID: "late", Addr: "late"})
	late.Join(membership.Member{ID: "a", Addr: "a"})
	waitState(t, nodes["a"], "late", membership.StateActive)

	_, err = nodes["a"].Publish([]byte("after"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(atLate.from("a")) == 1 }, waitFor, tick)
	assert.Equal(t, []uint64{2}, atLate.from("a"))
}

func TestConcurrentPublishersKeepOrder(t *testing.T) {
	net := transport.NewNetwork()
	nodes := cluster(t, net, "a", "b")
	atB := collect(nodes["b"])

	const workers, each = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := nodes["a"].Publish([]byte("x"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(atB.from("a")) == workers*each }, waitFor, tick)
	got := atB.from("a")
	for i, seq := range got {
		require.Equal(t, uint64(i+1), seq)
	}
}

func frame(t *testing.T, producer envelope.NodeID, seq uint64) []byte {
	t.Helper()
	f, err := envelope.ProtoCodec{}.Encode(envelope.New(producer, seq, []byte("p"), time.Now()))
	require.NoError(t, err)
	return f
}

func TestReorderedAndDuplicatedFramesReleaseOnce(t *testing.T) {
	e := startEngine(t, testConfig("self"), transport.NewNetwork().Endpoint("self"))
	got := collect(e)

	for _, seq := range []uint64{2, 1, 1, 4, 3, 2, 4} {
		e.OnFrameReceived("x", frame(t, "x", seq))
	}

	require.Eventually(t, func() bool { return len(got.from("x")) == 4 }, waitFor, tick)
	assert.Equal(t, []uint64{1, 2, 3, 4}, got.from("x"))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.metrics.duplicates))
	assert.Equal(t, uint64(5), e.tracker.NextExpected("x"))
}

func TestSyncSkipsUnsentSequences(t *testing.T) {
	e := startEngine(t, testConfig("self"), transport.NewNetwork().Endpoint("self"))
	got := collect(e)

	e.OnFrameReceived("x", frame(t, "x", 5))
	syncFrame, err := envelope.ProtoCodec{}.Encode(envelope.NewSync("x", 5, time.Now()))
	require.NoError(t, err)
	e.OnFrameReceived("x", syncFrame)

	require.Eventually(t, func() bool { return len(got.from("x")) == 1 }, waitFor, tick)
	assert.Equal(t, []uint64{5}, got.from("x"))
	assert.Zero(t, e.Dropped())
}

func TestMalformedFrameIsReportedAndDropped(t *testing.T) {
	var f faults
	e := startEngine(t, testConfig("self"), transport.NewNetwork().Endpoint("self"), WithFaultHandler(f.record))
	got := collect(e)

	e.OnFrameReceived("x", []byte{0x05, 0xff, 0xff})
	e.OnFrameReceived("x", frame(t, "x", 1))

	require.Eventually(t, func() bool { return len(got.from("x")) == 1 }, waitFor, tick)
	assert.True(t, f.any(func(err error) bool {
		var de *envelope.DecodeError
		return errors.As(err, &de)
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.decodeErrors))
}

func TestUnreachablePeerIsSuspectedThenLeft(t *testing.T) {
	var f faults
	e := startEngine(t, testConfig("a"), transport.NewNetwork().Endpoint("a"), WithFaultHandler(f.record))

	e.Join(membership.Member{ID: "ghost", Addr: "ghost"})
	waitState(t, e, "ghost", membership.StateSuspected)
	waitState(t, e, "ghost", membership.StateLeft)

	assert.Empty(t, e.CurrentMembers())
	assert.True(t, f.any(func(err error) bool {
		var ce *transport.ConnectError
		return errors.As(err, &ce)
	}))
}

func TestPeerLeaveStopsDelivery(t *testing.T) {
	net := transport.NewNetwork()
	nodes := cluster(t, net, "a", "b")
	atB := collect(nodes["b"])

	nodes["a"].Leave("b")
	require.Eventually(t, func() bool {
		nodes["a"].chMu.Lock()
		defer nodes["a"].chMu.Unlock()
		return len(nodes["a"].channels) == 0
	}, waitFor, tick)

	_, err := nodes["a"].Publish([]byte("gone"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, atB.from("a"))
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	var f faults
	cfg := testConfig("a")
	cfg.SinkQueueCapacity = 1
	cfg.SinkBackpressureTimeout = 10 * time.Millisecond
	e := startEngine(t, cfg, transport.NewNetwork().Endpoint("a"), WithFaultHandler(f.record))

	slow := e.Subscribe()
	fast := collect(e)

	for i := 0; i < 5; i++ {
		_, err := e.Publish(nil)
		require.NoError(t, err)
	}

	select {
	case <-slow.Done():
	case <-time.After(waitFor):
		t.Fatal("slow subscriber was never disconnected")
	}
	assert.ErrorIs(t, slow.Err(), sink.ErrClosed)
	require.Eventually(t, func() bool { return len(fast.from("a")) == 5 }, waitFor, tick)
	assert.True(t, f.any(func(err error) bool {
		var bf *sink.BackpressureFault
		return errors.As(err, &bf)
	}))
}

func TestOutboundQueueDropsOldest(t *testing.T) {
	net := transport.NewNetwork()
	cfgA := testConfig("a")
	cfgA.OutboundQueueCapacity = 2
	cfgA.SuspicionTimeout = time.Minute
	cfgA.FailureThreshold = 100
	cfgB := testConfig("b")
	cfgB.SuspicionTimeout = time.Minute
	cfgB.FailureThreshold = 100
	var f faults
	a := startEngine(t, cfgA, net.Endpoint("a"))
	b := startEngine(t, cfgB, net.Endpoint("b"), WithFaultHandler(f.record))
	a.Join(membership.Member{ID: "b", Addr: "b"})
	b.Join(membership.Member{ID: "a", Addr: "a"})
	waitState(t, a, "b", membership.StateActive)

	atB := collect(b)

	net.Partition("b")
	for i := 0; i < 5; i++ {
		_, err := a.Publish(nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(a.metrics.outboundDrops))

	net.Heal("b")
	require.Eventually(t, func() bool { return len(atB.from("a")) == 2 }, waitFor, tick)
	assert.Equal(t, []uint64{4, 5}, atB.from("a"))
	require.Eventually(t, func() bool { return b.Dropped() == 3 }, waitFor, tick, "sender-side drops were not counted")
	assert.True(t, f.any(func(err error) bool {
		var g *delivery.SequenceGapOverflow
		return errors.As(err, &g) && g.Cause == delivery.CauseSenderDropped && g.From == 1 && g.To == 3
	}))
}

// readSlowly pulls from sub with a pause after every envelope and returns a
// snapshot of the sequences read so far.
func readSlowly(sub *sink.Subscription, pause time.Duration) func() []uint64 {
	var (
		mu  sync.Mutex
		got []uint64
	)
	go func() {
		for {
			env, err := sub.Next(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, env.Sequence)
			mu.Unlock()
			time.Sleep(pause)
		}
	}()
	return func() []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), got...)
	}
}

func upTo(n int) []uint64 {
	seqs := make([]uint64, n)
	for i := range seqs {
		seqs[i] = uint64(i + 1)
	}
	return seqs
}

// A receiver that drains slowly still holds frames in the link when the
// partition hits. After the heal every sequence must arrive exactly once.
func TestSlowReceiverKeepsFramesAcrossTransientPartition(t *testing.T) {
	net := transport.NewNetwork()
	cfgA := testConfig("a")
	cfgA.SuspicionTimeout = time.Minute
	cfgA.FailureThreshold = 100
	cfgB := testConfig("b")
	cfgB.SuspicionTimeout = time.Minute
	cfgB.FailureThreshold = 100
	cfgB.SinkQueueCapacity = 1
	cfgB.SinkBackpressureTimeout = time.Minute
	a := startEngine(t, cfgA, net.Endpoint("a"))
	b := startEngine(t, cfgB, net.Endpoint("b"))
	a.Join(membership.Member{ID: "b", Addr: "b"})
	b.Join(membership.Member{ID: "a", Addr: "a"})
	waitState(t, a, "b", membership.StateActive)

	received := readSlowly(b.Subscribe(), 2*time.Millisecond)

	for i := 0; i < 50; i++ {
		_, err := a.Publish(nil)
		require.NoError(t, err)
	}
	net.Partition("b")
	time.Sleep(200 * time.Millisecond)
	net.Heal("b")
	_, err := a.Publish(nil)
	require.NoError(t, err)

	want := upTo(51)
	require.Eventually(t, func() bool { return len(received()) >= len(want) }, waitFor, tick, "got %v", received())
	assert.Equal(t, want, received())
	assert.Zero(t, b.Dropped())
}

func TestGapOverflowIsReported(t *testing.T) {
	var f faults
	cfg := testConfig("self")
	cfg.PendingPerProducerCap = 2
	e := startEngine(t, cfg, transport.NewNetwork().Endpoint("self"), WithFaultHandler(f.record))

	for _, seq := range []uint64{3, 4, 5} {
		e.OnFrameReceived("x", frame(t, "x", seq))
	}
	assert.True(t, f.any(func(err error) bool {
		var g *delivery.SequenceGapOverflow
		return errors.As(err, &g)
	}))
	assert.Equal(t, uint64(2), e.Dropped())
}

func TestStopEndsEverything(t *testing.T) {
	e, err := New(testConfig("a"), transport.NewNetwork().Endpoint("a"))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	sub := e.Subscribe()
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	_, err = e.Publish(nil)
	assert.ErrorIs(t, err, ErrStopped)
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription still open after Stop")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 0
	_, err := New(cfg, transport.NewNetwork().Endpoint("a"))
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil)
	assert.Error(t, err)

	e, err := New(DefaultConfig(), transport.NewNetwork().Endpoint("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, e.NodeID())
}
