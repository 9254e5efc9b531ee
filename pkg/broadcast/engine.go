package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcast/pkg/delivery"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
	"github.com/ryandielhenn/zephyrcast/pkg/retry"
	"github.com/ryandielhenn/zephyrcast/pkg/sink"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

var (
	ErrStopped        = errors.New("broadcast engine stopped")
	ErrAlreadyStarted = errors.New("broadcast engine already started")
)

type options struct {
	log     *zap.Logger
	codec   envelope.Codec
	reg     prometheus.Registerer
	now     func() time.Time
	onFault func(error)
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCodec replaces the default envelope.ProtoCodec.
func WithCodec(c envelope.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithRegisterer registers engine metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		if reg != nil {
			o.reg = reg
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithFaultHandler receives every non-fatal fault: *transport.ConnectError
// and *transport.SendError (wrapped in *retry.ExhaustedError),
// *envelope.DecodeError, *sink.BackpressureFault and
// *delivery.SequenceGapOverflow. It must not block.
func WithFaultHandler(fn func(error)) Option {
	return func(o *options) { o.onFault = fn }
}

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Engine replicates locally published envelopes to every live peer and
// delivers inbound envelopes to local subscribers.
type Engine struct {
	cfg      Config
	self     envelope.NodeID
	codec    envelope.Codec
	tr       transport.Transport
	schedule retry.Schedule

	reg     *membership.Registry
	tracker *delivery.Tracker
	hub     *sink.Hub

	log     *zap.Logger
	metrics *metrics
	now     func() time.Time
	onFault func(error)

	// pubMu orders sequence assignment with enqueueing, so every outbound
	// queue holds self-sequences in increasing order.
	pubMu sync.Mutex
	seq   atomic.Uint64

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	chMu     sync.Mutex
	channels map[envelope.NodeID]*outboundChannel
	chWG     sync.WaitGroup
}

// New builds an engine on top of tr. Nothing runs until Start.
func New(cfg Config, tr transport.Transport, opts ...Option) (*Engine, error) {
	if tr == nil {
		return nil, errors.New("broadcast: transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = envelope.NodeID(uuid.NewString())
	}

	o := options{
		log:   zap.NewNop(),
		codec: envelope.ProtoCodec{},
		reg:   prometheus.NewRegistry(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := newMetrics(o.reg, string(cfg.NodeID))
	if err != nil {
		return nil, err
	}

	log := o.log.With(zap.String("node", string(cfg.NodeID)))
	e := &Engine{
		cfg:      cfg,
		self:     cfg.NodeID,
		codec:    o.codec,
		tr:       tr,
		schedule: cfg.schedule(),
		log:      log,
		metrics:  m,
		now:      o.now,
		onFault:  o.onFault,
		channels: make(map[envelope.NodeID]*outboundChannel),
	}
	e.reg = membership.New(cfg.membership(),
		membership.WithClock(o.now),
		membership.WithLogger(log.Named("membership")))
	e.tracker = delivery.New(cfg.PendingPerProducerCap,
		delivery.WithLogger(log.Named("delivery")),
		delivery.WithOverflowHandler(e.gapOverflow))
	e.hub = sink.NewHub(cfg.sink(),
		sink.WithLogger(log.Named("sink")),
		sink.WithFaultHandler(e.backpressureFault),
		sink.WithDropHandler(func(*sink.Subscription, envelope.Envelope) { m.sinkDropped.Inc() }))
	e.reg.Watch(e.onMembership)
	m.setPeers(e.reg.Counts())
	return e, nil
}

// NodeID is this node's producer identity.
func (e *Engine) NodeID() envelope.NodeID { return e.self }

// Start begins serving inbound links, sweeping membership and draining
// outbound channels. ctx bounds the engine's lifetime; Stop also ends it.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(stateNew, stateRunning) {
		if e.state.Load() == stateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	// bind early so address errors surface here rather than in the background
	if l, ok := e.tr.(interface{ Listen() error }); ok {
		if err := l.Listen(); err != nil {
			e.state.Store(stateStopped)
			return fmt.Errorf("broadcast start: %w", err)
		}
	}

	e.chMu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.chMu.Unlock()

	e.group.Go(func() error {
		if err := e.tr.Serve(e.ctx, e.OnFrameReceived); err != nil && e.ctx.Err() == nil {
			e.log.Error("transport serve stopped", zap.Error(err))
			return err
		}
		return nil
	})
	e.group.Go(func() error {
		e.reg.Run(e.ctx, e.cfg.SweepInterval)
		return nil
	})

	for _, m := range e.reg.Members() {
		e.reconcile(m.ID)
	}
	e.log.Info("broadcast engine started")
	return nil
}

// Stop tears down every channel, closes the transport and ends all
// subscriptions. It is safe to call more than once.
func (e *Engine) Stop() error {
	prev := e.state.Swap(stateStopped)
	if prev == stateStopped {
		return nil
	}
	if prev == stateNew {
		e.hub.Close()
		e.reg.Clear()
		return e.tr.Close()
	}

	e.chMu.Lock()
	channels := e.channels
	e.channels = make(map[envelope.NodeID]*outboundChannel)
	cancel := e.cancel
	e.chMu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range channels {
		ch.stop()
	}
	e.chWG.Wait()

	trErr := e.tr.Close()
	runErr := e.group.Wait()
	e.hub.Close()
	e.reg.Clear()
	e.log.Info("broadcast engine stopped")
	return errors.Join(trErr, runErr)
}

// Publish stamps payload with the next local sequence, delivers it to local
// subscribers and queues it for every peer in the current ActivePeers
// snapshot. Peers that join afterwards never receive it.
func (e *Engine) Publish(payload []byte) (envelope.Envelope, error) {
	if e.state.Load() == stateStopped {
		return envelope.Envelope{}, ErrStopped
	}

	e.pubMu.Lock()
	seq := e.seq.Add(1)
	env := envelope.New(e.self, seq, payload, e.now())
	frame, err := e.codec.Encode(env)
	if err != nil {
		e.seq.Store(seq - 1)
		e.pubMu.Unlock()
		return envelope.Envelope{}, fmt.Errorf("publish: %w", err)
	}
	targets := e.reg.ActivePeers()
	e.chMu.Lock()
	for _, p := range targets {
		if ch, ok := e.channels[p.ID]; ok {
			ch.enqueue(outbound{seq: seq, frame: frame})
		}
	}
	e.chMu.Unlock()
	e.pubMu.Unlock()

	e.metrics.published.Inc()
	e.tracker.Deliver(env, e.release)
	return env, nil
}

// OnFrameReceived handles one inbound frame from peer from. Malformed frames
// are dropped and reported; nothing here is fatal.
func (e *Engine) OnFrameReceived(from envelope.NodeID, frame []byte) {
	env, err := e.codec.Decode(frame)
	if err != nil {
		e.decodeFault(from, err)
		return
	}
	e.reg.MarkSuccess(from)

	if env.IsSync() {
		kind, start, err := env.Control()
		if err != nil {
			e.decodeFault(from, err)
			return
		}
		if kind == envelope.ControlResume {
			e.tracker.Resume(env.Producer, start, e.release)
		} else {
			e.tracker.Sync(env.Producer, start, e.release)
		}
		return
	}

	res := e.tracker.Deliver(env, e.release)
	if res.Duplicate {
		e.metrics.duplicates.Inc()
		e.log.Debug("duplicate envelope", zap.String("peer", string(from)), zap.Stringer("envelope", env))
	}
}

func (e *Engine) release(env envelope.Envelope) {
	e.metrics.delivered.Inc()
	e.hub.Deliver(env)
}

// Subscribe returns a pull subscription that sees envelopes released from
// now on.
func (e *Engine) Subscribe() *sink.Subscription { return e.hub.Subscribe() }

// SubscribeFunc calls fn for every envelope released from now on.
func (e *Engine) SubscribeFunc(fn func(envelope.Envelope)) *sink.Subscription {
	return e.hub.SubscribeFunc(fn)
}

func (e *Engine) Unsubscribe(s *sink.Subscription) { e.hub.Unsubscribe(s) }

// CurrentMembers returns a snapshot of every peer that has not Left.
func (e *Engine) CurrentMembers() []membership.Member { return e.reg.Members() }

// Member returns the registry record for id.
func (e *Engine) Member(id envelope.NodeID) (membership.Member, bool) { return e.reg.Get(id) }

// Join feeds a discovery join notification into the registry.
func (e *Engine) Join(m membership.Member) {
	if m.ID == "" || m.ID == e.self {
		return
	}
	e.reg.AddOrUpdate(membership.Member{ID: m.ID, Addr: m.Addr})
}

// Leave feeds a discovery leave notification into the registry.
func (e *Engine) Leave(id envelope.NodeID) { e.reg.Leave(id) }

// Dropped is the number of sequences lost to pending buffer overflow.
func (e *Engine) Dropped() uint64 { return e.tracker.Dropped() }

func (e *Engine) onMembership(ev membership.Event) {
	e.metrics.setPeers(e.reg.Counts())
	if ev.Removed {
		e.tracker.Forget(ev.Member.ID)
	}
	e.reconcile(ev.Member.ID)
}

// reconcile makes the channel set match the peer's current state. Events may
// arrive out of order, so the registry is re-read rather than trusted.
func (e *Engine) reconcile(id envelope.NodeID) {
	m, known := e.reg.Get(id)

	e.chMu.Lock()
	defer e.chMu.Unlock()
	if e.state.Load() != stateRunning || e.ctx == nil {
		return
	}
	ch, exists := e.channels[id]
	switch {
	case (!known || m.State == membership.StateLeft) && exists:
		delete(e.channels, id)
		ch.stop()
	case known && m.State != membership.StateLeft && !exists:
		ch = newOutboundChannel(e, m)
		e.channels[id] = ch
		e.chWG.Add(1)
		go func() {
			defer e.chWG.Done()
			ch.run()
		}()
	}
}

func (e *Engine) fault(err error) {
	if e.onFault != nil {
		e.onFault(err)
	}
}

func (e *Engine) decodeFault(from envelope.NodeID, err error) {
	e.metrics.decodeErrors.Inc()
	e.log.Warn("dropping malformed frame", zap.String("peer", string(from)), zap.Error(err))
	e.fault(err)
}

func (e *Engine) gapOverflow(g *delivery.SequenceGapOverflow) {
	e.metrics.gapDropped.Add(float64(g.Lost()))
	e.fault(g)
}

func (e *Engine) backpressureFault(err error) {
	e.metrics.backpressure.Inc()
	e.fault(err)
}
