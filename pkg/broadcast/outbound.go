package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
	"github.com/ryandielhenn/zephyrcast/pkg/retry"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

type outbound struct {
	seq   uint64
	frame []byte
}

// outboundChannel owns the link to one peer. A single goroutine drains the
// buffer in sequence order, so frames to a peer never overtake each other.
//
// Written frames stay in the buffer until evicted by newer ones: a successful
// Send only means the transport accepted the frame. When the link is replaced
// the buffer is rewound and every retained frame is written again; the
// receiver drops the duplicates.
type outboundChannel struct {
	e    *Engine
	peer envelope.NodeID
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	frames  []outbound // oldest first; frames[:sent] are written on the current link
	sent    int
	base    uint64 // first sequence ever queued, 0 until then
	dropGen uint64 // bumped for every unwritten frame lost to overflow
	wake    chan struct{}

	// touched only by run
	link      transport.Link
	announced bool   // control envelope written on the current link
	linked    bool   // the channel's opening sync has been written
	noticed   uint64 // dropGen covered by the last resume
}

func newOutboundChannel(e *Engine, m membership.Member) *outboundChannel {
	ctx, cancel := context.WithCancel(e.ctx)
	return &outboundChannel{
		e:      e,
		peer:   m.ID,
		log:    e.log.With(zap.String("peer", string(m.ID))),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// enqueue appends o. A full buffer evicts its oldest frame; evicting one that
// was never written counts as an outbound drop and is announced to the peer.
func (c *outboundChannel) enqueue(o outbound) {
	c.mu.Lock()
	if c.base == 0 {
		c.base = o.seq
	}
	if len(c.frames) >= c.e.cfg.OutboundQueueCapacity {
		if c.sent > 0 {
			c.sent--
		} else {
			c.dropGen++
			c.e.metrics.outboundDrops.Inc()
		}
		c.frames[0] = outbound{}
		c.frames = c.frames[1:]
	}
	c.frames = append(c.frames, o)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// nextUnsent returns the oldest frame not yet written on the current link.
func (c *outboundChannel) nextUnsent() (outbound, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent >= len(c.frames) {
		return outbound{}, c.dropGen, false
	}
	return c.frames[c.sent], c.dropGen, true
}

// markSent advances past o if it is still the next unwritten frame. An
// overflow may already have evicted it.
func (c *outboundChannel) markSent(o outbound) {
	c.mu.Lock()
	if c.sent < len(c.frames) && c.frames[c.sent].seq == o.seq {
		c.sent++
	}
	c.mu.Unlock()
}

func (c *outboundChannel) queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames) - c.sent
}

// stop must not block: it runs under the engine's channel lock.
func (c *outboundChannel) stop() { c.cancel() }

func (c *outboundChannel) run() {
	defer c.teardown()
	heartbeat := time.NewTicker(c.e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for c.ctx.Err() == nil {
		if c.link == nil || !c.announced {
			c.cycle(c.open)
			continue
		}
		o, gen, ok := c.nextUnsent()
		if !ok {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
			case <-heartbeat.C:
				c.cycle(c.heartbeat)
			}
			continue
		}
		c.cycle(func() error { return c.send(o, gen) })
	}
}

// cycle runs attempt under the retry schedule. One exhausted cycle counts as
// a single membership failure, followed by a pause before the next cycle.
func (c *outboundChannel) cycle(attempt func() error) bool {
	err := retry.Do(c.ctx, c.e.schedule, func(try int) error {
		if try > 0 {
			c.e.metrics.retries.Inc()
		}
		return attempt()
	})
	if err == nil {
		c.e.reg.MarkSuccess(c.peer)
		return true
	}
	if c.ctx.Err() != nil {
		return false
	}

	state := c.e.reg.MarkFailure(c.peer)
	c.log.Warn("peer unreachable",
		zap.Stringer("state", state),
		zap.Int("queued", c.queued()),
		zap.Error(err))
	c.e.fault(err)

	pause := time.NewTimer(c.e.cfg.RetryMaxDelay)
	defer pause.Stop()
	select {
	case <-c.ctx.Done():
	case <-pause.C:
	}
	return false
}

func (c *outboundChannel) connect() error {
	if c.link != nil {
		return nil
	}
	m, ok := c.e.reg.Get(c.peer)
	if !ok || m.State == membership.StateLeft {
		return &transport.ConnectError{Peer: c.peer, Err: errors.New("peer has left")}
	}
	link, err := c.e.tr.Open(c.ctx, m)
	if err != nil {
		c.e.metrics.connectFails.Inc()
		return err
	}
	c.log.Debug("link open", zap.String("addr", m.Addr))
	c.link = link
	return nil
}

func (c *outboundChannel) write(frame []byte) error {
	if err := c.link.Send(c.ctx, frame); err != nil {
		c.e.metrics.sendFailures.Inc()
		c.dropLink()
		return err
	}
	return nil
}

func (c *outboundChannel) writeControl(kind envelope.ControlKind, start uint64) error {
	env := envelope.NewSync(c.e.self, start, c.e.now())
	if kind == envelope.ControlResume {
		env = envelope.NewResume(c.e.self, start, c.e.now())
	}
	frame, err := c.e.codec.Encode(env)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// open connects and announces the link. The channel's first link opens with
// a sync at the first sequence it was given; every later link, and a first
// link whose oldest frames were already evicted, resumes at the oldest frame
// still held so the receiver counts what it will never get.
func (c *outboundChannel) open() error {
	if err := c.connect(); err != nil {
		return err
	}
	if c.announced {
		return nil
	}

	c.e.pubMu.Lock()
	c.mu.Lock()
	var head outbound
	held := len(c.frames) > 0
	if held {
		head = c.frames[0]
	}
	base, gen := c.base, c.dropGen
	c.mu.Unlock()
	next := c.e.seq.Load() + 1
	c.e.pubMu.Unlock()

	relink := c.linked
	if !relink {
		if base == 0 {
			base = next
		}
		if err := c.writeControl(envelope.ControlSync, base); err != nil {
			return err
		}
		c.linked = true
	}
	if held && (relink || head.seq > base) {
		if err := c.writeControl(envelope.ControlResume, head.seq); err != nil {
			return err
		}
	}
	c.noticed = gen
	c.announced = true
	return nil
}

// send writes o, preceded by a resume when frames were lost to overflow
// since the last announcement.
func (c *outboundChannel) send(o outbound, gen uint64) error {
	if gen != c.noticed {
		if err := c.writeControl(envelope.ControlResume, o.seq); err != nil {
			return err
		}
		c.noticed = gen
	}
	if err := c.write(o.frame); err != nil {
		return err
	}
	c.markSent(o)
	return nil
}

// heartbeat announces the next unassigned sequence on an idle link. It
// doubles as the liveness check for peers that are not being published to.
func (c *outboundChannel) heartbeat() error {
	c.e.pubMu.Lock()
	idle := c.queued() == 0
	start := c.e.seq.Load() + 1
	c.e.pubMu.Unlock()
	if !idle {
		return nil
	}
	return c.writeControl(envelope.ControlSync, start)
}

// dropLink closes the current link and rewinds the buffer so the next link
// writes every retained frame again.
func (c *outboundChannel) dropLink() {
	if c.link == nil {
		return
	}
	_ = c.link.Close()
	c.link = nil
	c.announced = false
	c.mu.Lock()
	c.sent = 0
	c.mu.Unlock()
}

func (c *outboundChannel) teardown() {
	c.dropLink()
	c.mu.Lock()
	n := len(c.frames)
	c.frames = nil
	c.mu.Unlock()
	if n > 0 {
		c.e.metrics.discarded.Add(float64(n))
		c.log.Info("discarded queued frames", zap.Int("frames", n))
	}
}
