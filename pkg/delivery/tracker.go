package delivery

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
)

const DefaultPendingCap = 10000

// Gap causes.
const (
	CausePendingFull   = "pending buffer full"
	CauseSenderDropped = "dropped by sender"
)

// SequenceGapOverflow reports that the cursor was moved past sequences
// [From, To] that never arrived, either because the producer's pending buffer
// overflowed or because the sender announced it no longer holds them.
type SequenceGapOverflow struct {
	Producer envelope.NodeID
	From     uint64
	To       uint64
	Cause    string
}

func (e *SequenceGapOverflow) Error() string {
	cause := e.Cause
	if cause == "" {
		cause = CausePendingFull
	}
	return fmt.Sprintf("producer %s: %s, skipped sequences %d-%d", e.Producer, cause, e.From, e.To)
}

// Lost is the number of sequences skipped.
func (e *SequenceGapOverflow) Lost() uint64 { return e.To - e.From + 1 }

// Result summarizes a single Deliver call.
type Result struct {
	Released  int
	Duplicate bool
	Buffered  bool
	Overflow  *SequenceGapOverflow
}

type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithOverflowHandler is called, outside any cursor lock, for every skipped
// range of sequences.
func WithOverflowHandler(fn func(*SequenceGapOverflow)) Option {
	return func(t *Tracker) { t.onOverflow = fn }
}

type cursor struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]envelope.Envelope
}

// Tracker owns one cursor per producer ever observed.
type Tracker struct {
	mu      sync.Mutex
	cursors map[envelope.NodeID]*cursor
	cap     int
	dropped atomic.Uint64

	onOverflow func(*SequenceGapOverflow)
	log        *zap.Logger
}

// New returns a Tracker buffering at most pendingCap early envelopes per
// producer. pendingCap <= 0 selects DefaultPendingCap.
func New(pendingCap int, opts ...Option) *Tracker {
	if pendingCap <= 0 {
		pendingCap = DefaultPendingCap
	}
	t := &Tracker{
		cursors: make(map[envelope.NodeID]*cursor),
		cap:     pendingCap,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) cursor(p envelope.NodeID) *cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cursors[p]
	if !ok {
		c = &cursor{next: 1, pending: make(map[uint64]envelope.Envelope)}
		t.cursors[p] = c
	}
	return c
}

// Observe runs the release algorithm for e and returns the released
// envelopes in release order.
func (t *Tracker) Observe(e envelope.Envelope) []envelope.Envelope {
	var out []envelope.Envelope
	t.Deliver(e, func(r envelope.Envelope) { out = append(out, r) })
	return out
}

// Deliver runs the release algorithm for e, calling release for each
// envelope that becomes deliverable. release runs under the producer's lock,
// so releases for one producer never interleave.
func (t *Tracker) Deliver(e envelope.Envelope, release func(envelope.Envelope)) Result {
	c := t.cursor(e.Producer)

	c.mu.Lock()
	var res Result
	switch {
	case e.Sequence < c.next:
		res.Duplicate = true
	case e.Sequence == c.next:
		release(e)
		c.next++
		res.Released = 1 + c.drain(release)
	default:
		if _, dup := c.pending[e.Sequence]; dup {
			res.Duplicate = true
			break
		}
		c.pending[e.Sequence] = e
		res.Buffered = true
		if len(c.pending) > t.cap {
			res.Overflow = c.forceAdvance(e.Producer)
			res.Released = c.drain(release)
		}
	}
	c.mu.Unlock()

	if res.Overflow != nil {
		t.report(res.Overflow)
	}
	return res
}

// Sync aligns the producer's cursor with a channel that starts at start.
// Buffered envelopes below start are released in order first; the cursor
// never moves backwards. Sequences skipped this way were never addressed to
// this node and are not counted. It returns the number of envelopes released.
func (t *Tracker) Sync(p envelope.NodeID, start uint64, release func(envelope.Envelope)) int {
	n, _ := t.align(p, start, release, false)
	return n
}

// Resume is Sync for a channel that was re-established: every sequence in
// [next, start) that has not arrived is lost, counted in Dropped and reported
// to the overflow handler. It returns the number released and the number lost.
func (t *Tracker) Resume(p envelope.NodeID, start uint64, release func(envelope.Envelope)) (int, uint64) {
	return t.align(p, start, release, true)
}

func (t *Tracker) align(p envelope.NodeID, start uint64, release func(envelope.Envelope), counted bool) (int, uint64) {
	c := t.cursor(p)

	c.mu.Lock()
	if start <= c.next {
		c.mu.Unlock()
		return 0, 0
	}

	below := make([]uint64, 0, len(c.pending))
	for seq := range c.pending {
		if seq < start {
			below = append(below, seq)
		}
	}
	sort.Slice(below, func(i, j int) bool { return below[i] < below[j] })

	var gaps []*SequenceGapOverflow
	if counted {
		cur := c.next
		for _, seq := range below {
			if seq > cur {
				gaps = append(gaps, &SequenceGapOverflow{Producer: p, From: cur, To: seq - 1, Cause: CauseSenderDropped})
			}
			cur = seq + 1
		}
		if cur < start {
			gaps = append(gaps, &SequenceGapOverflow{Producer: p, From: cur, To: start - 1, Cause: CauseSenderDropped})
		}
	}

	released := 0
	for _, seq := range below {
		release(c.pending[seq])
		delete(c.pending, seq)
		released++
	}
	c.next = start
	released += c.drain(release)
	c.mu.Unlock()

	var lost uint64
	for _, g := range gaps {
		lost += g.Lost()
		t.report(g)
	}
	return released, lost
}

func (t *Tracker) report(g *SequenceGapOverflow) {
	t.dropped.Add(g.Lost())
	t.log.Warn("skipping sequence gap",
		zap.String("producer", string(g.Producer)),
		zap.String("cause", g.Cause),
		zap.Uint64("from", g.From),
		zap.Uint64("to", g.To))
	if t.onOverflow != nil {
		t.onOverflow(g)
	}
}

// drain releases buffered envelopes contiguous with next. Caller holds c.mu.
func (c *cursor) drain(release func(envelope.Envelope)) int {
	n := 0
	for {
		e, ok := c.pending[c.next]
		if !ok {
			return n
		}
		delete(c.pending, c.next)
		release(e)
		c.next++
		n++
	}
}

// forceAdvance moves next to the lowest buffered sequence. Caller holds c.mu
// and guarantees pending is non-empty.
func (c *cursor) forceAdvance(p envelope.NodeID) *SequenceGapOverflow {
	lowest := uint64(0)
	for seq := range c.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	gap := &SequenceGapOverflow{Producer: p, From: c.next, To: lowest - 1, Cause: CausePendingFull}
	c.next = lowest
	return gap
}

// Forget drops the cursor for p, releasing its memory.
func (t *Tracker) Forget(p envelope.NodeID) {
	t.mu.Lock()
	delete(t.cursors, p)
	t.mu.Unlock()
}

// Dropped is the total number of sequences skipped by gap overflow.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}

// NextExpected returns the producer's next expected sequence (1 if unseen).
func (t *Tracker) NextExpected(p envelope.NodeID) uint64 {
	c := t.lookup(p)
	if c == nil {
		return 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Pending returns how many envelopes are buffered for p.
func (t *Tracker) Pending(p envelope.NodeID) int {
	c := t.lookup(p)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (t *Tracker) lookup(p envelope.NodeID) *cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[p]
}

// Producers lists every producer with a cursor, sorted.
func (t *Tracker) Producers() []envelope.NodeID {
	t.mu.Lock()
	out := make([]envelope.NodeID, 0, len(t.cursors))
	for p := range t.cursors {
		out = append(out, p)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
