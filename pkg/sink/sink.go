package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
)

const (
	DefaultQueueCapacity       = 1000
	DefaultBackpressureTimeout = time.Second
)

// Policy selects what happens once a full queue outlasts the timeout.
type Policy int

const (
	DisconnectSlowSubscriber Policy = iota
	DropOldest
)

func (p Policy) String() string {
	switch p {
	case DisconnectSlowSubscriber:
		return "DisconnectSlowSubscriber"
	case DropOldest:
		return "DropOldest"
	default:
		return "Unknown"
	}
}

// ParsePolicy accepts the String form, case-insensitively, plus "disconnect" and "drop-oldest".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disconnectslowsubscriber", "disconnect":
		return DisconnectSlowSubscriber, nil
	case "dropoldest", "drop-oldest", "drop_oldest":
		return DropOldest, nil
	default:
		return 0, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// UnmarshalText lets config loaders decode a Policy.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Config struct {
	QueueCapacity       int
	BackpressureTimeout time.Duration
	Policy              Policy
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.BackpressureTimeout < 0 {
		c.BackpressureTimeout = 0
	}
	return c
}

// ErrClosed is returned by Next after Close or Unsubscribe.
var ErrClosed = errors.New("subscription closed")

// BackpressureFault reports a subscriber disconnected for being too slow.
type BackpressureFault struct {
	Subscriber string
	Capacity   int
	Waited     time.Duration
}

func (f *BackpressureFault) Error() string {
	return fmt.Sprintf("subscriber %s disconnected: queue of %d full for %s", f.Subscriber, f.Capacity, f.Waited)
}

// Is makes errors.Is(fault, ErrClosed) hold for disconnected subscriptions.
func (f *BackpressureFault) Is(target error) bool { return target == ErrClosed }

type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithFaultHandler is called with every *BackpressureFault.
func WithFaultHandler(fn func(error)) Option {
	return func(h *Hub) { h.onFault = fn }
}

// WithDropHandler is called for every envelope discarded by DropOldest.
func WithDropHandler(fn func(sub *Subscription, dropped envelope.Envelope)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// Subscription is one subscriber's bounded delivery queue.
type Subscription struct {
	id  string
	hub *Hub
	ch  chan envelope.Envelope

	pushMu    sync.Mutex
	saturated bool // a wait timed out and the queue has not drained since
	done      chan struct{}
	once      sync.Once
	err       error

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (s *Subscription) ID() string { return s.id }

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns nil while open, ErrClosed after Close, or the *BackpressureFault
// that disconnected it.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Delivered counts envelopes accepted into the queue.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Dropped counts envelopes discarded by DropOldest.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Next blocks until an envelope is available, the subscription ends, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (envelope.Envelope, error) {
	select {
	case <-s.done:
		return envelope.Envelope{}, s.err
	default:
	}
	select {
	case e := <-s.ch:
		return e, nil
	case <-s.done:
		return envelope.Envelope{}, s.err
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// Close unsubscribes. It is immediate and idempotent.
func (s *Subscription) Close() {
	s.closeWith(ErrClosed)
}

func (s *Subscription) closeWith(err error) bool {
	closed := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		closed = true
	})
	if closed && s.hub != nil {
		s.hub.remove(s.id)
	}
	return closed
}

// push enqueues e following the backpressure policy.
func (s *Subscription) push(e envelope.Envelope, cfg Config) (dropped *envelope.Envelope, err error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	if len(s.ch) == 0 {
		s.saturated = false
	}
	select {
	case s.ch <- e:
		s.delivered.Add(1)
		return nil, nil
	default:
	}

	if cfg.BackpressureTimeout > 0 && !(s.saturated && cfg.Policy == DropOldest) {
		timer := time.NewTimer(cfg.BackpressureTimeout)
		defer timer.Stop()
		select {
		case s.ch <- e:
			s.delivered.Add(1)
			return nil, nil
		case <-s.done:
			return nil, ErrClosed
		case <-timer.C:
			s.saturated = true
		}
	}

	if cfg.Policy == DropOldest {
		// only this goroutine writes, so the loop ends once a slot frees up
		for {
			select {
			case s.ch <- e:
				s.delivered.Add(1)
				return dropped, nil
			default:
			}
			select {
			case old := <-s.ch:
				s.dropped.Add(1)
				dropped = &old
			default:
			}
		}
	}

	fault := &BackpressureFault{Subscriber: s.id, Capacity: cap(s.ch), Waited: cfg.BackpressureTimeout}
	if !s.closeWith(fault) {
		return nil, ErrClosed
	}
	return nil, fault
}

// Hub owns the set of live subscriptions.
type Hub struct {
	cfg Config
	log *zap.Logger

	onFault func(error)
	onDrop  func(*Subscription, envelope.Envelope)

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

func NewHub(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:  cfg.withDefaults(),
		log:  zap.NewNop(),
		subs: make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription is already closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		id:   uuid.NewString(),
		hub:  h,
		ch:   make(chan envelope.Envelope, h.cfg.QueueCapacity),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	closed := h.closed
	if !closed {
		h.subs[s.id] = s
	}
	h.mu.Unlock()

	if closed {
		s.closeWith(ErrClosed)
	}
	return s
}

// SubscribeFunc registers fn to be called, on its own goroutine and in
// delivery order, for every envelope. Close the returned subscription to stop.
func (h *Hub) SubscribeFunc(fn func(envelope.Envelope)) *Subscription {
	s := h.Subscribe()
	go func() {
		for {
			e, err := s.Next(context.Background())
			if err != nil {
				return
			}
			fn(e)
		}
	}()
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Close()
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver pushes e to every live subscription. A slow or closed subscriber
// never affects the others beyond the configured wait.
func (h *Hub) Deliver(e envelope.Envelope) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		dropped, err := s.push(e, h.cfg)
		if dropped != nil && h.onDrop != nil {
			h.onDrop(s, *dropped)
		}
		var fault *BackpressureFault
		if errors.As(err, &fault) {
			h.log.Warn("disconnecting slow subscriber",
				zap.String("subscriber", s.id),
				zap.Int("capacity", fault.Capacity),
				zap.Duration("waited", fault.Waited))
			if h.onFault != nil {
				h.onFault(fault)
			}
		}
	}
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.closeWith(ErrClosed)
	}
}
