package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultFailureThreshold = 3
	DefaultSuspicionTimeout = 30 * time.Second
)

type Config struct {
	FailureThreshold int           // consecutive failures before suspicion
	SuspicionTimeout time.Duration // time in Suspected before Left
	Retention        time.Duration // how long Left peers are remembered; 0 keeps them
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuspicionTimeout <= 0 {
		c.SuspicionTimeout = DefaultSuspicionTimeout
	}
	return c
}

type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry holds every known peer and its liveness state.
type Registry struct {
	mu    sync.Mutex
	cfg   Config
	peers map[NodeID]*Member
	now   func() time.Time
	log   *zap.Logger

	watchMu  sync.RWMutex
	watchers []func(Event)
}

func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:   cfg.withDefaults(),
		peers: make(map[NodeID]*Member),
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Watch registers fn for every transition. fn runs on the goroutine that
// caused the transition, after the Registry lock is released, so it may call
// back into the Registry. Events for one peer from different goroutines can
// arrive out of order; re-read with Get when the current state matters.
func (r *Registry) Watch(fn func(Event)) {
	r.watchMu.Lock()
	r.watchers = append(r.watchers, fn)
	r.watchMu.Unlock()
}

func (r *Registry) notify(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	r.watchMu.RLock()
	ws := r.watchers
	r.watchMu.RUnlock()
	for _, ev := range evs {
		if ev.Changed() || ev.Removed {
			r.log.Info("membership transition",
				zap.String("peer", string(ev.Member.ID)),
				zap.Stringer("from", ev.Previous),
				zap.Stringer("to", ev.Member.State),
				zap.Bool("removed", ev.Removed),
			)
		}
		for _, fn := range ws {
			fn(ev)
		}
	}
}

// transition must be called with r.mu held.
func (r *Registry) transition(m *Member, to State, now time.Time) Event {
	ev := Event{Previous: m.State, At: now}
	if m.State != to {
		m.State = to
		m.Since = now
	}
	ev.Member = *m
	return ev
}

// AddOrUpdate applies a join or leave notification from cluster discovery.
// Unknown peers and re-announced Left peers enter Joining with fresh
// counters; live peers only get their address refreshed. A Member with
// State == StateLeft is treated as an explicit leave.
func (r *Registry) AddOrUpdate(info Member) Event {
	if info.State == StateLeft {
		ev, _ := r.leave(info.ID)
		return ev
	}

	now := r.now()
	r.mu.Lock()
	m, ok := r.peers[info.ID]
	var ev Event
	switch {
	case !ok:
		m = &Member{ID: info.ID, Addr: info.Addr, State: StateLeft}
		r.peers[info.ID] = m
		ev = r.transition(m, StateJoining, now)
	case m.State == StateLeft:
		m.Addr = info.Addr
		m.Failures = 0
		m.LastContact = time.Time{}
		ev = r.transition(m, StateJoining, now)
	default:
		if info.Addr != "" {
			m.Addr = info.Addr
		}
		ev = Event{Member: *m, Previous: m.State, At: now}
	}
	r.mu.Unlock()

	if ev.Changed() {
		r.notify(ev)
	}
	return ev
}

// Leave marks a peer as departed. It reports false for unknown peers.
func (r *Registry) Leave(id NodeID) bool {
	_, ok := r.leave(id)
	return ok
}

func (r *Registry) leave(id NodeID) (Event, bool) {
	now := r.now()
	r.mu.Lock()
	m, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return Event{Member: Member{ID: id, State: StateLeft}, Previous: StateLeft, At: now}, false
	}
	ev := r.transition(m, StateLeft, now)
	r.mu.Unlock()

	if ev.Changed() {
		r.notify(ev)
	}
	return ev, true
}

// MarkFailure records one failed contact and returns the resulting state.
// Reaching the threshold moves Joining or Active peers to Suspected.
func (r *Registry) MarkFailure(id NodeID) State {
	now := r.now()
	r.mu.Lock()
	m, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return StateLeft
	}
	if m.State == StateLeft {
		r.mu.Unlock()
		return StateLeft
	}
	m.Failures++
	var ev Event
	if m.Failures >= r.cfg.FailureThreshold && (m.State == StateActive || m.State == StateJoining) {
		ev = r.transition(m, StateSuspected, now)
	}
	state := m.State
	r.mu.Unlock()

	if ev.Changed() {
		r.notify(ev)
	}
	return state
}

// MarkSuccess records a successful send or receive. Joining and Suspected
// peers become Active. Left and unknown peers are ignored.
func (r *Registry) MarkSuccess(id NodeID) State {
	now := r.now()
	r.mu.Lock()
	m, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return StateLeft
	}
	if m.State == StateLeft {
		r.mu.Unlock()
		return StateLeft
	}
	m.Failures = 0
	m.LastContact = now
	var ev Event
	if m.State != StateActive {
		ev = r.transition(m, StateActive, now)
	}
	r.mu.Unlock()

	if ev.Changed() {
		r.notify(ev)
	}
	return StateActive
}

// Get returns a copy of the peer's current record.
func (r *Registry) Get(id NodeID) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.peers[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// ActivePeers returns the broadcast targets: Active and Suspected peers,
// sorted by ID. The slice is a snapshot.
func (r *Registry) ActivePeers() []Member {
	return r.snapshot(func(s State) bool { return s == StateActive || s == StateSuspected })
}

// Members returns every peer that has not Left, sorted by ID.
func (r *Registry) Members() []Member {
	return r.snapshot(func(s State) bool { return s != StateLeft })
}

func (r *Registry) snapshot(keep func(State) bool) []Member {
	r.mu.Lock()
	out := make([]Member, 0, len(r.peers))
	for _, m := range r.peers {
		if keep(m.State) {
			out = append(out, *m)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of known peers per state.
func (r *Registry) Counts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[State]int{StateJoining: 0, StateActive: 0, StateSuspected: 0, StateLeft: 0}
	for _, m := range r.peers {
		out[m.State]++
	}
	return out
}

// Clear forgets every peer without emitting events. Used at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.peers)
	r.mu.Unlock()
}

// Run sweeps (and prunes, when Retention is set) every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := r.now()
			r.Sweep(now)
			if r.cfg.Retention > 0 {
				r.Prune(now, r.cfg.Retention)
			}
		}
	}
}
