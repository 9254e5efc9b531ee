// Package discovery announces this node in etcd and turns the set of
// registered nodes into membership join and leave notifications.
//
// Each node owns one key, Prefix+<id>, holding its transport address and
// bound to a lease kept alive for as long as the process runs. A crashed
// node's key expires with its lease, which peers observe as a leave.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
)

const Prefix = "/zephyrcast/nodes/"

func NewClient(endpoints []string, log *zap.Logger) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("discovery: no etcd endpoints")
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      log,
	})
}

// Members is the side of broadcast.Engine that consumes discovery.
type Members interface {
	Join(m membership.Member)
	Leave(id envelope.NodeID)
}

type EventType int

const (
	Join EventType = iota
	Leave
)

func (t EventType) String() string {
	if t == Leave {
		return "leave"
	}
	return "join"
}

type Event struct {
	Type EventType
	Peer membership.Member
}

// Registration is this node's live key in etcd.
type Registration struct {
	cli    *clientv3.Client
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
}

// Register writes addr under id's key with a ttl-second lease and keeps the
// lease alive until Close or ctx ends.
func Register(ctx context.Context, cli *clientv3.Client, id envelope.NodeID, addr string, ttl int64, log *zap.Logger) (*Registration, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("register %s: %w", id, err)
	}

	kctx, cancel := context.WithCancel(ctx)
	acks, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("keepalive: %w", err)
	}
	r := &Registration{cli: cli, lease: lease.ID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for range acks {
		}
		if kctx.Err() == nil {
			log.Warn("etcd lease keepalive stopped", zap.String("node", string(id)), zap.Int64("lease", int64(lease.ID)))
		}
	}()
	log.Info("registered with etcd", zap.String("key", Key(id)), zap.String("addr", addr), zap.Int64("ttl", ttl))
	return r, nil
}

// Close stops the keepalive and revokes the lease, deleting the key.
func (r *Registration) Close(ctx context.Context) error {
	r.cancel()
	<-r.done
	if _, err := r.cli.Revoke(ctx, r.lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

func Key(id envelope.NodeID) string { return Prefix + string(id) }

func parseKey(key []byte) (envelope.NodeID, bool) {
	id, ok := strings.CutPrefix(string(key), Prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return envelope.NodeID(id), true
}

// Peers lists every registered node and the revision the listing was read
// at, for use as the start point of Watch.
func Peers(ctx context.Context, cli *clientv3.Client) ([]membership.Member, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list peers: %w", err)
	}
	out := make([]membership.Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := parseKey(kv.Key); ok {
			out = append(out, membership.Member{ID: id, Addr: string(kv.Value)})
		}
	}
	return out, resp.Header.Revision, nil
}

func translate(ev *clientv3.Event) (Event, bool) {
	if ev == nil || ev.Kv == nil {
		return Event{}, false
	}
	id, ok := parseKey(ev.Kv.Key)
	if !ok {
		return Event{}, false
	}
	switch ev.Type {
	case mvccpb.PUT:
		return Event{Type: Join, Peer: membership.Member{ID: id, Addr: string(ev.Kv.Value)}}, true
	case mvccpb.DELETE:
		return Event{Type: Leave, Peer: membership.Member{ID: id, State: membership.StateLeft}}, true
	}
	return Event{}, false
}

// Watch reports every change after revision rev until ctx ends.
func Watch(ctx context.Context, cli *clientv3.Client, rev int64, fn func(Event)) error {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for resp := range cli.Watch(clientv3.WithRequireLeader(ctx), Prefix, opts...) {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch peers: %w", err)
		}
		for _, ev := range resp.Events {
			if e, ok := translate(ev); ok {
				fn(e)
			}
		}
	}
	return ctx.Err()
}

// Apply feeds one discovery event into m, ignoring self.
func Apply(m Members, self envelope.NodeID, ev Event) {
	if ev.Peer.ID == self {
		return
	}
	switch ev.Type {
	case Join:
		m.Join(ev.Peer)
	case Leave:
		m.Leave(ev.Peer.ID)
	}
}

// Source lists the registered nodes and watches for changes after a listing.
type Source interface {
	List(ctx context.Context) ([]membership.Member, int64, error)
	Watch(ctx context.Context, rev int64, fn func(Event)) error
}

type etcdSource struct{ cli *clientv3.Client }

// NewSource reads the node registry from cli.
func NewSource(cli *clientv3.Client) Source { return etcdSource{cli: cli} }

func (s etcdSource) List(ctx context.Context) ([]membership.Member, int64, error) {
	return Peers(ctx, s.cli)
}

func (s etcdSource) Watch(ctx context.Context, rev int64, fn func(Event)) error {
	return Watch(ctx, s.cli, rev, fn)
}

const (
	relistBaseDelay = 500 * time.Millisecond
	relistMaxDelay  = 10 * time.Second
)

// Follow bootstraps m with the registered peers and then tracks joins and
// leaves until ctx ends.
func Follow(ctx context.Context, cli *clientv3.Client, self envelope.NodeID, m Members, log *zap.Logger) error {
	return FollowSource(ctx, NewSource(cli), self, m, log)
}

// FollowSource is Follow over any Source. A failed listing or a lost watch
// leaves m as it is; the registry is listed again after a pause, peers that
// came or went in the meantime are reconciled, and watching resumes. It
// returns only once ctx ends.
func FollowSource(ctx context.Context, src Source, self envelope.NodeID, m Members, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	f := &follower{self: self, m: m, log: log, known: make(map[envelope.NodeID]membership.Member)}
	delay := relistBaseDelay
	for {
		peers, rev, err := src.List(ctx)
		if err == nil {
			f.reconcile(peers)
			delay = relistBaseDelay
			err = src.Watch(ctx, rev, f.apply)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("watch closed")
		}
		log.Warn("discovery interrupted, keeping current members",
			zap.Int("known", len(f.known)),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(2*delay, relistMaxDelay)
	}
}

// follower remembers which peers it has announced to m.
type follower struct {
	self  envelope.NodeID
	m     Members
	log   *zap.Logger
	known map[envelope.NodeID]membership.Member
}

func (f *follower) apply(ev Event) {
	if ev.Peer.ID == f.self {
		return
	}
	f.log.Info("discovery event", zap.Stringer("type", ev.Type), zap.String("peer", string(ev.Peer.ID)))
	if ev.Type == Leave {
		delete(f.known, ev.Peer.ID)
	} else {
		f.known[ev.Peer.ID] = ev.Peer
	}
	Apply(f.m, f.self, ev)
}

// reconcile diffs a fresh listing against the announced peers.
func (f *follower) reconcile(peers []membership.Member) {
	listed := make(map[envelope.NodeID]bool, len(peers))
	for _, p := range peers {
		if p.ID == f.self {
			continue
		}
		listed[p.ID] = true
		if old, ok := f.known[p.ID]; ok && old.Addr == p.Addr {
			continue
		}
		f.log.Info("bootstrap peer", zap.String("peer", string(p.ID)), zap.String("addr", p.Addr))
		f.known[p.ID] = p
		Apply(f.m, f.self, Event{Type: Join, Peer: p})
	}
	for id := range f.known {
		if !listed[id] {
			f.apply(Event{Type: Leave, Peer: membership.Member{ID: id, State: membership.StateLeft}})
		}
	}
}
