// Package broadcast is the reliable broadcast engine.
//
// An Engine publishes local events to every live peer and delivers events
// from peers to local subscribers exactly once and in per-producer order:
//
//	eng, _ := broadcast.New(broadcast.DefaultConfig(), tr, broadcast.WithLogger(log))
//	_ = eng.Start(ctx)
//	defer eng.Stop()
//
//	eng.Join(membership.Member{ID: "node-b", Addr: "10.0.0.2:7946"})
//	sub := eng.Subscribe()
//	eng.Publish([]byte("hello"))
//	e, _ := sub.Next(ctx)
//
// Each non-Left peer has an outbound channel: a bounded queue drained by one
// goroutine that retries failed sends on a bounded backoff schedule and
// reports exhausted cycles to the membership registry. Peers that join after
// a publish do not receive that event; there is no replay.
package broadcast
