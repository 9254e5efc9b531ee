// Package membership tracks the cluster's view of its peers and their
// liveness. It is the sole source of truth for who a node broadcasts to.
//
// Each peer moves through an explicit state machine:
//
//	Joining -> Active       first successful handshake or contact
//	Active -> Suspected     FailureThreshold consecutive failures
//	Suspected -> Active     any successful send or receive
//	Suspected -> Left       SuspicionTimeout without success (Sweep)
//	Left -> Joining         the peer re-announces itself
//
// Typical usage:
//
//	r := membership.New(membership.Config{FailureThreshold: 3, SuspicionTimeout: 30 * time.Second})
//	r.Watch(func(ev membership.Event) { ... })
//	go r.Run(ctx, time.Second)
//
// All mutations are serialized by the Registry. Reads return copies, never a
// live view.
package membership
