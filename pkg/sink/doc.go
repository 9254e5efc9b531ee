// Package sink fans released envelopes out to subscribers through bounded,
// backpressure-aware queues.
//
// Every Subscription owns a queue of QueueCapacity envelopes. When a queue is
// full, Deliver waits up to BackpressureTimeout for the subscriber to catch
// up and then applies the hub's Policy:
//   - DisconnectSlowSubscriber closes that subscription with a
//     *BackpressureFault; other subscribers are unaffected.
//   - DropOldest discards the head of that subscriber's queue.
//
// A subscription only sees envelopes delivered after it was created. Consume
// it with Next (pull) or register a callback with SubscribeFunc (push).
package sink
