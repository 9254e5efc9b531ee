// Package delivery deduplicates envelopes and releases them in strict
// per-producer order.
//
// Each producer has a cursor holding the next expected sequence and a buffer
// of early arrivals. An envelope at the cursor is released together with any
// buffered successors that become contiguous; later envelopes wait; earlier
// or already-buffered ones are dropped silently. When a producer's buffer
// exceeds its cap the cursor jumps over the missing range, which is counted
// as lost.
//
// Cursors are locked independently, so observers only contend when they
// deliver for the same producer.
package delivery
