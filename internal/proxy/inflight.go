package proxy

import (
	"sync"
	"sync/atomic"
)

// inFlightTracker maintains a per-instance outstanding-request counter,
// consulted by the Load Balancer's PolicyLeastInFlight (§4.7). Counters
// are plain atomics, created lazily and never removed — a stale counter
// for a long-gone instance is harmless since the balancer only reads
// counters for instances currently in its candidate set.
type inFlightTracker struct {
	counters sync.Map // instanceID -> *int64
}

func newInFlightTracker() *inFlightTracker {
	return &inFlightTracker{}
}

func (t *inFlightTracker) counter(instanceID string) *int64 {
	v, _ := t.counters.LoadOrStore(instanceID, new(int64))
	return v.(*int64)
}

// Begin increments the counter for instanceID and returns a func to
// decrement it once the call completes.
func (t *inFlightTracker) Begin(instanceID string) func() {
	c := t.counter(instanceID)
	atomic.AddInt64(c, 1)
	return func() { atomic.AddInt64(c, -1) }
}

// InFlight implements balancer.InFlightCounter.
func (t *inFlightTracker) InFlight(instanceID string) int64 {
	v, ok := t.counters.Load(instanceID)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}
