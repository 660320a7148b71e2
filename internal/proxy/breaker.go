package proxy

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// breakerState is one of the three circuit breaker states from §4.8/§6's
// glossary: Closed (normal), Open (short-circuiting), HalfOpen (single
// probe admitted).
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breakerDefaults mirror §4.8: 5 consecutive failures trip the breaker,
// the open duration starts at 30s and backs off up to a 5 minute cap on
// repeated trips, and HalfOpen admits exactly one probe.
const (
	defaultFailureThreshold = 5
	defaultOpenDuration     = 30 * time.Second
	maxOpenDuration         = 5 * time.Minute
)

// breaker is a single per-destination circuit breaker. The spec requires
// per-destination scope (§4.8, §9 open questions): the Proxy keys a
// breaker map by instance address, not by service name, so one failing
// instance never blocks traffic to its healthy siblings.
type breaker struct {
	mu sync.Mutex

	state           breakerState
	consecutiveFail int
	openedAt        time.Time
	openDuration    time.Duration
	halfOpenInUse   bool
}

func newBreaker() *breaker {
	return &breaker{state: stateClosed, openDuration: defaultOpenDuration}
}

// allow reports whether a call may proceed now, and if so which state the
// call is being admitted under (Closed or the single HalfOpen probe).
// Exactly one goroutine is ever granted the HalfOpen probe per open
// window, guaranteeing the "at-most-once" transition semantics required by
// invariant 5.
func (b *breaker) allow() (admitted bool, probing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true, false
	case stateOpen:
		if time.Since(b.openedAt) < b.openDuration {
			return false, false
		}
		if b.halfOpenInUse {
			return false, false
		}
		b.state = stateHalfOpen
		b.halfOpenInUse = true
		return true, true
	case stateHalfOpen:
		// A probe is already in flight; reject concurrent callers until
		// it resolves.
		return false, false
	default:
		return true, false
	}
}

// recordSuccess closes the breaker and resets its failure counter. Called
// for both a normal Closed-state success and a successful HalfOpen probe.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = stateClosed
	b.consecutiveFail = 0
	b.openDuration = defaultOpenDuration
	b.halfOpenInUse = false
}

// recordFailure counts a failure. In Closed state, the breaker opens after
// defaultFailureThreshold consecutive failures. In HalfOpen, any failure
// reopens immediately and backs the open duration off (capped).
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		b.trip()
	case stateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= defaultFailureThreshold {
			b.trip()
		}
	}
}

// trip must be called with b.mu held. It opens the breaker, doubling the
// next open duration up to maxOpenDuration on repeated trips so a
// persistently failing destination backs off rather than re-probing every
// 30s forever.
func (b *breaker) trip() {
	if b.state == stateOpen {
		return
	}
	if b.state == stateHalfOpen {
		b.openDuration *= 2
		if b.openDuration > maxOpenDuration {
			b.openDuration = maxOpenDuration
		}
	}
	b.state = stateOpen
	b.openedAt = time.Now()
	b.halfOpenInUse = false
	b.consecutiveFail = 0
}

// maxTrackedDestinations bounds breakerRegistry so a mesh that churns
// through many short-lived instance addresses (rolling deploys, autoscale
// thrash) can't grow the breaker set without bound; the least recently
// used destination's breaker state is discarded first.
const maxTrackedDestinations = 4096

// breakerRegistry owns one breaker per destination, created lazily and
// bounded by an LRU so state for long-gone destinations is reclaimed.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers *lru.Cache[string, *breaker]
}

func newBreakerRegistry() *breakerRegistry {
	c, err := lru.New[string, *breaker](maxTrackedDestinations)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxTrackedDestinations never is.
		panic(err)
	}
	return &breakerRegistry{breakers: c}
}

func (r *breakerRegistry) get(destination string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers.Get(destination); ok {
		return b
	}
	b := newBreaker()
	r.breakers.Add(destination, b)
	return b
}
