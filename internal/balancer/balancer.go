// Package balancer implements the Load Balancer (C7): a pure function from
// an instance list, a policy, and (for stateful policies) a small amount of
// per-service counter state, to a single selected instance. Nothing here
// performs I/O; selecting from an empty candidate set returns (zero, false)
// rather than blocking or fabricating a result.
package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

// Policy names the selection algorithm a Balancer applies.
type Policy string

const (
	PolicyRoundRobin         Policy = "round_robin"
	PolicyWeightedRoundRobin Policy = "weighted_round_robin"
	PolicyRandom             Policy = "random"
	PolicyLeastInFlight      Policy = "least_in_flight"
)

// InFlightCounter reports the current number of outstanding requests
// dispatched to an instance, used only by PolicyLeastInFlight. The Dynamic
// Proxy maintains this; the balancer never mutates it.
type InFlightCounter interface {
	InFlight(instanceID string) int64
}

// Balancer selects one instance per call, given the pre-filtered candidate
// set returned by the Discovery Cache. Selectable() (weight > 0 and
// Healthy) filtering is the caller's responsibility — the balancer assumes
// every candidate handed to it is eligible to be picked, but still treats
// weight as the basis for weighted policies.
type Balancer struct {
	policy  Policy
	inFlight InFlightCounter

	mu       sync.Mutex
	counters map[string]*uint64 // service -> round-robin cursor
}

// New builds a Balancer applying policy. inFlight is only consulted under
// PolicyLeastInFlight and may be nil for the other three policies.
func New(policy Policy, inFlight InFlightCounter) *Balancer {
	return &Balancer{
		policy:   policy,
		inFlight: inFlight,
		counters: make(map[string]*uint64),
	}
}

// Pick selects one instance for service from candidates. service is used
// only to key the round-robin cursor; candidates must already be filtered
// to the instances eligible for selection. Returns ok=false for an empty
// candidate set.
func (b *Balancer) Pick(service string, candidates []models.InstanceRecord) (models.InstanceRecord, bool) {
	if len(candidates) == 0 {
		return models.InstanceRecord{}, false
	}

	switch b.policy {
	case PolicyWeightedRoundRobin:
		return b.pickWeightedRoundRobin(service, candidates), true
	case PolicyRandom:
		return b.pickRandom(candidates), true
	case PolicyLeastInFlight:
		return b.pickLeastInFlight(service, candidates), true
	case PolicyRoundRobin:
		fallthrough
	default:
		return b.pickRoundRobin(service, candidates), true
	}
}

func (b *Balancer) cursor(service string) *uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[service]
	if !ok {
		var zero uint64
		c = &zero
		b.counters[service] = c
	}
	return c
}

// pickRoundRobin advances a per-service atomic counter and indexes into
// candidates in the order the caller presented them. Strict rotation
// across independent callers isn't guaranteed — only that, for a stable
// candidate set, every instance is chosen at least once every N selections.
func (b *Balancer) pickRoundRobin(service string, candidates []models.InstanceRecord) models.InstanceRecord {
	counter := b.cursor(service)
	n := atomic.AddUint64(counter, 1)
	idx := int(n-1) % len(candidates)
	return candidates[idx]
}

// pickWeightedRoundRobin expands the candidate set into weight virtual
// slots (order-stable, weight-proportional) and applies the same rotating
// counter as plain round robin. Long-run share converges to
// weight_i / sum(weight) as required by §4.7, at the cost of building the
// expanded slice on every call — acceptable given realistic instance
// counts and weights in a service mesh.
func (b *Balancer) pickWeightedRoundRobin(service string, candidates []models.InstanceRecord) models.InstanceRecord {
	slots := make([]models.InstanceRecord, 0, len(candidates))
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			slots = append(slots, c)
		}
	}
	if len(slots) == 0 {
		return b.pickRoundRobin(service, candidates)
	}
	counter := b.cursor(service)
	n := atomic.AddUint64(counter, 1)
	idx := int(n-1) % len(slots)
	return slots[idx]
}

// pickRandom chooses uniformly at random unless weights are present, in
// which case it performs weighted-uniform sampling.
func (b *Balancer) pickRandom(candidates []models.InstanceRecord) models.InstanceRecord {
	total := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[rand.Intn(len(candidates))]
	}

	r := rand.Intn(total)
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		if r < w {
			return c
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

// pickLeastInFlight selects the candidate with the fewest outstanding
// requests, breaking ties with round robin among the tied subset.
func (b *Balancer) pickLeastInFlight(service string, candidates []models.InstanceRecord) models.InstanceRecord {
	if b.inFlight == nil {
		return b.pickRoundRobin(service, candidates)
	}

	min := int64(-1)
	var tied []models.InstanceRecord
	for _, c := range candidates {
		n := b.inFlight.InFlight(c.ID)
		switch {
		case min < 0 || n < min:
			min = n
			tied = []models.InstanceRecord{c}
		case n == min:
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return b.pickRoundRobin(service, tied)
}
