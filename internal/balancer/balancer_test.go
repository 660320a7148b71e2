package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitaliisemenov/svcmesh/internal/models"
)

func instances(weights ...int) []models.InstanceRecord {
	out := make([]models.InstanceRecord, len(weights))
	for i, w := range weights {
		out[i] = models.InstanceRecord{ID: string(rune('A' + i)), Weight: w, Health: models.HealthHealthy}
	}
	return out
}

func TestBalancer_EmptyCandidatesNeverSelects(t *testing.T) {
	b := New(PolicyRoundRobin, nil)
	_, ok := b.Pick("orders", nil)
	assert.False(t, ok)
}

func TestBalancer_RoundRobinCoversEveryInstance(t *testing.T) {
	b := New(PolicyRoundRobin, nil)
	candidates := instances(100, 100, 100)

	seen := make(map[string]bool)
	for i := 0; i < len(candidates); i++ {
		pick, ok := b.Pick("orders", candidates)
		assert.True(t, ok)
		seen[pick.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestBalancer_WeightedExpansionGivesZeroWeightOneSlot(t *testing.T) {
	// The balancer trusts its caller to pre-filter by Selectable(); this
	// test exercises that the weighted expansion itself degrades a
	// zero-weight candidate to a single virtual slot rather than
	// erroring, so callers that forget to filter still don't starve.
	b := New(PolicyWeightedRoundRobin, nil)
	candidates := []models.InstanceRecord{
		{ID: "heavy", Weight: 99, Health: models.HealthHealthy},
		{ID: "zero", Weight: 0, Health: models.HealthHealthy},
	}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		pick, _ := b.Pick("orders", candidates)
		counts[pick.ID]++
	}
	assert.Greater(t, counts["heavy"], counts["zero"])
}

func TestBalancer_WeightedRoundRobinConvergesToShare(t *testing.T) {
	b := New(PolicyWeightedRoundRobin, nil)
	candidates := instances(300, 100)

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		pick, _ := b.Pick("orders", candidates)
		counts[pick.ID]++
	}
	assert.Equal(t, 300, counts[candidates[0].ID])
	assert.Equal(t, 100, counts[candidates[1].ID])
}

type fakeInFlight struct {
	counts map[string]int64
}

func (f fakeInFlight) InFlight(id string) int64 { return f.counts[id] }

func TestBalancer_LeastInFlightPicksSmallestCounter(t *testing.T) {
	b := New(PolicyLeastInFlight, fakeInFlight{counts: map[string]int64{"A": 5, "B": 1, "C": 3}})
	candidates := instances(100, 100, 100)

	pick, ok := b.Pick("orders", candidates)
	assert.True(t, ok)
	assert.Equal(t, "B", pick.ID)
}

func TestBalancer_RandomStaysWithinCandidateSet(t *testing.T) {
	b := New(PolicyRandom, nil)
	candidates := instances(100, 100)
	valid := map[string]bool{candidates[0].ID: true, candidates[1].ID: true}

	for i := 0; i < 20; i++ {
		pick, ok := b.Pick("orders", candidates)
		assert.True(t, ok)
		assert.True(t, valid[pick.ID])
	}
}
