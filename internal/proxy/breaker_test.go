package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterFiveConsecutiveFailures(t *testing.T) {
	b := newBreaker()
	for i := 0; i < 4; i++ {
		admitted, _ := b.allow()
		assert.True(t, admitted)
		b.recordFailure()
	}
	// still closed
	admitted, _ := b.allow()
	assert.True(t, admitted)
	b.recordFailure()

	admitted, _ = b.allow()
	assert.False(t, admitted, "breaker should be open after 5 consecutive failures")
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	b := newBreaker()
	b.openDuration = time.Millisecond
	for i := 0; i < defaultFailureThreshold; i++ {
		b.recordFailure()
	}
	time.Sleep(5 * time.Millisecond)

	admitted1, probing1 := b.allow()
	assert.True(t, admitted1)
	assert.True(t, probing1)

	admitted2, _ := b.allow()
	assert.False(t, admitted2, "a second concurrent probe must not be admitted")
}

func TestBreaker_SuccessInHalfOpenCloses(t *testing.T) {
	b := newBreaker()
	b.openDuration = time.Millisecond
	for i := 0; i < defaultFailureThreshold; i++ {
		b.recordFailure()
	}
	time.Sleep(5 * time.Millisecond)

	admitted, probing := b.allow()
	assert.True(t, admitted)
	assert.True(t, probing)
	b.recordSuccess()

	admitted, _ = b.allow()
	assert.True(t, admitted)
	assert.Equal(t, stateClosed, b.state)
}

func TestBreaker_FailureInHalfOpenReopensAndBacksOff(t *testing.T) {
	b := newBreaker()
	b.openDuration = time.Millisecond
	for i := 0; i < defaultFailureThreshold; i++ {
		b.recordFailure()
	}
	time.Sleep(5 * time.Millisecond)

	_, probing := b.allow()
	assert.True(t, probing)
	b.recordFailure()

	assert.Equal(t, stateOpen, b.state)
	assert.Equal(t, 2*time.Millisecond, b.openDuration)
}
