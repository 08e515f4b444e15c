package retry_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/subscription/retry"
)

func TestClockBased(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	strategy := retry.NewClockBased(clock)

	s := subscription.New("profile_1", "default", subscription.RunModeFromBeginning)
	s.Activate()

	assert.False(t, strategy.ShouldRetry(s), "no error, nothing to retry")

	for attempt, delay := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second} {
		s.Fail("boom", clock.Now())

		clock.Advance(delay - time.Millisecond)
		assert.False(t, strategy.ShouldRetry(s), "attempt %d should wait %s", attempt, delay)

		clock.Advance(time.Millisecond)
		assert.True(t, strategy.ShouldRetry(s), "attempt %d should retry after %s", attempt, delay)

		require.NoError(t, s.DoRetry())
	}

	s.Fail("boom", clock.Now())
	clock.Advance(time.Hour)
	assert.False(t, strategy.ShouldRetry(s), "max attempts reached")

	s.Reactivate()
	s.Fail("boom", clock.Now())
	clock.Advance(5 * time.Second)
	assert.True(t, strategy.ShouldRetry(s), "reactivation resets the attempts")
}

func TestNever(t *testing.T) {
	s := subscription.New("profile_1", "default", subscription.RunModeFromBeginning)
	s.Fail("boom", time.Now())

	assert.False(t, retry.Never.ShouldRetry(s))
}
