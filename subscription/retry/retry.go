// Package retry contains the strategies deciding whether a failed
// Subscription should be retried by the subscription engine.
package retry

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/get-eventually/go-subscriptions/subscription"
)

// Strategy decides whether a Subscription in subscription.StatusError
// should be moved back to the status it had before failing.
type Strategy interface {
	ShouldRetry(s *subscription.Subscription) bool
}

// StrategyFunc is a functional Strategy implementation.
type StrategyFunc func(s *subscription.Subscription) bool

// ShouldRetry implements Strategy.
func (fn StrategyFunc) ShouldRetry(s *subscription.Subscription) bool { return fn(s) }

// Never is a Strategy that never retries: failed Subscriptions
// must be reactivated explicitly.
var Never Strategy = StrategyFunc(func(*subscription.Subscription) bool { return false })

// Default values used by ClockBased.
const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultDelayFactor = 2.0
	DefaultMaxAttempts = 5
)

var _ Strategy = ClockBased{}

// ClockBased is an exponential backoff Strategy: a Subscription is retried
// once BaseDelay * DelayFactor^RetryAttempt has elapsed since it failed,
// until MaxAttempts retries have been made.
type ClockBased struct {
	Clock       clockwork.Clock
	BaseDelay   time.Duration
	DelayFactor float64
	MaxAttempts int
}

// NewClockBased returns a ClockBased Strategy using the default values.
func NewClockBased(clock clockwork.Clock) ClockBased {
	return ClockBased{
		Clock:       clock,
		BaseDelay:   DefaultBaseDelay,
		DelayFactor: DefaultDelayFactor,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns how long to wait after a failure before the specified retry attempt.
func (cb ClockBased) Delay(attempt int) time.Duration {
	return time.Duration(float64(cb.BaseDelay) * math.Pow(cb.DelayFactor, float64(attempt)))
}

// ShouldRetry implements Strategy.
func (cb ClockBased) ShouldRetry(s *subscription.Subscription) bool {
	lastError, ok := s.LastError()
	if !ok || s.RetryAttempt() >= cb.MaxAttempts {
		return false
	}

	retryAt := lastError.OccurredAt.Add(cb.Delay(s.RetryAttempt()))

	return !cb.Clock.Now().Before(retryAt)
}
