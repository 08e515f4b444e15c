// Package subscription contains the Subscription entity, which tracks how far
// a Subscriber has processed the global Event Store log, together with
// the lifecycle state machine driven by the subscription engine.
//
// Subscriptions are persisted through a subscription.Store.
package subscription

import (
	"errors"
	"time"

	"github.com/get-eventually/go-subscriptions/event"
)

// Status is the lifecycle state of a Subscription.
type Status string

// All the Subscription statuses.
const (
	StatusNew      Status = "new"
	StatusBooting  Status = "booting"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
	StatusDetached Status = "detached"
	StatusError    Status = "error"
)

// RunMode decides where a new Subscription starts from, and whether it
// keeps running after having caught up with the Event Store.
type RunMode string

// All the supported run modes.
const (
	// RunModeFromBeginning replays the whole history, then keeps running.
	RunModeFromBeginning RunMode = "from_beginning"
	// RunModeFromNow skips the history and only processes new Events.
	RunModeFromNow RunMode = "from_now"
	// RunModeOnce replays the whole history, then finishes.
	RunModeOnce RunMode = "once"
)

// ErrNoErrorToRetry is returned by Subscription.DoRetry when
// the Subscription has no error recorded.
var ErrNoErrorToRetry = errors.New("subscription: no error to retry")

// Error is the failure recorded on a Subscription when one of its
// Subscriber callbacks failed.
type Error struct {
	Message        string    `json:"message"`
	PreviousStatus Status    `json:"previous_status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Subscription is the persisted checkpoint and state of a single Subscriber.
//
// Use New to create a Subscription for a newly discovered Subscriber, and
// FromSnapshot to rehydrate one from a Store.
type Subscription struct {
	id           string
	group        string
	runMode      RunMode
	status       Status
	position     event.Index
	retryAttempt int
	lastError    *Error
	lastSavedAt  time.Time
}

// New returns a Subscription in StatusNew, at position 0.
func New(id, group string, runMode RunMode) *Subscription {
	return &Subscription{
		id:      id,
		group:   group,
		runMode: runMode,
		status:  StatusNew,
	}
}

// ID returns the identifier of the Subscriber the Subscription belongs to.
func (s *Subscription) ID() string { return s.id }

// Group returns the group of the Subscription.
func (s *Subscription) Group() string { return s.group }

// RunMode returns the run mode of the Subscription.
func (s *Subscription) RunMode() RunMode { return s.runMode }

// Status returns the current status of the Subscription.
func (s *Subscription) Status() Status { return s.status }

// Position returns the Index of the last Event fully processed.
func (s *Subscription) Position() event.Index { return s.position }

// RetryAttempt returns the number of consecutive retries since the last success.
func (s *Subscription) RetryAttempt() int { return s.retryAttempt }

// LastSavedAt returns the last time the Subscription has been persisted.
func (s *Subscription) LastSavedAt() time.Time { return s.lastSavedAt }

// LastError returns the error recorded on the Subscription, if any.
func (s *Subscription) LastError() (Error, bool) {
	if s.lastError == nil {
		return Error{}, false
	}

	return *s.lastError, true
}

// Is returns true if the Subscription is in one of the specified statuses.
func (s *Subscription) Is(statuses ...Status) bool {
	for _, status := range statuses {
		if s.status == status {
			return true
		}
	}

	return false
}

// Boot moves the Subscription in StatusBooting.
func (s *Subscription) Boot() { s.status = StatusBooting }

// Activate moves the Subscription in StatusActive.
func (s *Subscription) Activate() { s.status = StatusActive }

// Finish moves the Subscription in StatusFinished.
func (s *Subscription) Finish() { s.status = StatusFinished }

// Detach moves the Subscription in StatusDetached.
func (s *Subscription) Detach() { s.status = StatusDetached }

// Pause moves the Subscription in StatusPaused.
//
// A recorded error is kept, so that Reactivate can resume the Subscription
// from the status it had before failing.
func (s *Subscription) Pause() { s.status = StatusPaused }

// Fail records the failure and moves the Subscription in StatusError,
// remembering the status it was in.
func (s *Subscription) Fail(message string, occurredAt time.Time) {
	s.lastError = &Error{
		Message:        message,
		PreviousStatus: s.status,
		OccurredAt:     occurredAt,
	}
	s.status = StatusError
}

// DoRetry moves the Subscription back to the status it had before failing,
// and increments the retry counter.
func (s *Subscription) DoRetry() error {
	if s.lastError == nil {
		return ErrNoErrorToRetry
	}

	s.retryAttempt++
	s.status = s.lastError.PreviousStatus
	s.lastError = nil

	return nil
}

// ResetRetry resets the retry counter, after a successful processing.
func (s *Subscription) ResetRetry() { s.retryAttempt = 0 }

// Reactivate resumes a Subscription that is not running.
//
// A Subscription with an error recorded goes back to the status it had before
// failing, with a clean retry counter; any other Subscription becomes active.
func (s *Subscription) Reactivate() {
	if s.lastError == nil {
		s.status = StatusActive
		return
	}

	s.status = s.lastError.PreviousStatus
	s.lastError = nil
	s.retryAttempt = 0
}

// ChangePosition moves the Subscription position forward.
// Positions lower than the current one are ignored.
func (s *Subscription) ChangePosition(position event.Index) {
	if position > s.position {
		s.position = position
	}
}

// Touch records the time the Subscription is being persisted.
func (s *Subscription) Touch(at time.Time) { s.lastSavedAt = at }

// Clone returns a deep copy of the Subscription.
func (s *Subscription) Clone() *Subscription {
	clone := *s

	if s.lastError != nil {
		lastError := *s.lastError
		clone.lastError = &lastError
	}

	return &clone
}
