// Package engine contains the subscription engine, which drives every
// registered Subscriber through the global Event Store log, tracking
// its progress with a durable subscription.Subscription.
//
// The engine is synchronous: each operation runs to completion (or until
// the message limit is reached) in the calling goroutine. Multiple engine
// instances sharing the same subscription.Store are coordinated through
// the subscription.Locker capability of the Store, when available.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-eventually/go-subscriptions/subscription"
)

var (
	// ErrAlreadyProcessing is returned when an engine operation is called
	// while another one is still running on the same engine instance.
	ErrAlreadyProcessing = errors.New("engine: already processing")

	// ErrSubscriberNotFound is returned when a tracked Subscription
	// references a Subscriber that is not registered in the process.
	ErrSubscriberNotFound = errors.New("engine: subscriber not found")
)

// SubscriberNotFoundError is returned by Boot when a Subscription being booted
// has no Subscriber registered, which indicates a deployment configuration fault.
type SubscriberNotFoundError struct {
	SubscriptionID string
}

func (err *SubscriberNotFoundError) Error() string {
	return fmt.Sprintf("engine: subscriber not found for subscription '%s'", err.SubscriptionID)
}

// Unwrap returns ErrSubscriberNotFound.
func (err *SubscriberNotFoundError) Unwrap() error { return ErrSubscriberNotFound }

// Criteria narrows the Subscriptions affected by an engine operation.
// Empty fields do not restrict the selection.
type Criteria struct {
	IDs    []string
	Groups []string
}

// All selects all the Subscriptions.
var All = Criteria{}

func (c Criteria) withStatuses(statuses ...subscription.Status) subscription.Criteria {
	return subscription.Criteria{
		IDs:      c.IDs,
		Groups:   c.Groups,
		Statuses: statuses,
	}
}

// Error is a failure of a single Subscription, reported in a Result
// without interrupting the processing of the other Subscriptions.
type Error struct {
	SubscriptionID string
	Message        string
	Cause          error
}

func (err Error) Error() string {
	return fmt.Sprintf("engine: subscription '%s' %s, %v", err.SubscriptionID, err.Message, err.Cause)
}

// Unwrap returns the Subscriber error that caused the failure.
func (err Error) Unwrap() error { return err.Cause }

// Result is returned by the engine operations not processing messages.
type Result struct {
	Errors []Error
}

// ProcessedResult is returned by the engine operations processing messages.
type ProcessedResult struct {
	// ProcessedMessages is the number of messages read from the Event Store.
	ProcessedMessages int

	// StreamFinished is false when the message limit was reached
	// before the end of the Event Store log.
	StreamFinished bool

	Errors []Error
}

// Engine drives Subscriptions through their lifecycle.
//
// Operations return an error only for structural or concurrency faults;
// failures of single Subscribers are reported in the returned Result.
type Engine interface {
	// Setup discovers new Subscribers, retries failed Subscriptions and
	// runs the setup callback of new Subscriptions, moving them to booting,
	// or directly to active if skipBooting is true or they run from now.
	Setup(ctx context.Context, criteria Criteria, skipBooting bool) (Result, error)

	// Boot catches booting Subscriptions up with the Event Store,
	// processing at most limit messages, or all of them if limit is 0.
	Boot(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error)

	// Run processes new messages for active Subscriptions, processing at most
	// limit messages, or all of them if limit is 0. Subscriptions whose
	// Subscriber is no longer registered are detached.
	Run(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error)

	// Teardown removes detached Subscriptions, calling their teardown callback.
	Teardown(ctx context.Context, criteria Criteria) (Result, error)

	// Remove removes Subscriptions in any status, calling their teardown callback.
	Remove(ctx context.Context, criteria Criteria) (Result, error)

	// Reactivate resumes failed, detached, paused and finished Subscriptions.
	Reactivate(ctx context.Context, criteria Criteria) (Result, error)

	// Pause stops active, booting and failed Subscriptions.
	Pause(ctx context.Context, criteria Criteria) (Result, error)

	// Subscriptions returns the Subscriptions matching the criteria.
	Subscriptions(ctx context.Context, criteria Criteria) ([]*subscription.Subscription, error)
}
