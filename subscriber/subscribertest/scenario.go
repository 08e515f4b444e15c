// Package subscribertest contains a scenario API to test Subscribers
// end-to-end, running them through a subscription engine backed by
// in-memory stores.
package subscribertest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/subscription/retry"
	"github.com/get-eventually/go-subscriptions/version"
)

// ScenarioInit is the entrypoint of the Subscriber scenario API.
//
// A Subscriber scenario can either set the Events already in the Event Store
// by using Given(), or test a "clean-slate" scenario by using When() directly.
type ScenarioInit struct{}

// Scenario is a scenario type to test the side effects of a Subscriber
// processing some persisted Domain Events.
//
// Subscribers such as process managers react to Domain Events by appending
// new Domain Events to the Event Store: the scenario asserts on them.
// Projectors usually append nothing, and their read models can be checked
// after AssertOn returns.
func Scenario() ScenarioInit {
	return ScenarioInit{}
}

// Given sets the Domain Events in the Event Store before the Subscriber
// is set up. The Subscriber boots on them before processing the Events
// specified with When(), unless it runs from now.
func (ScenarioInit) Given(events ...event.Persisted) ScenarioGiven {
	return ScenarioGiven{given: events}
}

// When provides the Domain Events the Subscriber should process.
func (ScenarioInit) When(events ...event.Persisted) ScenarioWhen {
	return ScenarioWhen{when: events}
}

// ScenarioGiven is the state of the scenario once the Event Store
// content has been provided using Given().
type ScenarioGiven struct {
	given []event.Persisted
}

// When provides the Domain Events the Subscriber should process.
func (sc ScenarioGiven) When(events ...event.Persisted) ScenarioWhen {
	return ScenarioWhen{ScenarioGiven: sc, when: events}
}

// ScenarioWhen is the state of the scenario once the Domain Events
// to process have been set.
type ScenarioWhen struct {
	ScenarioGiven

	when []event.Persisted
}

// Then sets a positive expectation on the scenario outcome, which should be
// the list of Domain Events appended by the Subscriber while processing
// the Events specified with When(), in append order.
//
// The expected Events are compared without their global Index.
func (sc ScenarioWhen) Then(events ...event.Persisted) ScenarioThen {
	return ScenarioThen{ScenarioWhen: sc, then: events}
}

// ThenError sets a negative expectation on the scenario outcome,
// to fail the Subscriber with an error similar to the one provided in input.
//
// Error assertion happens using errors.Is().
func (sc ScenarioWhen) ThenError(err error) ScenarioThen {
	return ScenarioThen{ScenarioWhen: sc, wantError: true, thenError: err}
}

// ThenFails sets a negative expectation on the scenario outcome,
// to fail the Subscriber with no particular assertion on the error.
func (sc ScenarioWhen) ThenFails() ScenarioThen {
	return ScenarioThen{ScenarioWhen: sc, wantError: true}
}

// ScenarioThen is the state of the scenario once the preconditions
// and expectations have been fully specified.
type ScenarioThen struct {
	ScenarioWhen

	then      []event.Persisted
	thenError error
	wantError bool
}

// AssertOn performs the specified expectations of the scenario, using the
// Subscriber Accessor produced by the provided factory function.
//
// The factory receives the Event Store the Subscriber should append to.
// Failures while booting on the Events specified with Given() fail the test.
func (sc ScenarioThen) AssertOn(t *testing.T, accessorFactory func(store event.Store) *subscriber.Accessor) {
	t.Helper()

	ctx := context.Background()
	store := event.NewInMemoryStore()

	for _, evt := range sc.given {
		_, err := store.Append(ctx, evt.StreamID, version.Any, evt.Envelope)
		require.NoError(t, err)
	}

	tracking := event.NewTrackingEventStore(store)
	accessor := accessorFactory(event.FusedStore{
		Appender:          tracking,
		Streamer:          store,
		Loader:            store,
		LatestIndexGetter: store,
	})

	registry, err := subscriber.NewRegistry(accessor)
	require.NoError(t, err)

	eng := engine.ThrowOnErrorEngine{
		Engine: engine.NewDefaultEngine(store, subscription.NewInMemoryStore(), registry,
			engine.WithLogger(logger.Test(t)),
			engine.WithRetryStrategy(retry.Never),
		),
	}

	_, err = eng.Setup(ctx, engine.All, false)
	require.NoError(t, err, "failed to setup the subscriber")

	_, err = eng.Boot(ctx, engine.All, 0)
	require.NoError(t, err, "failed to boot the subscriber on the given events")

	recordedBefore := len(tracking.Recorded())

	for _, evt := range sc.when {
		_, err := store.Append(ctx, evt.StreamID, version.Any, evt.Envelope)
		require.NoError(t, err)
	}

	_, err = eng.Run(ctx, engine.All, 0)

	if !sc.wantError {
		assert.NoError(t, err)

		if recorded := tracking.Recorded()[recordedBefore:]; len(sc.then) == 0 {
			assert.Empty(t, recorded)
		} else {
			assert.Equal(t, sc.then, recorded)
		}

		return
	}

	if !assert.Error(t, err) {
		return
	}

	var errs *engine.ErrorsOccurred
	assert.True(t, errors.As(err, &errs), "the subscriber should fail, got: %v", err)

	if sc.thenError != nil {
		assert.ErrorIs(t, err, sc.thenError)
	}
}
