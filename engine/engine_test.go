package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-subscriptions/aggregate"
	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/internal/user"
	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/version"
)

var (
	errBoom = errors.New("boom")
	startAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type testbed struct {
	events        *event.InMemoryStore
	subscriptions *subscription.InMemoryStore
	clock         fakeClock
}

func newTestbed() testbed {
	return testbed{
		events:        event.NewInMemoryStore(),
		subscriptions: subscription.NewInMemoryStore(),
		clock:         clockwork.NewFakeClockAt(startAt),
	}
}

func (tb testbed) engine(t *testing.T, accessors ...*subscriber.Accessor) *engine.DefaultEngine {
	t.Helper()

	registry, err := subscriber.NewRegistry(accessors...)
	require.NoError(t, err)

	return engine.NewDefaultEngine(tb.events, tb.subscriptions, registry,
		engine.WithLogger(logger.Test(t)),
		engine.WithClock(tb.clock),
	)
}

func (tb testbed) append(t *testing.T, events ...event.Event) {
	t.Helper()

	_, err := tb.events.Append(context.Background(), "test:stream", version.Any, event.ToEnvelopes(events...)...)
	require.NoError(t, err)
}

func find(t *testing.T, eng engine.Engine, id string) *subscription.Subscription {
	t.Helper()

	found, err := eng.Subscriptions(context.Background(), engine.Criteria{IDs: []string{id}})
	require.NoError(t, err)
	require.Len(t, found, 1)

	return found[0]
}

func ints(values ...int) []event.Event {
	events := make([]event.Event, 0, len(values))
	for _, v := range values {
		events = append(events, internal.IntPayload(v))
	}

	return events
}

// recorder is a subscriber recording the indexes of the events it handles,
// failing on the int payloads listed in failOn.
type recorder struct {
	handled []event.Index
	failOn  map[internal.IntPayload]bool
}

func (r *recorder) handle(_ context.Context, evt event.Persisted) error {
	if payload, ok := evt.Message.(internal.IntPayload); ok && r.failOn[payload] {
		return errBoom
	}

	r.handled = append(r.handled, evt.Index)

	return nil
}

func TestDefaultEngine_ProfileProjection(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()
	projector := user.NewProfileProjector()
	eng := tb.engine(t, projector.Accessor("profile_1"))

	result, err := eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, subscription.StatusBooting, find(t, eng, "profile_1").Status())

	processed, err := eng.Boot(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, engine.ProcessedResult{ProcessedMessages: 0, StreamFinished: true}, processed)

	s := find(t, eng, "profile_1")
	assert.Equal(t, subscription.StatusActive, s.Status())
	assert.Equal(t, event.Index(0), s.Position())

	id := uuid.New()
	usr, err := user.Create(id, "John", "Doe", "john@doe.com", startAt.AddDate(-30, 0, 0), startAt)
	require.NoError(t, err)
	require.NoError(t, aggregate.NewEventSourcedRepository(tb.events, user.Type).Save(ctx, usr))

	processed, err = eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, engine.ProcessedResult{ProcessedMessages: 1, StreamFinished: true}, processed)

	s = find(t, eng, "profile_1")
	assert.Equal(t, subscription.StatusActive, s.Status())
	assert.Equal(t, event.Index(1), s.Position())
	assert.Equal(t, startAt, s.LastSavedAt())

	profile, ok := projector.Profile(id)
	require.True(t, ok)
	assert.Equal(t, user.Profile{ID: id, FirstName: "John", LastName: "Doe", Email: "john@doe.com"}, profile)

	// Nothing new to process: nothing changes.
	before := s.Snapshot()

	processed, err = eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, engine.ProcessedResult{ProcessedMessages: 0, StreamFinished: true}, processed)
	assert.Equal(t, before, find(t, eng, "profile_1").Snapshot())
}

func TestDefaultEngine_BlueGreenDeployment(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	usr, err := user.Create(uuid.New(), "John", "Doe", "john@doe.com", startAt.AddDate(-30, 0, 0), startAt)
	require.NoError(t, err)
	require.NoError(t, aggregate.NewEventSourcedRepository(tb.events, user.Type).Save(ctx, usr))

	blue := tb.engine(t, user.NewProfileProjector().Accessor("profile_1"))

	_, err = blue.Setup(ctx, engine.All, false)
	require.NoError(t, err)
	_, err = blue.Boot(ctx, engine.All, 0)
	require.NoError(t, err)

	green := tb.engine(t, user.NewProfileProjector().Accessor("profile_2"))

	_, err = green.Setup(ctx, engine.All, false)
	require.NoError(t, err)
	_, err = green.Boot(ctx, engine.All, 0)
	require.NoError(t, err)
	_, err = green.Run(ctx, engine.All, 0)
	require.NoError(t, err)

	old, current := find(t, green, "profile_1"), find(t, green, "profile_2")
	assert.Equal(t, subscription.StatusDetached, old.Status())
	assert.Equal(t, subscription.StatusActive, current.Status())
	assert.Equal(t, old.Position(), current.Position())
	assert.Equal(t, event.Index(1), current.Position())

	result, err := green.Teardown(ctx, engine.All)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	remaining, err := green.Subscriptions(ctx, engine.All)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, current.Snapshot(), remaining[0].Snapshot())
}

func TestDefaultEngine_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()
	tb.append(t, ints(1, 2, 3)...)

	failing := &recorder{failOn: map[internal.IntPayload]bool{2: true}}
	healthy := new(recorder)

	eng := tb.engine(t,
		subscriber.NewAccessor("a", nil, subscriber.Handle("int_payload", failing.handle)),
		subscriber.NewAccessor("b", nil, subscriber.HandleAll(healthy.handle)),
	)

	_, err := eng.Setup(ctx, engine.All, true)
	require.NoError(t, err)

	result, err := eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ProcessedMessages)
	assert.True(t, result.StreamFinished)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "a", result.Errors[0].SubscriptionID)
	assert.ErrorIs(t, result.Errors[0], errBoom)

	a := find(t, eng, "a")
	assert.Equal(t, subscription.StatusError, a.Status())
	assert.Equal(t, event.Index(1), a.Position())

	lastError, ok := a.LastError()
	require.True(t, ok)
	assert.Equal(t, subscription.StatusActive, lastError.PreviousStatus)
	assert.Equal(t, startAt, lastError.OccurredAt)

	b := find(t, eng, "b")
	assert.Equal(t, subscription.StatusActive, b.Status())
	assert.Equal(t, event.Index(3), b.Position())
	assert.Equal(t, []event.Index{1, 2, 3}, healthy.handled)
	assert.Equal(t, []event.Index{1}, failing.handled)
}

func TestDefaultEngine_RetryGating(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()
	tb.append(t, ints(1)...)

	flaky := &recorder{failOn: map[internal.IntPayload]bool{1: true}}
	eng := tb.engine(t, subscriber.NewAccessor("flaky", nil, subscriber.HandleAll(flaky.handle)))

	_, err := eng.Setup(ctx, engine.All, true)
	require.NoError(t, err)

	result, err := eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, subscription.StatusError, find(t, eng, "flaky").Status())

	flaky.failOn = nil
	tb.clock.Advance(4 * time.Second)

	result, err = eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Zero(t, result.ProcessedMessages)
	assert.Equal(t, subscription.StatusError, find(t, eng, "flaky").Status(), "too early to retry")

	tb.clock.Advance(time.Second)

	result, err = eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedMessages)
	assert.Empty(t, result.Errors)

	s := find(t, eng, "flaky")
	assert.Equal(t, subscription.StatusActive, s.Status())
	assert.Equal(t, event.Index(1), s.Position())
	assert.Zero(t, s.RetryAttempt(), "success resets the retry counter")
}

func TestDefaultEngine_SetupFailure(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	sub := &setupper{err: errBoom}
	eng := tb.engine(t, subscriber.NewAccessor("projector", sub))

	result, err := eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0], errBoom)

	s := find(t, eng, "projector")
	assert.Equal(t, subscription.StatusError, s.Status())

	lastError, _ := s.LastError()
	assert.Equal(t, subscription.StatusNew, lastError.PreviousStatus)

	sub.err = nil
	tb.clock.Advance(5 * time.Second)

	result, err = eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, subscription.StatusBooting, find(t, eng, "projector").Status())
	assert.Equal(t, 2, sub.calls)
}

func TestDefaultEngine_RetryAttemptResetsOnSuccess(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	sub := &setupper{err: errBoom}
	eng := tb.engine(t, subscriber.NewAccessor("projector", sub))

	result, err := eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)

	sub.err = nil
	tb.clock.Advance(5 * time.Second)

	result, err = eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Zero(t, find(t, eng, "projector").RetryAttempt(), "a successful setup resets the retry counter")

	processed, err := eng.Boot(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Empty(t, processed.Errors)

	s := find(t, eng, "projector")
	assert.Equal(t, subscription.StatusActive, s.Status())
	assert.Zero(t, s.RetryAttempt())
}

type setupper struct {
	err   error
	calls int
}

func (s *setupper) Setup(context.Context) error {
	s.calls++
	return s.err
}

func TestDefaultEngine_RunModes(t *testing.T) {
	ctx := context.Background()

	t.Run("once subscriptions finish after catching up", func(t *testing.T) {
		tb := newTestbed()
		tb.append(t, ints(1, 2)...)

		rec := new(recorder)
		eng := tb.engine(t, subscriber.NewAccessor("once", nil,
			subscriber.WithRunMode(subscription.RunModeOnce),
			subscriber.HandleAll(rec.handle),
		))

		_, err := eng.Setup(ctx, engine.All, false)
		require.NoError(t, err)

		result, err := eng.Boot(ctx, engine.All, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, result.ProcessedMessages)

		s := find(t, eng, "once")
		assert.Equal(t, subscription.StatusFinished, s.Status())
		assert.Equal(t, event.Index(2), s.Position())

		tb.append(t, ints(3)...)

		result, err = eng.Run(ctx, engine.All, 0)
		require.NoError(t, err)
		assert.Zero(t, result.ProcessedMessages)
		assert.Equal(t, subscription.StatusFinished, find(t, eng, "once").Status())
		assert.Equal(t, []event.Index{1, 2}, rec.handled)
	})

	t.Run("once subscriptions set up while active finish on run", func(t *testing.T) {
		tb := newTestbed()
		tb.append(t, ints(1)...)

		eng := tb.engine(t, subscriber.NewAccessor("once", nil,
			subscriber.WithRunMode(subscription.RunModeOnce),
			subscriber.HandleAll(new(recorder).handle),
		))

		_, err := eng.Setup(ctx, engine.All, true)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, find(t, eng, "once").Status())

		_, err = eng.Run(ctx, engine.All, 0)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusFinished, find(t, eng, "once").Status())
	})

	t.Run("from now subscriptions skip the history", func(t *testing.T) {
		tb := newTestbed()
		tb.append(t, ints(1, 2, 3)...)

		rec := new(recorder)
		eng := tb.engine(t, subscriber.NewAccessor("now", nil,
			subscriber.WithRunMode(subscription.RunModeFromNow),
			subscriber.HandleAll(rec.handle),
		))

		_, err := eng.Setup(ctx, engine.All, false)
		require.NoError(t, err)

		s := find(t, eng, "now")
		assert.Equal(t, subscription.StatusActive, s.Status())
		assert.Equal(t, event.Index(3), s.Position())

		tb.append(t, ints(4)...)

		result, err := eng.Run(ctx, engine.All, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.ProcessedMessages)
		assert.Equal(t, []event.Index{4}, rec.handled)
	})
}

func TestDefaultEngine_MessageLimit(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()
	tb.append(t, ints(1, 2, 3, 4, 5)...)

	rec := new(recorder)
	eng := tb.engine(t, subscriber.NewAccessor("projector", nil, subscriber.HandleAll(rec.handle)))

	_, err := eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)

	result, err := eng.Boot(ctx, engine.All, 2)
	require.NoError(t, err)
	assert.Equal(t, engine.ProcessedResult{ProcessedMessages: 2, StreamFinished: false}, result)

	s := find(t, eng, "projector")
	assert.Equal(t, subscription.StatusBooting, s.Status())
	assert.Equal(t, event.Index(2), s.Position())

	result, err = engine.NewCatchUpEngine(eng).Boot(ctx, engine.All, 2)
	require.NoError(t, err)
	assert.Equal(t, engine.ProcessedResult{ProcessedMessages: 3, StreamFinished: true}, result)

	s = find(t, eng, "projector")
	assert.Equal(t, subscription.StatusActive, s.Status())
	assert.Equal(t, event.Index(5), s.Position())
	assert.Equal(t, []event.Index{1, 2, 3, 4, 5}, rec.handled)
}

func TestDefaultEngine_PauseAndReactivate(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	rec := new(recorder)
	eng := tb.engine(t, subscriber.NewAccessor("projector", nil, subscriber.HandleAll(rec.handle)))

	_, err := eng.Setup(ctx, engine.All, true)
	require.NoError(t, err)

	_, err = eng.Pause(ctx, engine.All)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPaused, find(t, eng, "projector").Status())

	tb.append(t, ints(1)...)

	result, err := eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Zero(t, result.ProcessedMessages)
	assert.Empty(t, rec.handled)

	_, err = eng.Reactivate(ctx, engine.All)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, find(t, eng, "projector").Status())

	result, err = eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedMessages)
	assert.Equal(t, []event.Index{1}, rec.handled)
}

type tearDowner struct{ err error }

func (td *tearDowner) TearDown(context.Context) error { return td.err }

func TestDefaultEngine_Teardown(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	detached := subscription.New("projector", subscriber.DefaultGroup, subscription.RunModeFromBeginning)
	detached.Detach()
	require.NoError(t, tb.subscriptions.Add(ctx, detached))

	td := &tearDowner{err: errBoom}
	eng := tb.engine(t, subscriber.NewAccessor("projector", td))

	result, err := eng.Teardown(ctx, engine.All)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0], errBoom)
	assert.Equal(t, subscription.StatusDetached, find(t, eng, "projector").Status(), "failed teardown keeps the subscription")

	td.err = nil

	result, err = eng.Teardown(ctx, engine.All)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	remaining, err := eng.Subscriptions(ctx, engine.All)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDefaultEngine_Remove(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	eng := tb.engine(t,
		subscriber.NewAccessor("projector", &tearDowner{err: errBoom}),
		subscriber.NewAccessor("processor", nil, subscriber.WithGroup("processors")),
	)

	_, err := eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)

	result, err := eng.Remove(ctx, engine.Criteria{Groups: []string{subscriber.DefaultGroup}})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "projector", result.Errors[0].SubscriptionID)

	remaining, err := eng.Subscriptions(ctx, engine.All)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "processor", remaining[0].ID())
}

func TestDefaultEngine_RemoveDiscoversNewSubscribers(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	eng := tb.engine(t,
		subscriber.NewAccessor("projector", nil),
		subscriber.NewAccessor("processor", nil, subscriber.WithGroup("processors")),
	)

	result, err := eng.Remove(ctx, engine.Criteria{Groups: []string{"processors"}})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	stored, err := tb.subscriptions.Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "projector", stored[0].ID())
	assert.Equal(t, subscription.StatusNew, stored[0].Status())
}

func TestDefaultEngine_AlreadyProcessing(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()
	tb.append(t, ints(1)...)

	var (
		eng       *engine.DefaultEngine
		reentrant error
	)

	eng = tb.engine(t, subscriber.NewAccessor("projector", nil,
		subscriber.HandleAll(func(ctx context.Context, _ event.Persisted) error {
			_, reentrant = eng.Run(ctx, engine.All, 0)
			return nil
		}),
	))

	_, err := eng.Setup(ctx, engine.All, true)
	require.NoError(t, err)

	_, err = eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, reentrant, engine.ErrAlreadyProcessing)
}

func TestDefaultEngine_SubscriberNotFoundWhileBooting(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()

	_, err := tb.engine(t, subscriber.NewAccessor("ghost", nil)).Setup(ctx, engine.All, false)
	require.NoError(t, err)

	_, err = tb.engine(t).Boot(ctx, engine.All, 0)

	var notFound *engine.SubscriberNotFoundError

	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.SubscriptionID)
	assert.ErrorIs(t, err, engine.ErrSubscriberNotFound)
}

func TestThrowOnErrorEngine(t *testing.T) {
	ctx := context.Background()
	tb := newTestbed()
	tb.append(t, ints(1)...)

	failing := &recorder{failOn: map[internal.IntPayload]bool{1: true}}
	eng := engine.ThrowOnErrorEngine{Engine: tb.engine(t,
		subscriber.NewAccessor("failing", nil, subscriber.HandleAll(failing.handle)),
		subscriber.NewAccessor("healthy", nil, subscriber.HandleAll(new(recorder).handle)),
	)}

	_, err := eng.Setup(ctx, engine.All, true)
	require.NoError(t, err)

	result, err := eng.Run(ctx, engine.All, 0)
	assert.Equal(t, 1, result.ProcessedMessages)

	var occurred *engine.ErrorsOccurred

	require.ErrorAs(t, err, &occurred)
	assert.Len(t, occurred.Errors, 1)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "1 subscription error(s) occurred")

	var single engine.Error

	require.ErrorAs(t, err, &single)
	assert.Equal(t, "failing", single.SubscriptionID)

	assert.Equal(t, event.Index(1), find(t, eng, "healthy").Position())
}
