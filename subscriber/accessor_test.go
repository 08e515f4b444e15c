package subscriber_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
)

type lifecycle struct {
	setupCalls, teardownCalls int
}

func (l *lifecycle) Setup(context.Context) error    { l.setupCalls++; return nil }
func (l *lifecycle) TearDown(context.Context) error { l.teardownCalls++; return nil }

type batching struct{ lifecycle }

func (batching) BeginBatch(context.Context) error    { return nil }
func (batching) CommitBatch(context.Context) error   { return nil }
func (batching) RollbackBatch(context.Context) error { return nil }
func (batching) ForceCommit() bool                   { return false }

func TestNewAccessor(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		a := subscriber.NewAccessor("profile_1", nil)

		assert.Equal(t, "profile_1", a.ID())
		assert.Equal(t, subscriber.DefaultGroup, a.Group())
		assert.Equal(t, subscription.RunModeFromBeginning, a.RunMode())

		_, ok := a.SetupMethod()
		assert.False(t, ok)

		_, ok = a.TeardownMethod()
		assert.False(t, ok)

		_, ok = a.Batch()
		assert.False(t, ok)

		assert.Empty(t, a.SubscribeMethods("int_payload"))
		assert.False(t, a.HandlesAll())
	})

	t.Run("capabilities are detected on the subscriber", func(t *testing.T) {
		sub := new(batching)
		a := subscriber.NewAccessor("profile_1", sub,
			subscriber.WithGroup("projectors"),
			subscriber.WithRunMode(subscription.RunModeOnce),
		)

		assert.Equal(t, "projectors", a.Group())
		assert.Equal(t, subscription.RunModeOnce, a.RunMode())

		setup, ok := a.SetupMethod()
		require.True(t, ok)
		require.NoError(t, setup(context.Background()))

		teardown, ok := a.TeardownMethod()
		require.True(t, ok)
		require.NoError(t, teardown(context.Background()))

		assert.Equal(t, 1, sub.setupCalls)
		assert.Equal(t, 1, sub.teardownCalls)

		_, ok = a.Batch()
		assert.True(t, ok)
	})
}

func TestAccessor_SubscribeMethods(t *testing.T) {
	var calls []string

	record := func(name string) subscriber.HandlerFunc {
		return func(context.Context, event.Persisted) error {
			calls = append(calls, name)
			return nil
		}
	}

	a := subscriber.NewAccessor("profile_1", nil,
		subscriber.HandleAll(record("all-first")),
		subscriber.Handle("int_payload", record("int")),
		subscriber.On(func(_ context.Context, evt internal.StringPayload, _ event.Persisted) error {
			calls = append(calls, "string:"+string(evt))
			return nil
		}),
		subscriber.HandleAll(record("all-last")),
	)

	assert.True(t, a.HandlesAll())
	assert.Equal(t, []string{"int_payload", "string_payload"}, a.EventNames())

	ctx := context.Background()

	for _, handler := range a.SubscribeMethods("int_payload") {
		require.NoError(t, handler(ctx, event.Persisted{Envelope: event.ToEnvelope(internal.IntPayload(1))}))
	}

	assert.Equal(t, []string{"all-first", "int", "all-last"}, calls)

	calls = nil

	for _, handler := range a.SubscribeMethods("string_payload") {
		require.NoError(t, handler(ctx, event.Persisted{Envelope: event.ToEnvelope(internal.StringPayload("x"))}))
	}

	assert.Equal(t, []string{"all-first", "string:x", "all-last"}, calls)
	assert.Len(t, a.SubscribeMethods("unknown"), 2)
}

func TestWithMiddleware(t *testing.T) {
	var calls []string

	trace := func(name string) subscriber.Middleware {
		return func(next subscriber.HandlerFunc) subscriber.HandlerFunc {
			return func(ctx context.Context, evt event.Persisted) error {
				calls = append(calls, name)
				return next(ctx, evt)
			}
		}
	}

	a := subscriber.NewAccessor("profile_1", nil,
		subscriber.HandleAll(func(context.Context, event.Persisted) error {
			calls = append(calls, "handler")
			return nil
		}),
		subscriber.WithMiddleware(trace("outer"), trace("inner")),
	)

	handlers := a.SubscribeMethods("int_payload")
	require.Len(t, handlers, 1)
	require.NoError(t, handlers[0](context.Background(), event.Persisted{Envelope: event.ToEnvelope(internal.IntPayload(1))}))

	assert.Equal(t, []string{"outer", "inner", "handler"}, calls)
}

func TestOn_UnexpectedType(t *testing.T) {
	a := subscriber.NewAccessor("profile_1", nil,
		subscriber.On(func(context.Context, internal.IntPayload, event.Persisted) error { return nil }),
	)

	handlers := a.SubscribeMethods("int_payload")
	require.Len(t, handlers, 1)

	err := handlers[0](context.Background(), event.Persisted{Envelope: event.ToEnvelope(fakeInt{})})
	assert.Error(t, err)
}

type fakeInt struct{}

func (fakeInt) Name() string { return "int_payload" }

func TestRegistry(t *testing.T) {
	first := subscriber.NewAccessor("profile_1", nil)
	second := subscriber.NewAccessor("profile_2", nil)

	registry, err := subscriber.NewRegistry(second, first)
	require.NoError(t, err)

	assert.Equal(t, []*subscriber.Accessor{second, first}, registry.All())

	got, ok := registry.Get("profile_1")
	assert.True(t, ok)
	assert.Same(t, first, got)

	_, ok = registry.Get("unknown")
	assert.False(t, ok)

	err = registry.Register(subscriber.NewAccessor("profile_1", nil))
	assert.Error(t, err)

	_, err = subscriber.NewRegistry(first, first)
	assert.Error(t, err)
}
