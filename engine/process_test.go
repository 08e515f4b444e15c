package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// batcher is a Batchable subscriber buffering the int payloads it handles
// until the batch is committed.
type batcher struct {
	calls     []string
	buffered  []internal.IntPayload
	committed []internal.IntPayload
	failOn    internal.IntPayload
	forceAt   int
}

func (b *batcher) BeginBatch(context.Context) error {
	b.calls = append(b.calls, "begin")
	return nil
}

func (b *batcher) CommitBatch(context.Context) error {
	b.calls = append(b.calls, "commit")
	b.committed = append(b.committed, b.buffered...)
	b.buffered = nil

	return nil
}

func (b *batcher) RollbackBatch(context.Context) error {
	b.calls = append(b.calls, "rollback")
	b.buffered = nil

	return nil
}

func (b *batcher) ForceCommit() bool {
	return b.forceAt > 0 && len(b.buffered) >= b.forceAt
}

func (b *batcher) accessor(id string) *subscriber.Accessor {
	return subscriber.NewAccessor(id, b, subscriber.On(
		func(_ context.Context, payload internal.IntPayload, _ event.Persisted) error {
			if payload == b.failOn {
				return errBoom
			}

			b.buffered = append(b.buffered, payload)

			return nil
		},
	))
}

func TestDefaultEngine_Batching(t *testing.T) {
	ctx := context.Background()

	t.Run("a failure rolls back the whole batch", func(t *testing.T) {
		tb := newTestbed()
		tb.append(t, ints(1, 2, 3, 4, 5)...)

		b := &batcher{failOn: 3}
		eng := tb.engine(t, b.accessor("batcher"))

		_, err := eng.Setup(ctx, engine.All, true)
		require.NoError(t, err)

		result, err := eng.Run(ctx, engine.All, 0)
		require.NoError(t, err)
		require.Len(t, result.Errors, 1)
		assert.ErrorIs(t, result.Errors[0], errBoom)

		s := find(t, eng, "batcher")
		assert.Equal(t, subscription.StatusError, s.Status())
		assert.Equal(t, event.Index(0), s.Position())
		assert.Equal(t, []string{"begin", "rollback"}, b.calls)
		assert.Empty(t, b.committed)
	})

	t.Run("the batch is committed at the end of the pass", func(t *testing.T) {
		tb := newTestbed()
		tb.append(t, ints(1, 2, 3)...)

		b := new(batcher)
		eng := tb.engine(t, b.accessor("batcher"))

		_, err := eng.Setup(ctx, engine.All, true)
		require.NoError(t, err)

		result, err := eng.Run(ctx, engine.All, 0)
		require.NoError(t, err)
		assert.Empty(t, result.Errors)

		assert.Equal(t, event.Index(3), find(t, eng, "batcher").Position())
		assert.Equal(t, []string{"begin", "commit"}, b.calls)
		assert.Equal(t, []internal.IntPayload{1, 2, 3}, b.committed)
	})

	t.Run("forced commits open a new batch", func(t *testing.T) {
		tb := newTestbed()
		tb.append(t, ints(1, 2, 3, 4, 5)...)

		b := &batcher{forceAt: 2}
		eng := tb.engine(t, b.accessor("batcher"))

		_, err := eng.Setup(ctx, engine.All, true)
		require.NoError(t, err)

		_, err = eng.Run(ctx, engine.All, 0)
		require.NoError(t, err)

		assert.Equal(t, event.Index(5), find(t, eng, "batcher").Position())
		assert.Equal(t, []string{"begin", "commit", "begin", "commit", "begin", "commit"}, b.calls)
		assert.Equal(t, []internal.IntPayload{1, 2, 3, 4, 5}, b.committed)
	})
}
