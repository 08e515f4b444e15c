package event_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/version"
)

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, event.NewStoreSuite(func() event.Store {
		return event.NewInMemoryStore()
	}))
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	store := event.NewInMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Append(ctx, "stream", version.Any, event.ToEnvelope(internal.IntPayload(1)))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.LatestIndex(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrackingEventStore(t *testing.T) {
	ctx := context.Background()
	store := event.NewTrackingEventStore(event.NewInMemoryStore())

	_, err := store.Append(ctx, "stream", version.Any,
		event.ToEnvelope(internal.IntPayload(1)),
		event.ToEnvelope(internal.IntPayload(2)),
	)
	assert.NoError(t, err)

	_, err = store.Append(ctx, "stream", version.CheckExact(0), event.ToEnvelope(internal.IntPayload(3)))
	assert.Error(t, err)

	assert.Equal(t, []event.Persisted{
		{StreamID: "stream", Version: 1, Envelope: event.ToEnvelope(internal.IntPayload(1))},
		{StreamID: "stream", Version: 2, Envelope: event.ToEnvelope(internal.IntPayload(2))},
	}, store.Recorded())
}

func TestSliceToStream(t *testing.T) {
	events := []event.Persisted{
		{StreamID: "a", Version: 1, Index: 1, Envelope: event.ToEnvelope(internal.IntPayload(1))},
		{StreamID: "a", Version: 2, Index: 2, Envelope: event.ToEnvelope(internal.IntPayload(2))},
	}

	var got []event.Persisted
	for evt := range event.SliceToStream(events) {
		got = append(got, evt)
	}

	assert.Equal(t, events, got)
}

func TestCriteria_Matches(t *testing.T) {
	evt := event.Persisted{Index: 5, Envelope: event.ToEnvelope(internal.IntPayload(1))}

	assert.True(t, event.Criteria{}.Matches(evt))
	assert.True(t, event.Criteria{FromIndex: 5}.Matches(evt))
	assert.False(t, event.Criteria{FromIndex: 6}.Matches(evt))
	assert.True(t, event.Criteria{Names: []string{"int_payload"}}.Matches(evt))
	assert.False(t, event.Criteria{Names: []string{"string_payload"}}.Matches(evt))
}
