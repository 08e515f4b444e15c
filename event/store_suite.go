package event

import (
	"context"
	"fmt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/version"
)

const (
	firstInstance  = StreamID("first:my-instance")
	secondInstance = StreamID("second:my-instance")
	thirdInstance  = StreamID("third:my-instance")
)

var (
	expectedStreamFirstInstance = []Persisted{
		{StreamID: firstInstance, Version: 1, Index: 1, Envelope: ToEnvelope(internal.IntPayload(1))},
		{StreamID: firstInstance, Version: 2, Index: 3, Envelope: ToEnvelope(internal.IntPayload(2))},
		{StreamID: firstInstance, Version: 3, Index: 5, Envelope: ToEnvelope(internal.IntPayload(3))},
	}

	expectedStreamSecondInstance = []Persisted{
		{StreamID: secondInstance, Version: 1, Index: 2, Envelope: ToEnvelope(internal.StringPayload("1"))},
		{StreamID: secondInstance, Version: 2, Index: 4, Envelope: ToEnvelope(internal.StringPayload("2"))},
		{StreamID: secondInstance, Version: 3, Index: 6, Envelope: ToEnvelope(internal.StringPayload("3"))},
	}
)

// StoreSuite is a full testing suite for an event.Store instance.
//
// Store implementations under test must be able to serialize both
// internal.IntPayload and internal.StringPayload messages.
type StoreSuite struct {
	suite.Suite

	storeFactory func() Store
	eventStore   Store // NOTE: this instance is initialized in SetupTest.
}

// NewStoreSuite creates a new Event Store testing suite using the provided
// event.Store type.
func NewStoreSuite(factory func() Store) *StoreSuite {
	ss := new(StoreSuite)
	ss.storeFactory = factory

	return ss
}

// SetupTest creates a new, fresh Event Store instance for each test in the suite.
func (ss *StoreSuite) SetupTest() {
	ss.eventStore = ss.storeFactory()
}

// TestStream tests the event.Streamer and event.Appender functions
// using the provided Event Store instance.
func (ss *StoreSuite) TestStream() {
	t := ss.T()
	ctx := context.Background()

	require.NoError(t, ss.appendEvents(ctx))

	streamFirstInstance, err := StreamToSlice(ctx, func(ctx context.Context, es StreamWrite) error {
		return ss.eventStore.Stream(ctx, es, firstInstance, version.SelectFromBeginning)
	})

	assert.NoError(t, err)

	streamSecondInstance, err := StreamToSlice(ctx, func(ctx context.Context, es StreamWrite) error {
		return ss.eventStore.Stream(ctx, es, secondInstance, version.SelectFromBeginning)
	})

	assert.NoError(t, err)

	assert.Equal(t, expectedStreamFirstInstance, skipMetadata(streamFirstInstance))
	assert.Equal(t, expectedStreamSecondInstance, skipMetadata(streamSecondInstance))

	// Streaming with an out-of-bound Select will yield empty elements.
	streamFirstInstance, err = StreamToSlice(ctx, func(ctx context.Context, es StreamWrite) error {
		return ss.eventStore.Stream(ctx, es, firstInstance, version.Selector{From: 4})
	})

	assert.NoError(t, err)
	assert.Empty(t, streamFirstInstance)

	newVersion, err := ss.eventStore.Append(
		ctx,
		thirdInstance,
		version.CheckExact(0), // No event expected on this Event Stream!
		ToEnvelope(internal.IntPayload(0)),
	)

	assert.Equal(t, version.Version(1), newVersion)
	assert.NoError(t, err)

	_, err = ss.eventStore.Append(
		ctx,
		thirdInstance,
		version.CheckExact(0), // Appending with the same expected version should fail!
		ToEnvelope(internal.IntPayload(0)),
	)

	var actualErr version.ConflictError

	assert.ErrorAs(t, err, &actualErr)
	assert.Equal(t, version.ConflictError{Expected: 0, Actual: 1}, actualErr)
}

// TestLoad tests the event.Loader and event.LatestIndexGetter functions
// using the provided Event Store instance.
func (ss *StoreSuite) TestLoad() {
	t := ss.T()
	ctx := context.Background()

	latest, err := ss.eventStore.LatestIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, Index(0), latest)

	require.NoError(t, ss.appendEvents(ctx))

	latest, err = ss.eventStore.LatestIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, Index(6), latest)

	all, err := StreamToSlice(ctx, func(ctx context.Context, es StreamWrite) error {
		return ss.eventStore.Load(ctx, es, Criteria{FromIndex: 1})
	})

	require.NoError(t, err)
	require.Len(t, all, 6)

	for i, event := range all {
		assert.Equal(t, Index(i+1), event.Index)
	}

	fromFourth, err := StreamToSlice(ctx, func(ctx context.Context, es StreamWrite) error {
		return ss.eventStore.Load(ctx, es, Criteria{FromIndex: 4})
	})

	require.NoError(t, err)
	assert.Equal(t, all[3:], fromFourth)

	onlyInts, err := StreamToSlice(ctx, func(ctx context.Context, es StreamWrite) error {
		return ss.eventStore.Load(ctx, es, Criteria{
			FromIndex: 2,
			Names:     []string{internal.IntPayload(0).Name()},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, expectedStreamFirstInstance[1:], skipMetadata(onlyInts))

	beyondTail, err := StreamToSlice(ctx, func(ctx context.Context, es StreamWrite) error {
		return ss.eventStore.Load(ctx, es, Criteria{FromIndex: 7})
	})

	require.NoError(t, err)
	assert.Empty(t, beyondTail)
}

func (ss *StoreSuite) appendEvents(ctx context.Context) error {
	for i := 1; i < 4; i++ {
		if _, err := ss.eventStore.Append(
			ctx,
			firstInstance,
			version.CheckExact(version.Version(i-1)),
			ToEnvelope(internal.IntPayload(i)),
		); err != nil {
			return fmt.Errorf("appendEvents: failed on first instance, event %d: %w", i, err)
		}

		if _, err := ss.eventStore.Append(
			ctx,
			secondInstance,
			version.CheckExact(version.Version(i-1)),
			ToEnvelope(internal.StringPayload(fmt.Sprint(i))),
		); err != nil {
			return fmt.Errorf("appendEvents: failed on second instance, event %d: %w", i, err)
		}
	}

	return nil
}

func skipMetadata(events []Persisted) []Persisted {
	mapped := make([]Persisted, 0, len(events))

	for _, event := range events {
		newEvent := event
		newEvent.Metadata = nil
		mapped = append(mapped, newEvent)
	}

	return mapped
}
