package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-subscriptions/aggregate"
	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal/user"
	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
)

func testEngine(t *testing.T, events event.Store, subscriptions subscription.Store) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	projector := user.NewProfileProjector()

	registry, err := subscriber.NewRegistry(projector.Accessor("profile_1"))
	require.NoError(t, err)

	eng := engine.ThrowOnErrorEngine{
		Engine: engine.NewDefaultEngine(events, subscriptions, registry, engine.WithLogger(logger.Test(t))),
	}

	_, err = eng.Setup(ctx, engine.All, false)
	require.NoError(t, err)

	id := uuid.New()
	usr, err := user.Create(id, "John", "Doe", "john@doe.com", now.AddDate(-30, 0, 0), now)
	require.NoError(t, err)
	require.NoError(t, usr.UpdateEmail("john.doe@doe.com", now, nil))
	require.NoError(t, aggregate.NewEventSourcedRepository(events, user.Type).Save(ctx, usr))

	result, err := eng.Boot(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ProcessedMessages)

	found, err := eng.Subscriptions(ctx, engine.All)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, subscription.StatusActive, found[0].Status())
	assert.Equal(t, event.Index(2), found[0].Position())

	profile, ok := projector.Profile(id)
	require.True(t, ok)
	assert.Equal(t, "john.doe@doe.com", profile.Email)
}
