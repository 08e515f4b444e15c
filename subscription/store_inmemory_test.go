package subscription_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/subscription/subscriptiontest"
)

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, subscriptiontest.NewStoreSuite(func() subscription.Store {
		return subscription.NewInMemoryStore()
	}))
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := subscription.NewInMemoryStore()

	s := subscription.New("profile_1", "default", subscription.RunModeFromBeginning)
	require.NoError(t, store.Add(ctx, s))

	s.Activate()

	found, err := store.Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, subscription.StatusNew, found[0].Status())

	found[0].Boot()

	found, err = store.Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusNew, found[0].Status())
}

func TestProcessLocker(t *testing.T) {
	ctx := context.Background()
	locker := subscription.NewProcessLocker()

	unlock, err := locker.Acquire(ctx)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = locker.Acquire(canceled)
	assert.ErrorIs(t, err, subscription.ErrLockNotAcquired)

	// Unlocking twice is harmless.
	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))

	unlock, err = locker.Acquire(ctx)
	require.NoError(t, err)
	assert.NoError(t, unlock(ctx))
}
