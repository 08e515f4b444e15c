// Package subscriptiontest contains a conformance test suite for
// subscription.Store implementations.
package subscriptiontest

import (
	"context"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/go-subscriptions/subscription"
)

// StoreSuite is a full testing suite for a subscription.Store instance.
//
// If the Store also implements subscription.Locker, the lock
// exclusivity is tested as well.
type StoreSuite struct {
	suite.Suite

	storeFactory func() subscription.Store
	store        subscription.Store // NOTE: this instance is initialized in SetupTest.
}

// NewStoreSuite creates a new Subscription Store testing suite using
// the provided factory.
func NewStoreSuite(factory func() subscription.Store) *StoreSuite {
	ss := new(StoreSuite)
	ss.storeFactory = factory

	return ss
}

// SetupTest creates a new, fresh Store instance for each test in the suite.
func (ss *StoreSuite) SetupTest() {
	ss.store = ss.storeFactory()
}

func fixtures() []*subscription.Subscription {
	savedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := subscription.New("profile_1", "projectors", subscription.RunModeFromBeginning)
	first.Touch(savedAt)

	second := subscription.New("profile_2", "projectors", subscription.RunModeFromNow)
	second.Activate()
	second.ChangePosition(10)
	second.Touch(savedAt)

	third := subscription.New("welcome_email", "processors", subscription.RunModeOnce)
	third.Boot()
	third.ChangePosition(3)
	third.Fail("smtp unavailable", savedAt)
	third.Touch(savedAt)

	return []*subscription.Subscription{first, second, third}
}

// TestAddAndFind checks that added Subscriptions are returned,
// unchanged and sorted by id, by Find.
func (ss *StoreSuite) TestAddAndFind() {
	t := ss.T()
	ctx := context.Background()
	subscriptions := fixtures()

	require.NoError(t, ss.store.Add(ctx, subscriptions[2], subscriptions[0], subscriptions[1]))

	all, err := ss.store.Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	assertSnapshots(t, subscriptions, all)

	projectors, err := ss.store.Find(ctx, subscription.Criteria{Groups: []string{"projectors"}})
	require.NoError(t, err)
	assertSnapshots(t, subscriptions[:2], projectors)

	failed, err := ss.store.Find(ctx, subscription.Criteria{Statuses: []subscription.Status{subscription.StatusError}})
	require.NoError(t, err)
	assertSnapshots(t, subscriptions[2:], failed)

	byID, err := ss.store.Find(ctx, subscription.Criteria{
		IDs:      []string{"profile_2", "welcome_email"},
		Statuses: []subscription.Status{subscription.StatusActive, subscription.StatusNew},
	})
	require.NoError(t, err)
	assertSnapshots(t, subscriptions[1:2], byID)

	err = ss.store.Add(ctx, subscription.New("profile_1", "projectors", subscription.RunModeFromBeginning))
	assert.ErrorIs(t, err, subscription.ErrAlreadyExists)
}

// TestUpdate checks that updates are persisted, and that
// updating an unknown Subscription fails.
func (ss *StoreSuite) TestUpdate() {
	t := ss.T()
	ctx := context.Background()
	subscriptions := fixtures()

	require.NoError(t, ss.store.Add(ctx, subscriptions...))

	subscriptions[0].Boot()
	subscriptions[0].ChangePosition(7)
	subscriptions[2].Reactivate()

	require.NoError(t, ss.store.Update(ctx, subscriptions[0], subscriptions[2]))

	all, err := ss.store.Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	assertSnapshots(t, subscriptions, all)

	err = ss.store.Update(ctx, subscription.New("unknown", "default", subscription.RunModeFromNow))
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

// TestRemove checks that removed Subscriptions are no longer returned.
func (ss *StoreSuite) TestRemove() {
	t := ss.T()
	ctx := context.Background()
	subscriptions := fixtures()

	require.NoError(t, ss.store.Add(ctx, subscriptions...))
	require.NoError(t, ss.store.Remove(ctx, subscriptions[1]))

	all, err := ss.store.Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	assertSnapshots(t, []*subscription.Subscription{subscriptions[0], subscriptions[2]}, all)

	err = ss.store.Remove(ctx, subscriptions[1])
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

// TestLocker checks the lock is exclusive, if supported by the Store.
func (ss *StoreSuite) TestLocker() {
	t := ss.T()

	locker, ok := ss.store.(subscription.Locker)
	if !ok {
		t.Skip("store does not implement subscription.Locker")
	}

	ctx := context.Background()

	unlock, err := locker.Acquire(ctx)
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(timeoutCtx)
	assert.ErrorIs(t, err, subscription.ErrLockNotAcquired)

	require.NoError(t, unlock(ctx))

	unlock, err = locker.Acquire(ctx)
	require.NoError(t, err)
	assert.NoError(t, unlock(ctx))
}

func assertSnapshots(t assert.TestingT, expected, actual []*subscription.Subscription) {
	expectedSnapshots := make([]subscription.Snapshot, 0, len(expected))
	for _, s := range expected {
		expectedSnapshots = append(expectedSnapshots, s.Snapshot())
	}

	actualSnapshots := make([]subscription.Snapshot, 0, len(actual))
	for _, s := range actual {
		actualSnapshots = append(actualSnapshots, s.Snapshot())
	}

	assert.Equal(t, expectedSnapshots, actualSnapshots)
}
