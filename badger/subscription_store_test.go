package badger_test

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	eventuallybadger "github.com/get-eventually/go-subscriptions/badger"
	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/subscription/subscriptiontest"
)

func openInMemory(t *testing.T) *badger.DB {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable logging in tests

	db, err := badger.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestSubscriptionStore(t *testing.T) {
	suite.Run(t, subscriptiontest.NewStoreSuite(func() subscription.Store {
		return eventuallybadger.NewSubscriptionStore(openInMemory(t))
	}))
}

func TestSubscriptionStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func() *badger.DB {
		opts := badger.DefaultOptions(dir)
		opts.Logger = nil

		db, err := badger.Open(opts)
		require.NoError(t, err)

		return db
	}

	s := subscription.New("profile_1", "projectors", subscription.RunModeFromBeginning)
	s.Activate()
	s.ChangePosition(42)

	db := open()
	require.NoError(t, eventuallybadger.NewSubscriptionStore(db).Add(ctx, s))
	require.NoError(t, db.Close())

	db = open()
	defer db.Close()

	found, err := eventuallybadger.NewSubscriptionStore(db).Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, s.Snapshot(), found[0].Snapshot())
}
