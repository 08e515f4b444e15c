// Package badger contains a subscription.Store implementation backed by
// an embedded BadgerDB database, for single-process deployments.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/get-eventually/go-subscriptions/subscription"
)

const subscriptionPrefix = "subscription:"

var (
	_ subscription.Store  = new(SubscriptionStore)
	_ subscription.Locker = new(SubscriptionStore)
)

// SubscriptionStore implements subscription.Store using BadgerDB,
// storing each Subscription Snapshot as JSON.
//
// BadgerDB is embedded in a single process, hence the lock provided
// by the subscription.Locker implementation is a process-local one.
type SubscriptionStore struct {
	db     *badger.DB
	locker subscription.Locker
}

// NewSubscriptionStore creates a new BadgerDB Subscription Store.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	return &SubscriptionStore{
		db:     db,
		locker: subscription.NewProcessLocker(),
	}
}

func key(id string) []byte {
	return []byte(subscriptionPrefix + id)
}

// Find implements subscription.Finder.
//
// Keys are iterated in lexicographical order, hence sorted by id.
func (st *SubscriptionStore) Find(ctx context.Context, criteria subscription.Criteria) ([]*subscription.Subscription, error) {
	var subscriptions []*subscription.Subscription

	err := st.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(subscriptionPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var snapshot subscription.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snapshot)
			}); err != nil {
				return fmt.Errorf("failed to decode '%s', %w", it.Item().Key(), err)
			}

			if s := subscription.FromSnapshot(snapshot); criteria.Matches(s) {
				subscriptions = append(subscriptions, s)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger.SubscriptionStore: failed to find subscriptions, %w", err)
	}

	return subscriptions, nil
}

// Add implements subscription.Store.
func (st *SubscriptionStore) Add(_ context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.db.Update(func(txn *badger.Txn) error {
		for _, s := range subscriptions {
			_, err := txn.Get(key(s.ID()))
			if err == nil {
				return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrAlreadyExists)
			}

			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if err := set(txn, s); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("badger.SubscriptionStore: failed to add subscriptions, %w", err)
	}

	return nil
}

// Update implements subscription.Store.
func (st *SubscriptionStore) Update(_ context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.db.Update(func(txn *badger.Txn) error {
		for _, s := range subscriptions {
			if err := exists(txn, s.ID()); err != nil {
				return err
			}

			if err := set(txn, s); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("badger.SubscriptionStore: failed to update subscriptions, %w", err)
	}

	return nil
}

// Remove implements subscription.Store.
func (st *SubscriptionStore) Remove(_ context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.db.Update(func(txn *badger.Txn) error {
		for _, s := range subscriptions {
			if err := exists(txn, s.ID()); err != nil {
				return err
			}

			if err := txn.Delete(key(s.ID())); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("badger.SubscriptionStore: failed to remove subscriptions, %w", err)
	}

	return nil
}

// Acquire implements subscription.Locker.
func (st *SubscriptionStore) Acquire(ctx context.Context) (subscription.Unlock, error) {
	return st.locker.Acquire(ctx)
}

func exists(txn *badger.Txn, id string) error {
	_, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("'%s', %w", id, subscription.ErrNotFound)
	}

	return err
}

func set(txn *badger.Txn, s *subscription.Subscription) error {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode '%s', %w", s.ID(), err)
	}

	return txn.Set(key(s.ID()), data)
}
