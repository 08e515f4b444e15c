package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var (
	_ Store  = new(InMemoryStore)
	_ Locker = new(InMemoryStore)
)

// InMemoryStore is a thread-safe, in-memory Store implementation,
// also implementing Locker within the same process.
type InMemoryStore struct {
	mx            sync.RWMutex
	subscriptions map[string]*Subscription
	lock          chan struct{}
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subscriptions: make(map[string]*Subscription),
		lock:          make(chan struct{}, 1),
	}
}

// Find returns copies of the Subscriptions matching the criteria.
func (st *InMemoryStore) Find(ctx context.Context, criteria Criteria) ([]*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscription.InMemoryStore: context error, %w", err)
	}

	st.mx.RLock()
	defer st.mx.RUnlock()

	var found []*Subscription

	for _, s := range st.subscriptions {
		if criteria.Matches(s) {
			found = append(found, s.Clone())
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID() < found[j].ID() })

	return found, nil
}

// Add implements Store.
func (st *InMemoryStore) Add(_ context.Context, subscriptions ...*Subscription) error {
	st.mx.Lock()
	defer st.mx.Unlock()

	for _, s := range subscriptions {
		if _, ok := st.subscriptions[s.ID()]; ok {
			return fmt.Errorf("subscription.InMemoryStore: failed to add '%s', %w", s.ID(), ErrAlreadyExists)
		}
	}

	for _, s := range subscriptions {
		st.subscriptions[s.ID()] = s.Clone()
	}

	return nil
}

// Update implements Store.
func (st *InMemoryStore) Update(_ context.Context, subscriptions ...*Subscription) error {
	st.mx.Lock()
	defer st.mx.Unlock()

	for _, s := range subscriptions {
		if _, ok := st.subscriptions[s.ID()]; !ok {
			return fmt.Errorf("subscription.InMemoryStore: failed to update '%s', %w", s.ID(), ErrNotFound)
		}
	}

	for _, s := range subscriptions {
		st.subscriptions[s.ID()] = s.Clone()
	}

	return nil
}

// Remove implements Store.
func (st *InMemoryStore) Remove(_ context.Context, subscriptions ...*Subscription) error {
	st.mx.Lock()
	defer st.mx.Unlock()

	for _, s := range subscriptions {
		if _, ok := st.subscriptions[s.ID()]; !ok {
			return fmt.Errorf("subscription.InMemoryStore: failed to remove '%s', %w", s.ID(), ErrNotFound)
		}
	}

	for _, s := range subscriptions {
		delete(st.subscriptions, s.ID())
	}

	return nil
}

// Acquire implements Locker.
func (st *InMemoryStore) Acquire(ctx context.Context) (Unlock, error) {
	return acquireChannel(ctx, st.lock)
}

// NewProcessLocker returns a Locker exclusive within the current process,
// useful for Store implementations that are not shared between processes.
func NewProcessLocker() Locker {
	return processLocker(make(chan struct{}, 1))
}

type processLocker chan struct{}

func (l processLocker) Acquire(ctx context.Context) (Unlock, error) {
	return acquireChannel(ctx, l)
}

func acquireChannel(ctx context.Context, lock chan struct{}) (Unlock, error) {
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("subscription.Locker: %w, %w", ErrLockNotAcquired, ctx.Err())
	}

	var once sync.Once

	return func(context.Context) error {
		once.Do(func() { <-lock })
		return nil
	}, nil
}
