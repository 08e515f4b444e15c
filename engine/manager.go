package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/get-eventually/go-subscriptions/subscription"
)

// DefaultLockTimeout is the maximum time the Manager waits
// for the subscription.Store lock.
const DefaultLockTimeout = 30 * time.Second

// buffer is an insertion-ordered set of Subscriptions, keyed by id.
type buffer struct {
	order []*subscription.Subscription
	index map[string]int
}

func (b *buffer) put(subscriptions ...*subscription.Subscription) {
	if b.index == nil {
		b.index = make(map[string]int)
	}

	for _, s := range subscriptions {
		if i, ok := b.index[s.ID()]; ok {
			b.order[i] = s
			continue
		}

		b.index[s.ID()] = len(b.order)
		b.order = append(b.order, s)
	}
}

func (b *buffer) has(id string) bool {
	_, ok := b.index[id]
	return ok
}

func (b *buffer) reset() {
	b.order, b.index = nil, nil
}

// Manager is the unit of work over Subscriptions used by the engine:
// additions, updates and removals are buffered while the unit of work
// runs, and flushed to the subscription.Store at its end.
//
// A Manager is not safe for concurrent use.
type Manager struct {
	store       subscription.Store
	clock       clockwork.Clock
	lockTimeout time.Duration

	toAdd, toUpdate, toRemove buffer
}

// NewManager returns a Manager flushing to the specified Store.
func NewManager(store subscription.Store, clock clockwork.Clock, lockTimeout time.Duration) *Manager {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	return &Manager{
		store:       store,
		clock:       clock,
		lockTimeout: lockTimeout,
	}
}

// Find returns the Subscriptions in the Store matching the criteria.
//
// Buffered changes are not visible until flushed.
func (m *Manager) Find(ctx context.Context, criteria subscription.Criteria) ([]*subscription.Subscription, error) {
	subscriptions, err := m.store.Find(ctx, criteria)
	if err != nil {
		return nil, fmt.Errorf("engine.Manager: failed to find subscriptions, %w", err)
	}

	return subscriptions, nil
}

// Add buffers the addition of new Subscriptions.
func (m *Manager) Add(subscriptions ...*subscription.Subscription) { m.toAdd.put(subscriptions...) }

// Update buffers the update of existing Subscriptions.
func (m *Manager) Update(subscriptions ...*subscription.Subscription) { m.toUpdate.put(subscriptions...) }

// Remove buffers the removal of existing Subscriptions.
func (m *Manager) Remove(subscriptions ...*subscription.Subscription) { m.toRemove.put(subscriptions...) }

// Atomic runs fn as a single unit of work, holding the Store lock if the Store
// implements subscription.Locker.
//
// Buffered changes are flushed when fn returns, even if it fails,
// so that progress made before the failure is not lost.
func (m *Manager) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if locker, ok := m.store.(subscription.Locker); ok {
		unlock, lockErr := m.acquire(ctx, locker)
		if lockErr != nil {
			return lockErr
		}

		defer func() {
			if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				err = errors.Join(err, fmt.Errorf("engine.Manager: failed to release lock, %w", unlockErr))
			}
		}()
	}

	defer func() {
		if flushErr := m.flush(context.WithoutCancel(ctx)); flushErr != nil {
			err = errors.Join(err, flushErr)
		}
	}()

	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context, locker subscription.Locker) (subscription.Unlock, error) {
	ctx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	unlock, err := locker.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine.Manager: failed to acquire lock, %w", err)
	}

	return unlock, nil
}

func (m *Manager) flush(ctx context.Context) error {
	defer func() {
		m.toAdd.reset()
		m.toUpdate.reset()
		m.toRemove.reset()
	}()

	now := m.clock.Now()

	var toAdd, toUpdate, toRemove []*subscription.Subscription

	for _, s := range m.toAdd.order {
		if m.toRemove.has(s.ID()) {
			continue
		}

		s.Touch(now)
		toAdd = append(toAdd, s)
	}

	for _, s := range m.toUpdate.order {
		if m.toAdd.has(s.ID()) || m.toRemove.has(s.ID()) {
			continue
		}

		s.Touch(now)
		toUpdate = append(toUpdate, s)
	}

	for _, s := range m.toRemove.order {
		// Never persisted, nothing to remove.
		if m.toAdd.has(s.ID()) {
			continue
		}

		toRemove = append(toRemove, s)
	}

	if len(toAdd) > 0 {
		if err := m.store.Add(ctx, toAdd...); err != nil {
			return fmt.Errorf("engine.Manager: failed to add subscriptions, %w", err)
		}
	}

	if len(toUpdate) > 0 {
		if err := m.store.Update(ctx, toUpdate...); err != nil {
			return fmt.Errorf("engine.Manager: failed to update subscriptions, %w", err)
		}
	}

	if len(toRemove) > 0 {
		if err := m.store.Remove(ctx, toRemove...); err != nil {
			return fmt.Errorf("engine.Manager: failed to remove subscriptions, %w", err)
		}
	}

	return nil
}
