package subscription

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrNotFound is returned by a Store when updating or removing
	// a Subscription that does not exist.
	ErrNotFound = errors.New("subscription: not found")

	// ErrAlreadyExists is returned by a Store when adding
	// a Subscription with an id already in use.
	ErrAlreadyExists = errors.New("subscription: already exists")

	// ErrLockNotAcquired is returned by a Locker when the lock could not
	// be acquired before the context expired.
	ErrLockNotAcquired = errors.New("subscription: lock not acquired")

	// ErrLockLost is returned by an Unlock when the lock was taken over
	// by another owner while it was held.
	ErrLockLost = errors.New("subscription: lock lost")
)

// Criteria selects Subscriptions from a Store.
// Empty fields do not restrict the selection.
type Criteria struct {
	IDs      []string
	Groups   []string
	Statuses []Status
}

// Matches returns true if the Subscription is selected by the Criteria.
func (c Criteria) Matches(s *Subscription) bool {
	if len(c.IDs) > 0 && !slices.Contains(c.IDs, s.ID()) {
		return false
	}

	if len(c.Groups) > 0 && !slices.Contains(c.Groups, s.Group()) {
		return false
	}

	return len(c.Statuses) == 0 || s.Is(c.Statuses...)
}

// Finder is a Store trait used to query Subscriptions.
//
// Implementations must return the matching Subscriptions sorted by id.
type Finder interface {
	Find(ctx context.Context, criteria Criteria) ([]*Subscription, error)
}

// Store is the durable storage of Subscriptions.
type Store interface {
	Finder

	Add(ctx context.Context, subscriptions ...*Subscription) error
	Update(ctx context.Context, subscriptions ...*Subscription) error
	Remove(ctx context.Context, subscriptions ...*Subscription) error
}

// Unlock releases a lock acquired through a Locker.
type Unlock func(ctx context.Context) error

// Locker is an optional Store capability providing a lock exclusive
// across all the processes sharing the Store.
//
// Acquire blocks until the lock is acquired or the context is done,
// in which case ErrLockNotAcquired is returned.
type Locker interface {
	Acquire(ctx context.Context) (Unlock, error)
}
