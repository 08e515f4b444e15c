package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-subscriptions/postgres/internal"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// DefaultLockKey is the advisory lock key used by a SubscriptionStore
// when none is specified.
const DefaultLockKey = "eventually.subscriptions"

const uniqueViolation = "23505"

var errLockBusy = errors.New("advisory lock held by another session")

var (
	_ subscription.Store  = SubscriptionStore{}
	_ subscription.Locker = SubscriptionStore{}
)

// SubscriptionStore is a subscription.Store implementation targeted
// to PostgreSQL databases, using the "subscriptions" table.
//
// SubscriptionStore also implements subscription.Locker through a
// session-level advisory lock, so that multiple processes can share
// the same Subscriptions safely.
type SubscriptionStore struct {
	Conn *pgxpool.Pool

	// LockKey is the advisory lock key. Defaults to DefaultLockKey.
	LockKey string
}

const selectSubscriptions = `SELECT id, "group", run_mode, status, position, retry_attempt, error, last_saved_at
	FROM subscriptions`

// Find implements subscription.Finder.
func (st SubscriptionStore) Find(ctx context.Context, criteria subscription.Criteria) ([]*subscription.Subscription, error) {
	statuses := make([]string, 0, len(criteria.Statuses))
	for _, status := range criteria.Statuses {
		statuses = append(statuses, string(status))
	}

	rows, err := st.Conn.Query(
		ctx,
		selectSubscriptions+`
		WHERE ($1::TEXT[] IS NULL OR id = ANY($1))
		AND ($2::TEXT[] IS NULL OR "group" = ANY($2))
		AND ($3::TEXT[] IS NULL OR status = ANY($3))
		ORDER BY id`,
		nilIfEmpty(criteria.IDs), nilIfEmpty(criteria.Groups), nilIfEmpty(statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.SubscriptionStore: failed to query subscriptions, %w", err)
	}

	subscriptions, err := pgx.CollectRows(rows, scanSubscription)
	if err != nil {
		return nil, fmt.Errorf("postgres.SubscriptionStore: failed to scan subscriptions, %w", err)
	}

	return subscriptions, nil
}

func nilIfEmpty(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	return values
}

func scanSubscription(row pgx.CollectableRow) (*subscription.Subscription, error) {
	var (
		snapshot          subscription.Snapshot
		runMode, status   string
		position          int64
		lastSavedAt       time.Time
		subscriptionError *subscription.Error
	)

	if err := row.Scan(
		&snapshot.ID,
		&snapshot.Group,
		&runMode,
		&status,
		&position,
		&snapshot.RetryAttempt,
		&subscriptionError,
		&lastSavedAt,
	); err != nil {
		return nil, err
	}

	snapshot.RunMode = subscription.RunMode(runMode)
	snapshot.Status = subscription.Status(status)
	snapshot.Position = uint64(position)
	snapshot.LastSavedAt = lastSavedAt.UTC()

	if subscriptionError != nil {
		subscriptionError.OccurredAt = subscriptionError.OccurredAt.UTC()
		snapshot.Error = subscriptionError
	}

	return subscription.FromSnapshot(snapshot), nil
}

// Add implements subscription.Store.
func (st SubscriptionStore) Add(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := internal.RunTransaction(ctx, st.Conn, internal.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		for _, s := range subscriptions {
			snapshot := s.Snapshot()

			_, err := tx.Exec(
				ctx,
				`INSERT INTO subscriptions (id, "group", run_mode, status, position, retry_attempt, error, last_saved_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				snapshot.ID, snapshot.Group, string(snapshot.RunMode), string(snapshot.Status),
				int64(snapshot.Position), snapshot.RetryAttempt, snapshot.Error, snapshot.LastSavedAt,
			)

			if pgErr := new(pgconn.PgError); errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("'%s', %w", snapshot.ID, subscription.ErrAlreadyExists)
			}

			if err != nil {
				return fmt.Errorf("failed to insert '%s', %w", snapshot.ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres.SubscriptionStore: failed to add subscriptions, %w", err)
	}

	return nil
}

// Update implements subscription.Store.
func (st SubscriptionStore) Update(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := internal.RunTransaction(ctx, st.Conn, internal.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		for _, s := range subscriptions {
			snapshot := s.Snapshot()

			tag, err := tx.Exec(
				ctx,
				`UPDATE subscriptions
				SET "group" = $2, run_mode = $3, status = $4, position = $5,
					retry_attempt = $6, error = $7, last_saved_at = $8
				WHERE id = $1`,
				snapshot.ID, snapshot.Group, string(snapshot.RunMode), string(snapshot.Status),
				int64(snapshot.Position), snapshot.RetryAttempt, snapshot.Error, snapshot.LastSavedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to update '%s', %w", snapshot.ID, err)
			}

			if tag.RowsAffected() == 0 {
				return fmt.Errorf("'%s', %w", snapshot.ID, subscription.ErrNotFound)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres.SubscriptionStore: failed to update subscriptions, %w", err)
	}

	return nil
}

// Remove implements subscription.Store.
func (st SubscriptionStore) Remove(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := internal.RunTransaction(ctx, st.Conn, internal.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		for _, s := range subscriptions {
			tag, err := tx.Exec(ctx, "DELETE FROM subscriptions WHERE id = $1", s.ID())
			if err != nil {
				return fmt.Errorf("failed to delete '%s', %w", s.ID(), err)
			}

			if tag.RowsAffected() == 0 {
				return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrNotFound)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres.SubscriptionStore: failed to remove subscriptions, %w", err)
	}

	return nil
}

// Acquire implements subscription.Locker.
//
// The advisory lock is bound to a connection taken from the pool,
// held until the returned Unlock is called.
func (st SubscriptionStore) Acquire(ctx context.Context) (subscription.Unlock, error) {
	key := st.LockKey
	if key == "" {
		key = DefaultLockKey
	}

	conn, err := st.Conn.Acquire(ctx)
	if err != nil {
		return nil, st.lockErr(ctx, fmt.Errorf("failed to acquire connection, %w", err))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0 // Bound by the context only.

	err = backoff.Retry(func() error {
		var acquired bool

		if err := conn.
			QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).
			Scan(&acquired); err != nil {
			return backoff.Permanent(err)
		}

		if !acquired {
			return errLockBusy
		}

		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		conn.Release()
		return nil, st.lockErr(ctx, err)
	}

	var once sync.Once

	return func(ctx context.Context) error {
		var unlockErr error

		once.Do(func() {
			if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key); err != nil {
				unlockErr = fmt.Errorf("postgres.SubscriptionStore: failed to release lock, %w", err)

				// The session may still hold the lock: closing it is the only
				// way to release it, the pool must not hand it out again.
				_ = conn.Hijack().Close(context.WithoutCancel(ctx))

				return
			}

			conn.Release()
		})

		return unlockErr
	}, nil
}

func (st SubscriptionStore) lockErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("postgres.SubscriptionStore: %w, %w", subscription.ErrLockNotAcquired, err)
	}

	return fmt.Errorf("postgres.SubscriptionStore: failed to acquire lock, %w", err)
}
