package eventuallyfirestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// DefaultLeaseDuration is the default duration of the lease taken
// by the SubscriptionStore lock, renewed while the lock is held.
const DefaultLeaseDuration = 30 * time.Second

var errLeaseHeld = errors.New("lease held by another owner")

type subscriptionDocument struct {
	ID           string         `firestore:"id"`
	Group        string         `firestore:"group"`
	RunMode      string         `firestore:"run_mode"`
	Status       string         `firestore:"status"`
	Position     int64          `firestore:"position"`
	RetryAttempt int64          `firestore:"retry_attempt"`
	Error        *errorDocument `firestore:"error"`
	LastSavedAt  time.Time      `firestore:"last_saved_at"`
}

type errorDocument struct {
	Message        string    `firestore:"message"`
	PreviousStatus string    `firestore:"previous_status"`
	OccurredAt     time.Time `firestore:"occurred_at"`
}

type leaseDocument struct {
	Owner     string    `firestore:"owner"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func toDocument(s *subscription.Subscription) subscriptionDocument {
	snapshot := s.Snapshot()

	doc := subscriptionDocument{
		ID:           snapshot.ID,
		Group:        snapshot.Group,
		RunMode:      string(snapshot.RunMode),
		Status:       string(snapshot.Status),
		Position:     int64(snapshot.Position),
		RetryAttempt: int64(snapshot.RetryAttempt),
		LastSavedAt:  snapshot.LastSavedAt,
	}

	if snapshot.Error != nil {
		doc.Error = &errorDocument{
			Message:        snapshot.Error.Message,
			PreviousStatus: string(snapshot.Error.PreviousStatus),
			OccurredAt:     snapshot.Error.OccurredAt,
		}
	}

	return doc
}

func (doc subscriptionDocument) toSubscription() *subscription.Subscription {
	snapshot := subscription.Snapshot{
		ID:           doc.ID,
		Group:        doc.Group,
		RunMode:      subscription.RunMode(doc.RunMode),
		Status:       subscription.Status(doc.Status),
		Position:     uint64(doc.Position),
		RetryAttempt: int(doc.RetryAttempt),
		LastSavedAt:  doc.LastSavedAt.UTC(),
	}

	if doc.Error != nil {
		snapshot.Error = &subscription.Error{
			Message:        doc.Error.Message,
			PreviousStatus: subscription.Status(doc.Error.PreviousStatus),
			OccurredAt:     doc.Error.OccurredAt.UTC(),
		}
	}

	return subscription.FromSnapshot(snapshot)
}

var (
	_ subscription.Store  = new(SubscriptionStore)
	_ subscription.Locker = new(SubscriptionStore)
)

// SubscriptionStore is a subscription.Store implementation using Firestore,
// storing each Subscription as a document of the "Subscriptions" collection.
//
// SubscriptionStore implements subscription.Locker through a lease document,
// renewed in background while the lock is held, so that a crashed owner
// cannot keep the lock forever.
type SubscriptionStore struct {
	client        *firestore.Client
	prefix        string
	clock         clockwork.Clock
	logger        *slog.Logger
	leaseDuration time.Duration
}

// SubscriptionStoreOption configures a SubscriptionStore.
type SubscriptionStoreOption func(*SubscriptionStore)

// WithCollectionPrefix prepends the prefix to the name of every collection used.
func WithCollectionPrefix(prefix string) SubscriptionStoreOption {
	return func(st *SubscriptionStore) { st.prefix = prefix }
}

// WithLeaseDuration sets the duration of the lock lease.
func WithLeaseDuration(d time.Duration) SubscriptionStoreOption {
	return func(st *SubscriptionStore) { st.leaseDuration = d }
}

// WithClock sets the clock used for the lock lease.
func WithClock(clock clockwork.Clock) SubscriptionStoreOption {
	return func(st *SubscriptionStore) { st.clock = clock }
}

// WithLogger sets the logger used to report lease renewal failures.
func WithLogger(l *slog.Logger) SubscriptionStoreOption {
	return func(st *SubscriptionStore) { st.logger = l }
}

// NewSubscriptionStore returns a new SubscriptionStore using the specified client.
func NewSubscriptionStore(client *firestore.Client, options ...SubscriptionStoreOption) *SubscriptionStore {
	st := &SubscriptionStore{
		client:        client,
		clock:         clockwork.NewRealClock(),
		logger:        logger.Nop(),
		leaseDuration: DefaultLeaseDuration,
	}

	for _, option := range options {
		option(st)
	}

	return st
}

func (st *SubscriptionStore) collection() *firestore.CollectionRef {
	return st.client.Collection(st.prefix + "Subscriptions")
}

func (st *SubscriptionStore) leaseDoc() *firestore.DocumentRef {
	return st.client.Collection(st.prefix + "Locks").Doc("subscriptions")
}

// Find implements subscription.Finder.
//
// Subscriptions are few: the Criteria is applied on read.
func (st *SubscriptionStore) Find(ctx context.Context, criteria subscription.Criteria) ([]*subscription.Subscription, error) {
	docs, err := st.collection().OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("eventuallyfirestore.SubscriptionStore.Find: failed to get documents, %w", err)
	}

	var subscriptions []*subscription.Subscription

	for _, doc := range docs {
		var data subscriptionDocument
		if err := doc.DataTo(&data); err != nil {
			return nil, fmt.Errorf("eventuallyfirestore.SubscriptionStore.Find: failed to decode '%s', %w", doc.Ref.ID, err)
		}

		if s := data.toSubscription(); criteria.Matches(s) {
			subscriptions = append(subscriptions, s)
		}
	}

	return subscriptions, nil
}

// Add implements subscription.Store.
func (st *SubscriptionStore) Add(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.inTransaction(ctx, subscriptions, func(tx *firestore.Transaction, doc *firestore.DocumentSnapshot, s *subscription.Subscription) error {
		if doc.Exists() {
			return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrAlreadyExists)
		}

		return tx.Create(doc.Ref, toDocument(s))
	})
	if err != nil {
		return fmt.Errorf("eventuallyfirestore.SubscriptionStore.Add: %w", err)
	}

	return nil
}

// Update implements subscription.Store.
func (st *SubscriptionStore) Update(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.inTransaction(ctx, subscriptions, func(tx *firestore.Transaction, doc *firestore.DocumentSnapshot, s *subscription.Subscription) error {
		if !doc.Exists() {
			return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrNotFound)
		}

		return tx.Set(doc.Ref, toDocument(s))
	})
	if err != nil {
		return fmt.Errorf("eventuallyfirestore.SubscriptionStore.Update: %w", err)
	}

	return nil
}

// Remove implements subscription.Store.
func (st *SubscriptionStore) Remove(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.inTransaction(ctx, subscriptions, func(tx *firestore.Transaction, doc *firestore.DocumentSnapshot, s *subscription.Subscription) error {
		if !doc.Exists() {
			return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrNotFound)
		}

		return tx.Delete(doc.Ref)
	})
	if err != nil {
		return fmt.Errorf("eventuallyfirestore.SubscriptionStore.Remove: %w", err)
	}

	return nil
}

// inTransaction reads all the Subscription documents, then applies write
// to each of them in the same transaction, as Firestore requires all reads
// to happen before writes.
func (st *SubscriptionStore) inTransaction(
	ctx context.Context,
	subscriptions []*subscription.Subscription,
	write func(tx *firestore.Transaction, doc *firestore.DocumentSnapshot, s *subscription.Subscription) error,
) error {
	if len(subscriptions) == 0 {
		return nil
	}

	refs := make([]*firestore.DocumentRef, 0, len(subscriptions))
	for _, s := range subscriptions {
		refs = append(refs, st.collection().Doc(s.ID()))
	}

	return st.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		docs, err := tx.GetAll(refs)
		if err != nil {
			return fmt.Errorf("failed to get documents, %w", err)
		}

		for i, doc := range docs {
			if err := write(tx, doc, subscriptions[i]); err != nil {
				return err
			}
		}

		return nil
	})
}

// Acquire implements subscription.Locker.
func (st *SubscriptionStore) Acquire(ctx context.Context) (subscription.Unlock, error) {
	owner := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0 // Bound by the context only.

	err := backoff.Retry(func() error {
		err := st.takeLease(ctx, owner)
		if err != nil && !errors.Is(err, errLeaseHeld) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("eventuallyfirestore.SubscriptionStore: %w, %w", subscription.ErrLockNotAcquired, err)
		}

		return nil, fmt.Errorf("eventuallyfirestore.SubscriptionStore: failed to acquire lock, %w", err)
	}

	renewCtx, stopRenewal := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})

	var lost atomic.Bool

	go func() {
		defer close(renewed)
		st.renewLease(renewCtx, owner, &lost)
	}()

	var once sync.Once

	return func(ctx context.Context) error {
		var unlockErr error

		once.Do(func() {
			stopRenewal()
			<-renewed

			unlockErr = st.releaseLease(ctx, owner)
			if unlockErr == nil && lost.Load() {
				unlockErr = fmt.Errorf("eventuallyfirestore.SubscriptionStore: %w", subscription.ErrLockLost)
			}
		})

		return unlockErr
	}, nil
}

func (st *SubscriptionStore) takeLease(ctx context.Context, owner string) error {
	return st.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(st.leaseDoc())
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get lease, %w", err)
		}

		now := st.clock.Now()

		if err == nil {
			var lease leaseDocument
			if err := doc.DataTo(&lease); err != nil {
				return fmt.Errorf("failed to decode lease, %w", err)
			}

			if lease.Owner != owner && now.Before(lease.ExpiresAt) {
				return errLeaseHeld
			}
		}

		return tx.Set(st.leaseDoc(), leaseDocument{Owner: owner, ExpiresAt: now.Add(st.leaseDuration)})
	})
}

// renewLease extends the lease until ctx is canceled, or until another
// owner takes it over, in which case lost is set.
func (st *SubscriptionStore) renewLease(ctx context.Context, owner string, lost *atomic.Bool) {
	ticker := st.clock.NewTicker(st.leaseDuration / 3) //nolint:mnd // Renew well before expiration.
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			err := st.takeLease(ctx, owner)

			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, errLeaseHeld):
				st.logger.ErrorContext(ctx, "eventuallyfirestore.SubscriptionStore: lease lost to another owner",
					slog.String("owner", owner))
				lost.Store(true)

				return
			default:
				// Retried on the next tick, until the lease expires.
				st.logger.WarnContext(ctx, "eventuallyfirestore.SubscriptionStore: failed to renew lease",
					slog.String("owner", owner),
					slog.Any("error", err))
			}
		}
	}
}

func (st *SubscriptionStore) releaseLease(ctx context.Context, owner string) error {
	err := st.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(st.leaseDoc())
		if status.Code(err) == codes.NotFound {
			return subscription.ErrLockLost
		}

		if err != nil {
			return fmt.Errorf("failed to get lease, %w", err)
		}

		var lease leaseDocument
		if err := doc.DataTo(&lease); err != nil {
			return fmt.Errorf("failed to decode lease, %w", err)
		}

		if lease.Owner != owner {
			return subscription.ErrLockLost
		}

		return tx.Delete(st.leaseDoc())
	})
	if errors.Is(err, subscription.ErrLockLost) {
		return fmt.Errorf("eventuallyfirestore.SubscriptionStore: %w", err)
	}

	if err != nil {
		return fmt.Errorf("eventuallyfirestore.SubscriptionStore: failed to release lock, %w", err)
	}

	return nil
}
