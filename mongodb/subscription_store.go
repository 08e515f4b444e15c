package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// Collections used by the SubscriptionStore.
const (
	SubscriptionsCollection = "subscriptions"
	LocksCollection         = "locks"
)

// DefaultLeaseDuration is the default duration of the lease taken
// by the SubscriptionStore lock, renewed while the lock is held.
const DefaultLeaseDuration = 30 * time.Second

const subscriptionsLockID = "subscriptions"

var errLeaseHeld = errors.New("lease held by another owner")

type subscriptionDocument struct {
	ID           string         `bson:"_id"`
	Group        string         `bson:"group"`
	RunMode      string         `bson:"run_mode"`
	Status       string         `bson:"status"`
	Position     int64          `bson:"position"`
	RetryAttempt int            `bson:"retry_attempt"`
	Error        *errorDocument `bson:"error,omitempty"`
	LastSavedAt  time.Time      `bson:"last_saved_at"`
}

type errorDocument struct {
	Message        string    `bson:"message"`
	PreviousStatus string    `bson:"previous_status"`
	OccurredAt     time.Time `bson:"occurred_at"`
}

func toDocument(s *subscription.Subscription) subscriptionDocument {
	snapshot := s.Snapshot()

	doc := subscriptionDocument{
		ID:           snapshot.ID,
		Group:        snapshot.Group,
		RunMode:      string(snapshot.RunMode),
		Status:       string(snapshot.Status),
		Position:     int64(snapshot.Position),
		RetryAttempt: snapshot.RetryAttempt,
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
		RetryAttempt: doc.RetryAttempt,
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

// SubscriptionStore is a subscription.Store implementation using MongoDB,
// storing each Subscription as a document of the "subscriptions" collection.
//
// Timestamps are stored with millisecond precision.
//
// SubscriptionStore implements subscription.Locker through a lease document,
// renewed in background while the lock is held, so that a crashed owner
// cannot keep the lock forever.
type SubscriptionStore struct {
	client        *mongo.Client
	db            *mongo.Database
	clock         clockwork.Clock
	logger        *slog.Logger
	leaseDuration time.Duration
}

// SubscriptionStoreOption configures a SubscriptionStore.
type SubscriptionStoreOption func(*SubscriptionStore)

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

// NewSubscriptionStore returns a new SubscriptionStore using the specified database.
func NewSubscriptionStore(client *mongo.Client, databaseName string, opts ...SubscriptionStoreOption) *SubscriptionStore {
	st := &SubscriptionStore{
		client:        client,
		db:            client.Database(databaseName),
		clock:         clockwork.NewRealClock(),
		logger:        logger.Nop(),
		leaseDuration: DefaultLeaseDuration,
	}

	for _, opt := range opts {
		opt(st)
	}

	return st
}

func (st *SubscriptionStore) collection() *mongo.Collection {
	return st.db.Collection(SubscriptionsCollection)
}

func (st *SubscriptionStore) locks() *mongo.Collection {
	return st.db.Collection(LocksCollection)
}

func inValues[T ~string](values []T) bson.D {
	in := make(bson.A, 0, len(values))
	for _, v := range values {
		in = append(in, string(v))
	}

	return bson.D{{Key: "$in", Value: in}}
}

// Find implements subscription.Finder.
func (st *SubscriptionStore) Find(ctx context.Context, criteria subscription.Criteria) ([]*subscription.Subscription, error) {
	filter := bson.D{}

	if len(criteria.IDs) > 0 {
		filter = append(filter, bson.E{Key: "_id", Value: inValues(criteria.IDs)})
	}

	if len(criteria.Groups) > 0 {
		filter = append(filter, bson.E{Key: "group", Value: inValues(criteria.Groups)})
	}

	if len(criteria.Statuses) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: inValues(criteria.Statuses)})
	}

	cursor, err := st.collection().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb.SubscriptionStore.Find: failed to query subscriptions, %w", err)
	}

	var docs []subscriptionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb.SubscriptionStore.Find: failed to decode subscriptions, %w", err)
	}

	subscriptions := make([]*subscription.Subscription, 0, len(docs))
	for _, doc := range docs {
		subscriptions = append(subscriptions, doc.toSubscription())
	}

	return subscriptions, nil
}

// Add implements subscription.Store.
func (st *SubscriptionStore) Add(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.inTransaction(ctx, subscriptions, func(ctx mongo.SessionContext, s *subscription.Subscription) error {
		_, err := st.collection().InsertOne(ctx, toDocument(s))
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrAlreadyExists)
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("mongodb.SubscriptionStore.Add: %w", err)
	}

	return nil
}

// Update implements subscription.Store.
func (st *SubscriptionStore) Update(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.inTransaction(ctx, subscriptions, func(ctx mongo.SessionContext, s *subscription.Subscription) error {
		result, err := st.collection().ReplaceOne(ctx, bson.D{{Key: "_id", Value: s.ID()}}, toDocument(s))
		if err != nil {
			return err
		}

		if result.MatchedCount == 0 {
			return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrNotFound)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("mongodb.SubscriptionStore.Update: %w", err)
	}

	return nil
}

// Remove implements subscription.Store.
func (st *SubscriptionStore) Remove(ctx context.Context, subscriptions ...*subscription.Subscription) error {
	err := st.inTransaction(ctx, subscriptions, func(ctx mongo.SessionContext, s *subscription.Subscription) error {
		result, err := st.collection().DeleteOne(ctx, bson.D{{Key: "_id", Value: s.ID()}})
		if err != nil {
			return err
		}

		if result.DeletedCount == 0 {
			return fmt.Errorf("'%s', %w", s.ID(), subscription.ErrNotFound)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("mongodb.SubscriptionStore.Remove: %w", err)
	}

	return nil
}

// inTransaction applies write to each Subscription in a single transaction,
// so that a failure leaves the collection untouched.
func (st *SubscriptionStore) inTransaction(
	ctx context.Context,
	subscriptions []*subscription.Subscription,
	write func(ctx mongo.SessionContext, s *subscription.Subscription) error,
) error {
	if len(subscriptions) == 0 {
		return nil
	}

	sess, err := st.client.StartSession(options.Session().
		SetDefaultReadConcern(readconcern.Majority()).
		SetDefaultWriteConcern(writeconcern.Majority()))
	if err != nil {
		return fmt.Errorf("failed to open a new session, %w", err)
	}

	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		for _, s := range subscriptions {
			if err := write(sessCtx, s); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})

	return err
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
			return nil, fmt.Errorf("mongodb.SubscriptionStore: %w, %w", subscription.ErrLockNotAcquired, err)
		}

		return nil, fmt.Errorf("mongodb.SubscriptionStore: failed to acquire lock, %w", err)
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
				unlockErr = fmt.Errorf("mongodb.SubscriptionStore: %w", subscription.ErrLockLost)
			}
		})

		return unlockErr
	}, nil
}

// takeLease upserts the lease document if it is owned by owner, or expired.
// A lease held by someone else makes the upsert fail with a duplicate key.
func (st *SubscriptionStore) takeLease(ctx context.Context, owner string) error {
	now := st.clock.Now()

	_, err := st.locks().UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: subscriptionsLockID},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "owner", Value: owner}},
				bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}}},
			}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "owner", Value: owner},
			{Key: "expires_at", Value: now.Add(st.leaseDuration)},
		}}},
		options.Update().SetUpsert(true),
	)

	if mongo.IsDuplicateKeyError(err) {
		return errLeaseHeld
	}

	if err != nil {
		return fmt.Errorf("failed to take lease, %w", err)
	}

	return nil
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
				st.logger.ErrorContext(ctx, "mongodb.SubscriptionStore: lease lost to another owner",
					slog.String("owner", owner))
				lost.Store(true)

				return
			default:
				// Retried on the next tick, until the lease expires.
				st.logger.WarnContext(ctx, "mongodb.SubscriptionStore: failed to renew lease",
					slog.String("owner", owner),
					slog.Any("error", err))
			}
		}
	}
}

func (st *SubscriptionStore) releaseLease(ctx context.Context, owner string) error {
	result, err := st.locks().DeleteOne(ctx, bson.D{
		{Key: "_id", Value: subscriptionsLockID},
		{Key: "owner", Value: owner},
	})
	if err != nil {
		return fmt.Errorf("mongodb.SubscriptionStore: failed to release lock, %w", err)
	}

	if result.DeletedCount == 0 {
		return fmt.Errorf("mongodb.SubscriptionStore: %w", subscription.ErrLockLost)
	}

	return nil
}
