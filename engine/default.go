package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/subscription/retry"
)

var _ Engine = new(DefaultEngine)

// Option configures a DefaultEngine.
type Option func(*DefaultEngine)

// WithRetryStrategy sets the retry.Strategy used for failed Subscriptions.
// Defaults to retry.NewClockBased using the engine clock.
func WithRetryStrategy(strategy retry.Strategy) Option {
	return func(e *DefaultEngine) { e.retryStrategy = strategy }
}

// WithLogger sets the logger used by the engine. Defaults to no logging.
func WithLogger(l *slog.Logger) Option {
	return func(e *DefaultEngine) { e.logger = l }
}

// WithClock sets the clock used to timestamp errors and saves.
func WithClock(clock clockwork.Clock) Option {
	return func(e *DefaultEngine) { e.clock = clock }
}

// WithLockTimeout sets how long to wait for the subscription.Store lock.
func WithLockTimeout(timeout time.Duration) Option {
	return func(e *DefaultEngine) { e.lockTimeout = timeout }
}

// WithMessageLoader replaces the StoreMessageLoader built from the Event Store.
func WithMessageLoader(loader MessageLoader) Option {
	return func(e *DefaultEngine) { e.loader = loader }
}

// DefaultEngine is the Engine implementation.
//
// Operations on the same DefaultEngine cannot overlap: calling an operation
// while another is running returns ErrAlreadyProcessing.
type DefaultEngine struct {
	subscribers   subscriber.Repository
	loader        MessageLoader
	manager       *Manager
	retryStrategy retry.Strategy
	clock         clockwork.Clock
	logger        *slog.Logger
	lockTimeout   time.Duration

	processing atomic.Bool
	batching   map[string]*openBatch
}

// NewDefaultEngine returns a new DefaultEngine dispatching the Events
// from eventStore to the registered subscribers, and tracking their
// Subscriptions in store.
func NewDefaultEngine(
	eventStore EventStore,
	store subscription.Store,
	subscribers subscriber.Repository,
	options ...Option,
) *DefaultEngine {
	e := &DefaultEngine{
		subscribers: subscribers,
		loader:      StoreMessageLoader{Store: eventStore, Subscribers: subscribers},
		clock:       clockwork.NewRealClock(),
		logger:      logger.Nop(),
		lockTimeout: DefaultLockTimeout,
		batching:    make(map[string]*openBatch),
	}

	for _, option := range options {
		option(e)
	}

	if e.retryStrategy == nil {
		e.retryStrategy = retry.NewClockBased(e.clock)
	}

	e.manager = NewManager(store, e.clock, e.lockTimeout)

	return e
}

func (e *DefaultEngine) begin() (func(), error) {
	if !e.processing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyProcessing
	}

	return func() { e.processing.Store(false) }, nil
}

// Subscriptions implements Engine.
func (e *DefaultEngine) Subscriptions(ctx context.Context, criteria Criteria) ([]*subscription.Subscription, error) {
	return e.manager.Find(ctx, criteria.withStatuses())
}

// Setup implements Engine.
func (e *DefaultEngine) Setup(ctx context.Context, criteria Criteria, skipBooting bool) (Result, error) {
	done, err := e.begin()
	if err != nil {
		return Result{}, err
	}
	defer done()

	if err := e.discoverNewSubscriptions(ctx); err != nil {
		return Result{}, err
	}

	if err := e.retrySubscriptions(ctx, criteria); err != nil {
		return Result{}, err
	}

	var result Result

	err = e.manager.Atomic(ctx, func(ctx context.Context) error {
		subscriptions, err := e.manager.Find(ctx, criteria.withStatuses(subscription.StatusNew))
		if err != nil {
			return err
		}

		for _, s := range subscriptions {
			accessor, ok := e.subscribers.Get(s.ID())
			if !ok {
				e.logger.WarnContext(ctx, "subscription engine: subscriber not found, skipping setup",
					slog.String("subscription_id", s.ID()))

				continue
			}

			failure, err := e.setup(ctx, s, accessor, skipBooting)
			if err != nil {
				return err
			}

			if failure != nil {
				result.Errors = append(result.Errors, *failure)
			}
		}

		return nil
	})
	if err != nil {
		return result, fmt.Errorf("engine.DefaultEngine: setup failed, %w", err)
	}

	return result, nil
}

// setup returns a non-nil *Error if the Subscriber callback failed,
// and an error if one of the engine collaborators failed.
func (e *DefaultEngine) setup(
	ctx context.Context,
	s *subscription.Subscription,
	accessor *subscriber.Accessor,
	skipBooting bool,
) (*Error, error) {
	defer e.manager.Update(s)

	if setup, ok := accessor.SetupMethod(); ok {
		if err := setup(ctx); err != nil {
			failure := e.fail(ctx, s, "failed to setup", err)
			return &failure, nil
		}
	}

	s.ResetRetry()

	switch {
	case s.RunMode() == subscription.RunModeFromNow:
		latest, err := e.loader.LatestIndex(ctx)
		if err != nil {
			return nil, err
		}

		s.ChangePosition(latest)
		s.Activate()
	case skipBooting:
		s.Activate()
	default:
		s.Boot()
	}

	e.logger.InfoContext(ctx, "subscription engine: subscription set up",
		slog.String("subscription_id", s.ID()),
		slog.String("status", string(s.Status())),
		slog.Uint64("position", uint64(s.Position())))

	return nil, nil
}

// Boot implements Engine.
func (e *DefaultEngine) Boot(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error) {
	done, err := e.begin()
	if err != nil {
		return ProcessedResult{}, err
	}
	defer done()

	if err := e.discoverNewSubscriptions(ctx); err != nil {
		return ProcessedResult{}, err
	}

	if err := e.retrySubscriptions(ctx, criteria); err != nil {
		return ProcessedResult{}, err
	}

	var result ProcessedResult

	err = e.manager.Atomic(ctx, func(ctx context.Context) error {
		subscriptions, err := e.manager.Find(ctx, criteria.withStatuses(subscription.StatusBooting))
		if err != nil {
			return err
		}

		result, err = e.process(ctx, subscriptions, subscription.StatusBooting, limit)

		return err
	})
	if err != nil {
		return result, fmt.Errorf("engine.DefaultEngine: boot failed, %w", err)
	}

	return result, nil
}

// Run implements Engine.
func (e *DefaultEngine) Run(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error) {
	done, err := e.begin()
	if err != nil {
		return ProcessedResult{}, err
	}
	defer done()

	if err := e.discoverNewSubscriptions(ctx); err != nil {
		return ProcessedResult{}, err
	}

	if err := e.retrySubscriptions(ctx, criteria); err != nil {
		return ProcessedResult{}, err
	}

	var result ProcessedResult

	err = e.manager.Atomic(ctx, func(ctx context.Context) error {
		subscriptions, err := e.manager.Find(ctx, criteria.withStatuses(
			subscription.StatusActive,
			subscription.StatusPaused,
			subscription.StatusFinished,
		))
		if err != nil {
			return err
		}

		var active []*subscription.Subscription

		for _, s := range subscriptions {
			if _, ok := e.subscribers.Get(s.ID()); !ok {
				s.Detach()
				e.manager.Update(s)

				e.logger.InfoContext(ctx, "subscription engine: subscriber not found, subscription detached",
					slog.String("subscription_id", s.ID()))

				continue
			}

			if s.Is(subscription.StatusActive) {
				active = append(active, s)
			}
		}

		result, err = e.process(ctx, active, subscription.StatusActive, limit)

		return err
	})
	if err != nil {
		return result, fmt.Errorf("engine.DefaultEngine: run failed, %w", err)
	}

	return result, nil
}

// Teardown implements Engine.
func (e *DefaultEngine) Teardown(ctx context.Context, criteria Criteria) (Result, error) {
	done, err := e.begin()
	if err != nil {
		return Result{}, err
	}
	defer done()

	if err := e.discoverNewSubscriptions(ctx); err != nil {
		return Result{}, err
	}

	var result Result

	err = e.manager.Atomic(ctx, func(ctx context.Context) error {
		subscriptions, err := e.manager.Find(ctx, criteria.withStatuses(subscription.StatusDetached))
		if err != nil {
			return err
		}

		for _, s := range subscriptions {
			if err := e.teardown(ctx, s); err != nil {
				result.Errors = append(result.Errors, *err)
				continue
			}

			e.manager.Remove(s)

			e.logger.InfoContext(ctx, "subscription engine: subscription removed",
				slog.String("subscription_id", s.ID()))
		}

		return nil
	})
	if err != nil {
		return result, fmt.Errorf("engine.DefaultEngine: teardown failed, %w", err)
	}

	return result, nil
}

// Remove implements Engine.
//
// Subscriptions are removed even if their teardown callback fails.
func (e *DefaultEngine) Remove(ctx context.Context, criteria Criteria) (Result, error) {
	done, err := e.begin()
	if err != nil {
		return Result{}, err
	}
	defer done()

	if err := e.discoverNewSubscriptions(ctx); err != nil {
		return Result{}, err
	}

	var result Result

	err = e.manager.Atomic(ctx, func(ctx context.Context) error {
		subscriptions, err := e.manager.Find(ctx, criteria.withStatuses())
		if err != nil {
			return err
		}

		for _, s := range subscriptions {
			// Setup never ran, so there is nothing to tear down.
			if !s.Is(subscription.StatusNew) {
				if err := e.teardown(ctx, s); err != nil {
					result.Errors = append(result.Errors, *err)
				}
			}

			e.manager.Remove(s)

			e.logger.InfoContext(ctx, "subscription engine: subscription removed",
				slog.String("subscription_id", s.ID()))
		}

		return nil
	})
	if err != nil {
		return result, fmt.Errorf("engine.DefaultEngine: remove failed, %w", err)
	}

	return result, nil
}

func (e *DefaultEngine) teardown(ctx context.Context, s *subscription.Subscription) *Error {
	accessor, ok := e.subscribers.Get(s.ID())
	if !ok {
		return nil
	}

	teardown, ok := accessor.TeardownMethod()
	if !ok {
		return nil
	}

	if err := teardown(ctx); err != nil {
		e.logger.ErrorContext(ctx, "subscription engine: teardown failed",
			slog.String("subscription_id", s.ID()),
			slog.Any("error", err))

		return &Error{SubscriptionID: s.ID(), Message: "failed to teardown", Cause: err}
	}

	return nil
}

// Reactivate implements Engine.
func (e *DefaultEngine) Reactivate(ctx context.Context, criteria Criteria) (Result, error) {
	return e.transition(ctx, criteria, "reactivate", (*subscription.Subscription).Reactivate,
		subscription.StatusError,
		subscription.StatusDetached,
		subscription.StatusPaused,
		subscription.StatusFinished,
	)
}

// Pause implements Engine.
func (e *DefaultEngine) Pause(ctx context.Context, criteria Criteria) (Result, error) {
	return e.transition(ctx, criteria, "pause", (*subscription.Subscription).Pause,
		subscription.StatusActive,
		subscription.StatusBooting,
		subscription.StatusError,
	)
}

// transition applies fn to the Subscriptions in the specified statuses
// whose Subscriber is registered.
func (e *DefaultEngine) transition(
	ctx context.Context,
	criteria Criteria,
	operation string,
	fn func(*subscription.Subscription),
	statuses ...subscription.Status,
) (Result, error) {
	done, err := e.begin()
	if err != nil {
		return Result{}, err
	}
	defer done()

	err = e.manager.Atomic(ctx, func(ctx context.Context) error {
		subscriptions, err := e.manager.Find(ctx, criteria.withStatuses(statuses...))
		if err != nil {
			return err
		}

		for _, s := range subscriptions {
			if _, ok := e.subscribers.Get(s.ID()); !ok {
				continue
			}

			previous := s.Status()
			fn(s)
			e.manager.Update(s)

			e.logger.InfoContext(ctx, "subscription engine: subscription "+operation+"d",
				slog.String("subscription_id", s.ID()),
				slog.String("previous_status", string(previous)),
				slog.String("status", string(s.Status())))
		}

		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("engine.DefaultEngine: %s failed, %w", operation, err)
	}

	return Result{}, nil
}

func (e *DefaultEngine) discoverNewSubscriptions(ctx context.Context) error {
	err := e.manager.Atomic(ctx, func(ctx context.Context) error {
		existing, err := e.manager.Find(ctx, subscription.Criteria{})
		if err != nil {
			return err
		}

		known := make(map[string]struct{}, len(existing))
		for _, s := range existing {
			known[s.ID()] = struct{}{}
		}

		for _, accessor := range e.subscribers.All() {
			if _, ok := known[accessor.ID()]; ok {
				continue
			}

			e.manager.Add(subscription.New(accessor.ID(), accessor.Group(), accessor.RunMode()))

			e.logger.InfoContext(ctx, "subscription engine: new subscriber discovered",
				slog.String("subscription_id", accessor.ID()),
				slog.String("subscription_group", accessor.Group()))
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("engine.DefaultEngine: failed to discover new subscriptions, %w", err)
	}

	return nil
}

func (e *DefaultEngine) retrySubscriptions(ctx context.Context, criteria Criteria) error {
	err := e.manager.Atomic(ctx, func(ctx context.Context) error {
		subscriptions, err := e.manager.Find(ctx, criteria.withStatuses(subscription.StatusError))
		if err != nil {
			return err
		}

		for _, s := range subscriptions {
			lastError, _ := s.LastError()

			switch lastError.PreviousStatus {
			case subscription.StatusNew, subscription.StatusBooting, subscription.StatusActive:
			default:
				continue
			}

			if !e.retryStrategy.ShouldRetry(s) {
				continue
			}

			if err := s.DoRetry(); err != nil {
				return err
			}

			e.manager.Update(s)

			e.logger.InfoContext(ctx, "subscription engine: retrying subscription",
				slog.String("subscription_id", s.ID()),
				slog.Int("retry_attempt", s.RetryAttempt()),
				slog.String("status", string(s.Status())))
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("engine.DefaultEngine: failed to retry subscriptions, %w", err)
	}

	return nil
}

func (e *DefaultEngine) fail(ctx context.Context, s *subscription.Subscription, message string, cause error) Error {
	e.logger.ErrorContext(ctx, "subscription engine: subscription failed",
		slog.String("subscription_id", s.ID()),
		slog.String("status", string(s.Status())),
		slog.String("message", message),
		slog.Any("error", cause))

	s.Fail(fmt.Sprintf("%s, %v", message, cause), e.clock.Now())

	return Error{SubscriptionID: s.ID(), Message: message, Cause: cause}
}
