package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-eventually/go-subscriptions/logger"
)

// Default values used by a Worker.
const (
	DefaultPullInterval    = 100 * time.Millisecond
	DefaultMaxPullInterval = 1 * time.Second
	DefaultMessageLimit    = 1_000
)

// Worker keeps the Subscriptions up to date with the Event Store by
// periodically calling Boot and Run on an Engine, polling the Event Store
// with an exponential backoff while no new messages are found.
type Worker struct {
	Engine   Engine
	Criteria Criteria
	Logger   *slog.Logger

	// MessageLimit is the maximum number of messages processed by each
	// Boot or Run call. Defaults to DefaultMessageLimit.
	MessageLimit int

	// PullEvery is the minimum interval between each Boot and Run.
	// Defaults to DefaultPullInterval.
	PullEvery time.Duration

	// MaxInterval is the maximum interval between each Boot and Run,
	// reached when no messages are being processed.
	// Defaults to DefaultMaxPullInterval.
	MaxInterval time.Duration
}

// Run processes new messages until the context is canceled,
// or the Engine fails with an error.
//
// Subscription errors reported by the Engine are logged, and the failed
// Subscriptions are retried according to the Engine retry strategy.
func (w Worker) Run(ctx context.Context) error {
	log := w.Logger
	if log == nil {
		log = logger.Nop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(w.PullEvery, DefaultPullInterval)
	b.MaxInterval = orDefault(w.MaxInterval, DefaultMaxPullInterval)
	b.MaxElapsedTime = 0 // Don't stop the backoff!

	log.DebugContext(ctx, "subscription worker: starting",
		slog.Duration("initial_pull_interval", b.InitialInterval),
		slog.Duration("max_pull_interval", b.MaxInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(b.NextBackOff()):
			processed, err := w.iterate(ctx, log)
			if err != nil {
				return err
			}

			if processed > 0 {
				b.Reset()
			}
		}
	}
}

func (w Worker) iterate(ctx context.Context, log *slog.Logger) (int, error) {
	limit := w.MessageLimit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	// Subscriptions discovered or retried since the last iteration
	// need their setup before booting.
	setup, err := w.Engine.Setup(ctx, w.Criteria, false)
	if err != nil {
		return 0, w.wrap("setup", err)
	}

	logErrors(ctx, log, "setup", setup.Errors)

	boot, err := w.Engine.Boot(ctx, w.Criteria, limit)
	if err != nil {
		return 0, w.wrap("boot", err)
	}

	logErrors(ctx, log, "boot", boot.Errors)

	run, err := w.Engine.Run(ctx, w.Criteria, limit)
	if err != nil {
		return 0, w.wrap("run", err)
	}

	logErrors(ctx, log, "run", run.Errors)

	return boot.ProcessedMessages + run.ProcessedMessages, nil
}

func (w Worker) wrap(operation string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	return fmt.Errorf("engine.Worker: failed to %s subscriptions, %w", operation, err)
}

func logErrors(ctx context.Context, log *slog.Logger, operation string, errs []Error) {
	for _, err := range errs {
		log.ErrorContext(ctx, "subscription worker: subscription error",
			slog.String("operation", operation),
			slog.String("subscription_id", err.SubscriptionID),
			slog.String("message", err.Message),
			slog.Any("error", err.Cause))
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}
