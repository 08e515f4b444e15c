package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// openBatch is a Subscriber batch begun during a Boot or Run pass.
// lastIndex is the position the Subscription moves to once committed.
type openBatch struct {
	batchable subscriber.Batchable
	lastIndex event.Index
}

// process dispatches, in a single pass over the Event Store log, the messages
// after the lowest position among the Subscriptions to every Subscription
// still in the expected status that has not processed them yet.
//
// All the Subscriptions are buffered for update in the Manager.
func (e *DefaultEngine) process(
	ctx context.Context,
	subscriptions []*subscription.Subscription,
	status subscription.Status,
	limit int,
) (ProcessedResult, error) {
	var result ProcessedResult

	if len(subscriptions) == 0 {
		result.StreamFinished = true
		return result, nil
	}

	defer e.manager.Update(subscriptions...)

	accessors := make(map[string]*subscriber.Accessor, len(subscriptions))
	from := subscriptions[0].Position()

	for _, s := range subscriptions {
		accessor, ok := e.subscribers.Get(s.ID())
		if !ok {
			return result, &SubscriberNotFoundError{SubscriptionID: s.ID()}
		}

		accessors[s.ID()] = accessor
		from = min(from, s.Position())
	}

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := make(event.Stream, 1)
	group, loadCtx := errgroup.WithContext(loadCtx)
	group.Go(func() error {
		return e.loader.Load(loadCtx, stream, from+1, subscriptions)
	})

	limitReached := false

	for evt := range stream {
		for _, s := range subscriptions {
			if !s.Is(status) || s.Position() >= evt.Index {
				continue
			}

			if failure := e.handleMessage(ctx, s, accessors[s.ID()], evt); failure != nil {
				result.Errors = append(result.Errors, *failure)
			}
		}

		result.ProcessedMessages++

		if limit > 0 && result.ProcessedMessages >= limit {
			limitReached = true
			cancel()

			break
		}
	}

	// Drain the stream, so that the loader can observe the cancellation and return.
	for range stream {
	}

	loadErr := group.Wait()
	if limitReached && errors.Is(loadErr, context.Canceled) {
		loadErr = nil
	}

	for _, s := range subscriptions {
		if failure := e.commitBatch(ctx, s); failure != nil {
			result.Errors = append(result.Errors, *failure)
		}
	}

	if loadErr != nil {
		return result, fmt.Errorf("engine.DefaultEngine: failed to load messages, %w", loadErr)
	}

	result.StreamFinished = !limitReached

	if result.StreamFinished {
		e.finalize(ctx, subscriptions, status)
	}

	e.logger.DebugContext(ctx, "subscription engine: messages processed",
		slog.String("status", string(status)),
		slog.Int("processed_messages", result.ProcessedMessages),
		slog.Bool("stream_finished", result.StreamFinished),
		slog.Int("errors", len(result.Errors)))

	return result, nil
}

// finalize moves the Subscriptions that caught up with the Event Store
// to their steady status: Once Subscriptions finish, the others stay active.
func (e *DefaultEngine) finalize(ctx context.Context, subscriptions []*subscription.Subscription, status subscription.Status) {
	for _, s := range subscriptions {
		if !s.Is(status) {
			continue
		}

		s.ResetRetry()

		switch {
		case s.RunMode() == subscription.RunModeOnce:
			s.Finish()
		case s.Is(subscription.StatusActive):
			continue
		default:
			s.Activate()
		}

		e.logger.InfoContext(ctx, "subscription engine: subscription caught up",
			slog.String("subscription_id", s.ID()),
			slog.String("status", string(s.Status())),
			slog.Uint64("position", uint64(s.Position())))
	}
}

func (e *DefaultEngine) handleMessage(
	ctx context.Context,
	s *subscription.Subscription,
	accessor *subscriber.Accessor,
	evt event.Persisted,
) *Error {
	handlers := accessor.SubscribeMethods(evt.Name())

	if len(handlers) == 0 {
		if batch, ok := e.batching[s.ID()]; ok {
			batch.lastIndex = evt.Index
			return nil
		}

		s.ChangePosition(evt.Index)
		s.ResetRetry()

		return nil
	}

	if failure := e.beginBatch(ctx, s, accessor); failure != nil {
		return failure
	}

	for _, handle := range handlers {
		if err := handle(ctx, evt); err != nil {
			err = errors.Join(err, e.rollbackBatch(ctx, s))
			failure := e.fail(ctx, s, fmt.Sprintf("failed to handle '%s' at index %d", evt.Name(), evt.Index), err)

			return &failure
		}
	}

	batch, ok := e.batching[s.ID()]
	if !ok {
		s.ChangePosition(evt.Index)
		s.ResetRetry()

		return nil
	}

	batch.lastIndex = evt.Index

	if batch.batchable.ForceCommit() {
		return e.commitBatch(ctx, s)
	}

	return nil
}

func (e *DefaultEngine) beginBatch(ctx context.Context, s *subscription.Subscription, accessor *subscriber.Accessor) *Error {
	if _, ok := e.batching[s.ID()]; ok {
		return nil
	}

	batchable, ok := accessor.Batch()
	if !ok {
		return nil
	}

	if err := batchable.BeginBatch(ctx); err != nil {
		failure := e.fail(ctx, s, "failed to begin batch", err)
		return &failure
	}

	e.batching[s.ID()] = &openBatch{batchable: batchable, lastIndex: s.Position()}

	return nil
}

// commitBatch commits the open batch of the Subscription, if any,
// and moves the Subscription position to the last Event in the batch.
func (e *DefaultEngine) commitBatch(ctx context.Context, s *subscription.Subscription) *Error {
	batch, ok := e.batching[s.ID()]
	if !ok {
		return nil
	}

	delete(e.batching, s.ID())

	if err := batch.batchable.CommitBatch(ctx); err != nil {
		failure := e.fail(ctx, s, "failed to commit batch", err)
		return &failure
	}

	s.ChangePosition(batch.lastIndex)
	s.ResetRetry()

	return nil
}

func (e *DefaultEngine) rollbackBatch(ctx context.Context, s *subscription.Subscription) error {
	batch, ok := e.batching[s.ID()]
	if !ok {
		return nil
	}

	delete(e.batching, s.ID())

	if err := batch.batchable.RollbackBatch(ctx); err != nil {
		return fmt.Errorf("failed to rollback batch, %w", err)
	}

	return nil
}
