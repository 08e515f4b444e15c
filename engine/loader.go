package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// MessageLoader loads the messages to dispatch to a set of Subscriptions.
type MessageLoader interface {
	// Load streams the messages from the specified Index onwards,
	// in ascending order, and closes the stream when returning.
	Load(
		ctx context.Context,
		stream event.StreamWrite,
		from event.Index,
		subscriptions []*subscription.Subscription,
	) error

	// LatestIndex returns the Index of the last message available.
	LatestIndex(ctx context.Context) (event.Index, error)
}

// EventStore is the subset of the event.Store used by the engine.
type EventStore interface {
	event.Loader
	event.LatestIndexGetter
}

var _ MessageLoader = StoreMessageLoader{}

// StoreMessageLoader is a MessageLoader reading from an Event Store.
//
// Only the Events handled by at least one of the Subscriptions are loaded,
// unless one of their Subscribers handles all Events.
type StoreMessageLoader struct {
	Store       EventStore
	Subscribers subscriber.Repository
}

// Load implements MessageLoader.
func (l StoreMessageLoader) Load(
	ctx context.Context,
	stream event.StreamWrite,
	from event.Index,
	subscriptions []*subscription.Subscription,
) error {
	criteria := event.Criteria{
		FromIndex: from,
		Names:     l.eventNames(subscriptions),
	}

	if err := l.Store.Load(ctx, stream, criteria); err != nil {
		return fmt.Errorf("engine.StoreMessageLoader: failed to load events, %w", err)
	}

	return nil
}

// LatestIndex implements MessageLoader.
func (l StoreMessageLoader) LatestIndex(ctx context.Context) (event.Index, error) {
	index, err := l.Store.LatestIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine.StoreMessageLoader: failed to get latest index, %w", err)
	}

	return index, nil
}

// eventNames returns nil, meaning no filter, if any of the Subscribers
// handles all Events or cannot be found.
func (l StoreMessageLoader) eventNames(subscriptions []*subscription.Subscription) []string {
	set := make(map[string]struct{})

	for _, s := range subscriptions {
		accessor, ok := l.Subscribers.Get(s.ID())
		if !ok || accessor.HandlesAll() {
			return nil
		}

		for _, name := range accessor.EventNames() {
			set[name] = struct{}{}
		}
	}

	if len(set) == 0 {
		return nil
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
