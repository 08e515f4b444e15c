package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/get-eventually/go-subscriptions/version"
)

// Interface implementation assertion.
var _ Store = new(InMemoryStore)

// InMemoryStore is a thread-safe, in-memory event.Store implementation.
type InMemoryStore struct {
	mx      sync.RWMutex
	log     []Persisted
	streams map[StreamID][]int
}

// NewInMemoryStore creates a new event.InMemoryStore instance.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mx:      sync.RWMutex{},
		streams: make(map[StreamID][]int),
	}
}

func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("event.InMemoryStore: context error, %w", err)
	}

	return nil
}

// Stream streams committed events in the Event Store onto the provided EventStream,
// from the specified Version in the selector.
//
// Note: this call is synchronous, and will return when all the Events
// have been successfully written to the provided EventStream, or when
// the context has been canceled.
//
// This method fails only when the context is canceled.
func (es *InMemoryStore) Stream(
	ctx context.Context,
	stream StreamWrite,
	id StreamID,
	selector version.Selector,
) error {
	es.mx.RLock()
	defer es.mx.RUnlock()
	defer close(stream)

	for _, position := range es.streams[id] {
		event := es.log[position]

		if event.Version < selector.From {
			continue
		}

		select {
		case stream <- event:
		case <-ctx.Done():
			return contextErr(ctx)
		}
	}

	return nil
}

// Load streams all the committed events matching the criteria, in global order.
//
// The matching events are captured when the call starts: events appended
// while the stream is being consumed are not included.
func (es *InMemoryStore) Load(ctx context.Context, stream StreamWrite, criteria Criteria) error {
	defer close(stream)

	es.mx.RLock()
	var selected []Persisted
	for _, event := range es.log {
		if criteria.Matches(event) {
			selected = append(selected, event)
		}
	}
	es.mx.RUnlock()

	for _, event := range selected {
		select {
		case stream <- event:
		case <-ctx.Done():
			return contextErr(ctx)
		}
	}

	return nil
}

// LatestIndex returns the Index of the last appended Event.
func (es *InMemoryStore) LatestIndex(ctx context.Context) (Index, error) {
	if err := contextErr(ctx); err != nil {
		return 0, err
	}

	es.mx.RLock()
	defer es.mx.RUnlock()

	return Index(len(es.log)), nil
}

// Append inserts the specified Domain Events into the Event Stream specified
// by the current instance, returning the new version of the Event Stream.
//
// `version.CheckExact` can be specified to enable an Optimistic Concurrency check
// on append, by using the expected version of the Event Stream prior
// to appending the new Events.
//
// Alternatively, `version.Any` can be used if no Optimistic Concurrency check
// should be carried out.
//
// An instance of `version.ConflictError` will be returned if the optimistic locking
// version check fails against the current version of the Event Stream.
func (es *InMemoryStore) Append(
	ctx context.Context,
	id StreamID,
	expected version.Check,
	events ...Envelope,
) (version.Version, error) {
	if err := contextErr(ctx); err != nil {
		return 0, err
	}

	es.mx.Lock()
	defer es.mx.Unlock()

	currentVersion := version.Version(len(es.streams[id]))

	if err := version.Verify(expected, currentVersion); err != nil {
		return 0, fmt.Errorf("event.InMemoryStore: failed to append events, %w", err)
	}

	for i, evt := range events {
		es.streams[id] = append(es.streams[id], len(es.log))
		es.log = append(es.log, Persisted{
			Envelope: evt,
			StreamID: id,
			Version:  currentVersion + version.Version(i) + 1,
			Index:    Index(len(es.log) + 1),
		})
	}

	return version.Version(len(es.streams[id])), nil
}
