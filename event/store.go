package event

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/go-subscriptions/version"
)

// StreamWrite provides write-only access to an event.Stream object.
type StreamWrite chan<- Persisted

// StreamRead provides read-only access to an event.Stream object.
type StreamRead <-chan Persisted

// Stream represents a stream of persisted Domain Events coming from some
// stream-able source of data, like an Event Store.
type Stream = chan Persisted

// StreamToSlice synchronously exhausts an EventStream to an event.Persisted slice,
// and returns an error if the EventStream origin, passed here as a closure,
// fails with an error.
func StreamToSlice(ctx context.Context, f func(ctx context.Context, stream StreamWrite) error) ([]Persisted, error) {
	ch := make(chan Persisted, 1)
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return f(ctx, ch) })

	var events []Persisted
	for event := range ch {
		events = append(events, event)
	}

	return events, group.Wait()
}

// SliceToStream converts a slice of event.Persisted domain events to an event.Stream type.
//
// The event.Stream channel has the same buffer size as the input slice.
//
// The channel returned by the function contains all the input slice elements
// and is already closed.
func SliceToStream(events []Persisted) Stream {
	ch := make(chan Persisted, len(events))
	defer close(ch)

	for _, event := range events {
		ch <- event
	}

	return ch
}

// Streamer is an event.Store trait used to open a specific Event Stream and stream it back
// in the application.
type Streamer interface {
	Stream(ctx context.Context, stream StreamWrite, id StreamID, selector version.Selector) error
}

// Appender is an event.Store trait used to append new Domain Events in the Event Stream.
type Appender interface {
	Append(ctx context.Context, id StreamID, expected version.Check, events ...Envelope) (version.Version, error)
}

// Criteria selects a slice of the global Event Store log.
type Criteria struct {
	// FromIndex is the lowest global Index included in the selection.
	FromIndex Index

	// Names, when not empty, restricts the selection to the Events
	// with one of the specified names.
	Names []string
}

// Matches returns true if the persisted Event is selected by the Criteria.
func (c Criteria) Matches(event Persisted) bool {
	if event.Index < c.FromIndex {
		return false
	}

	return len(c.Names) == 0 || slices.Contains(c.Names, event.Name())
}

// Loader is an event.Store trait used to replay the global Event Store log,
// in ascending Index order, regardless of the Event Stream the Events belong to.
//
// Implementations must close the provided stream when returning.
type Loader interface {
	Load(ctx context.Context, stream StreamWrite, criteria Criteria) error
}

// LatestIndexGetter is an event.Store trait used to retrieve the Index of
// the last Event appended to the Event Store, or 0 if the Store is empty.
type LatestIndexGetter interface {
	LatestIndex(ctx context.Context) (Index, error)
}

// Store represents an Event Store, a stateful data source where Domain Events
// can be safely stored, and easily replayed.
type Store interface {
	Appender
	Streamer
	Loader
	LatestIndexGetter
}

// FusedStore is a convenience type to fuse
// multiple Event Store interfaces where you might need to extend
// the functionality of the Store only partially.
//
// E.g. You might want to extend the functionality of the Append() method,
// but keep the Streamer methods the same.
type FusedStore struct {
	Appender
	Streamer
	Loader
	LatestIndexGetter
}
