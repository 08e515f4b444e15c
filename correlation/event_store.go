package correlation

import (
	"context"

	"github.com/google/uuid"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/version"
)

// Generator returns a new unique id.
type Generator func() string

var _ event.Store = EventStore{}

// EventStore is an event.Store decorator that records an Event id,
// a Correlation id and a Causation id in the Metadata of every
// appended Event.
//
// The Correlation and Causation ids are taken from the context, if present:
// otherwise, a new id is generated and used for both.
type EventStore struct {
	event.Store

	// Generator defaults to uuid.NewString.
	Generator Generator
}

// Append implements event.Appender.
func (es EventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	generate := es.Generator
	if generate == nil {
		generate = uuid.NewString
	}

	causeID := generate()

	correlationID, ok := IDContext(ctx)
	if !ok {
		correlationID = causeID
	}

	causationID, ok := CausationIDContext(ctx)
	if !ok {
		causationID = causeID
	}

	correlated := make([]event.Envelope, 0, len(events))

	for _, evt := range events {
		metadata := make(map[string]string, len(evt.Metadata)+3)
		for k, v := range evt.Metadata {
			metadata[k] = v
		}

		metadata[EventIDKey] = generate()
		metadata[CorrelationIDKey] = correlationID
		metadata[CausationIDKey] = causationID

		evt.Metadata = metadata
		correlated = append(correlated, evt)
	}

	return es.Store.Append(ctx, id, expected, correlated...)
}
