// Package eventuallyfirestore contains Event Store and Subscription Store
// implementations backed by Google Cloud Firestore.
package eventuallyfirestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/message"
	"github.com/get-eventually/go-subscriptions/serde"
	"github.com/get-eventually/go-subscriptions/version"
)

// maxInFilterValues is the maximum number of values accepted
// by a Firestore "in" filter.
const maxInFilterValues = 30

type eventDocument struct {
	StreamID string            `firestore:"event_stream_id"`
	Version  int64             `firestore:"version"`
	Index    int64             `firestore:"index"`
	Type     string            `firestore:"type"`
	Metadata map[string]string `firestore:"metadata"`
	Payload  []byte            `firestore:"payload"`
}

type streamDocument struct {
	LastVersion int64 `firestore:"last_version"`
}

type counterDocument struct {
	LastIndex int64 `firestore:"last_index"`
}

var _ event.Store = EventStore{}

// EventStore is an event.Store implementation using Firestore.
//
// Events are stored in the "Events" collection, keyed by their global Index,
// while the "EventStreams" collection keeps the version of each Event Stream.
// The last Index assigned is kept in a counter document, updated in the same
// transaction of every append.
type EventStore struct {
	Client *firestore.Client
	Serde  serde.Serde[message.Message, serde.Named]

	// CollectionPrefix is prepended to the name of every collection used,
	// to host more than one Event Store in the same database.
	CollectionPrefix string
}

func (es EventStore) eventsCollection() *firestore.CollectionRef {
	return es.Client.Collection(es.CollectionPrefix + "Events")
}

func (es EventStore) streamsCollection() *firestore.CollectionRef {
	return es.Client.Collection(es.CollectionPrefix + "EventStreams")
}

func (es EventStore) counterDoc() *firestore.DocumentRef {
	return es.Client.Collection(es.CollectionPrefix + "EventStoreCounters").Doc("events")
}

func eventDocID(index int64) string {
	return fmt.Sprintf("%020d", index)
}

// Stream implements the event.Streamer interface.
func (es EventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) error {
	defer close(stream)

	iter := es.eventsCollection().
		Where("event_stream_id", "==", string(id)).
		Where("version", ">=", int64(selector.From)).
		OrderBy("version", firestore.Asc).
		Documents(ctx)

	if err := es.streamDocuments(ctx, iter, stream, nil); err != nil {
		return fmt.Errorf("eventuallyfirestore.EventStore.Stream: %w", err)
	}

	return nil
}

// Load implements the event.Loader interface.
func (es EventStore) Load(ctx context.Context, stream event.StreamWrite, criteria event.Criteria) error {
	defer close(stream)

	query := es.eventsCollection().Where("index", ">=", int64(criteria.FromIndex))

	// Longer name lists are filtered on read.
	filter := criteria.Matches
	if n := len(criteria.Names); n > 0 && n <= maxInFilterValues {
		query = query.Where("type", "in", criteria.Names)
		filter = nil
	}

	iter := query.OrderBy("index", firestore.Asc).Documents(ctx)

	if err := es.streamDocuments(ctx, iter, stream, filter); err != nil {
		return fmt.Errorf("eventuallyfirestore.EventStore.Load: %w", err)
	}

	return nil
}

func (es EventStore) streamDocuments(
	ctx context.Context,
	iter *firestore.DocumentIterator,
	stream event.StreamWrite,
	filter func(event.Persisted) bool,
) error {
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed while reading iterator, %w", err)
		}

		evt, err := es.decodeEvent(doc)
		if err != nil {
			return err
		}

		if filter != nil && !filter(evt) {
			continue
		}

		select {
		case stream <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (es EventStore) decodeEvent(doc *firestore.DocumentSnapshot) (event.Persisted, error) {
	var data eventDocument
	if err := doc.DataTo(&data); err != nil {
		return event.Persisted{}, fmt.Errorf("failed to decode event document '%s', %w", doc.Ref.ID, err)
	}

	msg, err := es.Serde.Deserialize(serde.Named{Name: data.Type, Data: data.Payload})
	if err != nil {
		return event.Persisted{}, fmt.Errorf("failed to deserialize message payload, %w", err)
	}

	return event.Persisted{
		Envelope: event.Envelope{Message: msg, Metadata: data.Metadata},
		StreamID: event.StreamID(data.StreamID),
		Version:  version.Version(data.Version),
		Index:    event.Index(data.Index),
	}, nil
}

// LatestIndex implements the event.LatestIndexGetter interface.
func (es EventStore) LatestIndex(ctx context.Context) (event.Index, error) {
	doc, err := es.counterDoc().Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("eventuallyfirestore.EventStore.LatestIndex: failed to get counter, %w", err)
	}

	var counter counterDocument
	if err := doc.DataTo(&counter); err != nil {
		return 0, fmt.Errorf("eventuallyfirestore.EventStore.LatestIndex: failed to decode counter, %w", err)
	}

	return event.Index(counter.LastIndex), nil
}

// Append implements event.Store.
func (es EventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	var newVersion version.Version

	err := es.Client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		currentVersion, err := es.readStreamVersion(tx, id)
		if err != nil {
			return err
		}

		lastIndex, err := es.readLastIndex(tx)
		if err != nil {
			return err
		}

		if err := version.Verify(expected, currentVersion); err != nil {
			return fmt.Errorf("version check failed, %w", err)
		}

		newVersion = currentVersion + version.Version(len(events))

		if len(events) == 0 {
			return nil
		}

		// Firestore transactions require all reads to happen before writes.
		if err := tx.Set(es.streamsCollection().Doc(string(id)), streamDocument{
			LastVersion: int64(newVersion),
		}); err != nil {
			return fmt.Errorf("failed to update event stream, %w", err)
		}

		for i, evt := range events {
			index := lastIndex + int64(i) + 1

			if err := es.appendEvent(tx, id, currentVersion+version.Version(i)+1, index, evt); err != nil {
				return err
			}
		}

		if err := tx.Set(es.counterDoc(), counterDocument{LastIndex: lastIndex + int64(len(events))}); err != nil {
			return fmt.Errorf("failed to update counter, %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("eventuallyfirestore.EventStore.Append: failed to commit transaction, %w", err)
	}

	return newVersion, nil
}

func (es EventStore) readStreamVersion(tx *firestore.Transaction, id event.StreamID) (version.Version, error) {
	doc, err := tx.Get(es.streamsCollection().Doc(string(id)))
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to get event stream, %w", err)
	}

	var stream streamDocument
	if err := doc.DataTo(&stream); err != nil {
		return 0, fmt.Errorf("failed to decode event stream, %w", err)
	}

	return version.Version(stream.LastVersion), nil
}

func (es EventStore) readLastIndex(tx *firestore.Transaction) (int64, error) {
	doc, err := tx.Get(es.counterDoc())
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to get counter, %w", err)
	}

	var counter counterDocument
	if err := doc.DataTo(&counter); err != nil {
		return 0, fmt.Errorf("failed to decode counter, %w", err)
	}

	return counter.LastIndex, nil
}

func (es EventStore) appendEvent(
	tx *firestore.Transaction,
	id event.StreamID,
	v version.Version,
	index int64,
	evt event.Envelope,
) error {
	named, err := es.Serde.Serialize(evt.Message)
	if err != nil {
		return fmt.Errorf("failed to serialize message, %w", err)
	}

	if err := tx.Create(es.eventsCollection().Doc(eventDocID(index)), eventDocument{
		StreamID: string(id),
		Version:  int64(v),
		Index:    index,
		Type:     named.Name,
		Metadata: evt.Metadata,
		Payload:  named.Data,
	}); err != nil {
		return fmt.Errorf("failed to append event, %w", err)
	}

	return nil
}
