// Package mongodb contains Event Store and Subscription Store implementations
// targeted to MongoDB replica sets, using multi-document transactions.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/message"
	"github.com/get-eventually/go-subscriptions/serde"
	"github.com/get-eventually/go-subscriptions/version"
)

// Collections used by the EventStore.
const (
	EventsCollection       = "events"
	EventStreamsCollection = "event_streams"
	CountersCollection     = "counters"
)

const eventsCounterID = "events"

type eventDocument struct {
	Index    int64             `bson:"_id"`
	StreamID string            `bson:"stream_id"`
	Version  int64             `bson:"version"`
	Type     string            `bson:"type"`
	Payload  []byte            `bson:"payload"`
	Metadata map[string]string `bson:"metadata,omitempty"`
}

type eventStreamDocument struct {
	ID      string `bson:"_id"`
	Version int64  `bson:"version"`
}

type counterDocument struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

var _ event.Store = EventStore{}

// EventStore is an event.Store implementation using MongoDB.
//
// Events are stored in the "events" collection, keyed by their global Index,
// while the "event_streams" collection keeps the version of each Event Stream.
// The last Index assigned is kept in the "counters" collection, incremented
// in the same transaction of every append: concurrent appends conflict on it,
// so that Indexes become visible in commit order.
//
// Transactions are only supported by replica sets and sharded clusters.
type EventStore struct {
	Client       *mongo.Client
	DatabaseName string
	Serde        serde.Serde[message.Message, serde.Named]
}

func (es EventStore) openSession() (mongo.Session, error) {
	return es.Client.StartSession(&options.SessionOptions{
		DefaultReadConcern:    readconcern.Majority(),
		DefaultReadPreference: readpref.Primary(),
		// Appends perform strong validations, hence their writes are
		// acknowledged by the majority of the replica set.
		DefaultWriteConcern: writeconcern.Majority(),
	})
}

func (es EventStore) database() *mongo.Database {
	return es.Client.Database(es.DatabaseName, options.Database().
		SetReadConcern(readconcern.Majority()).
		SetReadPreference(readpref.Primary()))
}

// EnsureIndexes creates the indexes used by the EventStore queries.
// It is safe to call it more than once.
func (es EventStore) EnsureIndexes(ctx context.Context) error {
	_, err := es.database().Collection(EventsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stream_id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "type", Value: 1}, {Key: "_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb.EventStore: failed to create indexes, %w", err)
	}

	return nil
}

// Stream implements the event.Streamer interface.
func (es EventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) error {
	defer close(stream)

	cursor, err := es.database().Collection(EventsCollection).Find(ctx,
		bson.D{
			{Key: "stream_id", Value: string(id)},
			{Key: "version", Value: bson.D{{Key: "$gte", Value: int64(selector.From)}}},
		},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}),
	)
	if err != nil {
		return fmt.Errorf("mongodb.EventStore: failed to open event stream cursor, %w", err)
	}

	if err := es.streamCursor(ctx, cursor, stream); err != nil {
		return fmt.Errorf("mongodb.EventStore.Stream: %w", err)
	}

	return nil
}

// Load implements the event.Loader interface.
func (es EventStore) Load(ctx context.Context, stream event.StreamWrite, criteria event.Criteria) error {
	defer close(stream)

	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$gte", Value: int64(criteria.FromIndex)}}}}
	if len(criteria.Names) > 0 {
		filter = append(filter, bson.E{Key: "type", Value: bson.D{{Key: "$in", Value: criteria.Names}}})
	}

	cursor, err := es.database().Collection(EventsCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("mongodb.EventStore: failed to open events cursor, %w", err)
	}

	if err := es.streamCursor(ctx, cursor, stream); err != nil {
		return fmt.Errorf("mongodb.EventStore.Load: %w", err)
	}

	return nil
}

func (es EventStore) streamCursor(ctx context.Context, cursor *mongo.Cursor, stream event.StreamWrite) error {
	defer cursor.Close(context.WithoutCancel(ctx))

	for cursor.Next(ctx) {
		var doc eventDocument
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode event document, %w", err)
		}

		evt, err := es.toPersisted(doc)
		if err != nil {
			return err
		}

		select {
		case stream <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := cursor.Err(); err != nil {
		return fmt.Errorf("failed while iterating the cursor, %w", err)
	}

	return nil
}

func (es EventStore) toPersisted(doc eventDocument) (event.Persisted, error) {
	msg, err := es.Serde.Deserialize(serde.Named{Name: doc.Type, Data: doc.Payload})
	if err != nil {
		return event.Persisted{}, fmt.Errorf("failed to deserialize event %d, %w", doc.Index, err)
	}

	return event.Persisted{
		Envelope: event.Envelope{Message: msg, Metadata: doc.Metadata},
		StreamID: event.StreamID(doc.StreamID),
		Version:  version.Version(doc.Version),
		Index:    event.Index(doc.Index),
	}, nil
}

// LatestIndex implements the event.LatestIndexGetter interface.
func (es EventStore) LatestIndex(ctx context.Context) (event.Index, error) {
	var counter counterDocument

	err := es.database().Collection(CountersCollection).
		FindOne(ctx, bson.D{{Key: "_id", Value: eventsCounterID}}).
		Decode(&counter)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("mongodb.EventStore: failed to get latest index, %w", err)
	}

	return event.Index(counter.Value), nil
}

// Append implements event.Store.
func (es EventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	sess, err := es.openSession()
	if err != nil {
		return 0, fmt.Errorf("mongodb.EventStore: failed to open a new session, %w", err)
	}

	defer sess.EndSession(context.WithoutCancel(ctx))

	var newVersion version.Version

	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		v, err := es.append(sessCtx, id, expected, events...)
		newVersion = v

		return nil, err
	})
	if err != nil {
		return 0, fmt.Errorf("mongodb.EventStore: failed to append events, %w", err)
	}

	return newVersion, nil
}

func (es EventStore) append(
	ctx mongo.SessionContext,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	db := es.database()

	var stream eventStreamDocument

	err := db.Collection(EventStreamsCollection).
		FindOne(ctx, bson.D{{Key: "_id", Value: string(id)}}).
		Decode(&stream)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("failed to find event stream, %w", err)
	}

	currentVersion := version.Version(stream.Version)
	if err := version.Verify(expected, currentVersion); err != nil {
		return 0, err
	}

	newVersion := currentVersion + version.Version(len(events))
	if len(events) == 0 {
		return newVersion, nil
	}

	var counter counterDocument

	err = db.Collection(CountersCollection).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: eventsCounterID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(len(events))}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to increment events counter, %w", err)
	}

	if _, err := db.Collection(EventStreamsCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: string(id)}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "version", Value: int64(newVersion)}}}},
		options.Update().SetUpsert(true),
	); err != nil {
		return 0, fmt.Errorf("failed to update event stream version, %w", err)
	}

	firstIndex := counter.Value - int64(len(events)) + 1
	documents := make([]any, 0, len(events))

	for i, evt := range events {
		named, err := es.Serde.Serialize(evt.Message)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize event, %w", err)
		}

		documents = append(documents, eventDocument{
			Index:    firstIndex + int64(i),
			StreamID: string(id),
			Version:  int64(currentVersion) + int64(i) + 1,
			Type:     named.Name,
			Payload:  named.Data,
			Metadata: evt.Metadata,
		})
	}

	if _, err := db.Collection(EventsCollection).InsertMany(ctx, documents); err != nil {
		return 0, fmt.Errorf("failed to insert new domain events, %w", err)
	}

	return newVersion, nil
}
