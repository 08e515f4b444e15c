package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/message"
	"github.com/get-eventually/go-subscriptions/postgres/internal"
	"github.com/get-eventually/go-subscriptions/serde"
	"github.com/get-eventually/go-subscriptions/version"
)

// appendLockKey serializes appends, so that events become visible
// in global_index order.
const appendLockKey = "eventually.events.append"

var _ event.Store = EventStore{}

// EventStore is an event.Store implementation targeted to PostgreSQL databases.
//
// The implementation uses "event_streams" and "events" as their
// operational tables. Updates to these tables are transactional.
//
// Each Event is stored with the name of its Message, used by Serde
// to deserialize it back, and by Load to filter Events by name.
type EventStore struct {
	Conn  *pgxpool.Pool
	Serde serde.Serde[message.Message, serde.Named]
}

// Stream implements the event.Streamer interface.
func (es EventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) error {
	defer close(stream)

	rows, err := es.Conn.Query(
		ctx,
		`SELECT global_index, event_stream_id, "version", "type", event, metadata FROM events
		WHERE event_stream_id = $1 AND "version" >= $2
		ORDER BY "version"`,
		string(id), int64(selector.From),
	)
	if err != nil {
		return fmt.Errorf("postgres.EventStore: failed to query events table, %w", err)
	}

	if err := es.streamRows(ctx, rows, stream); err != nil {
		return fmt.Errorf("postgres.EventStore: failed to stream events, %w", err)
	}

	return nil
}

// Load implements the event.Loader interface.
func (es EventStore) Load(ctx context.Context, stream event.StreamWrite, criteria event.Criteria) error {
	defer close(stream)

	var names []string
	if len(criteria.Names) > 0 {
		names = criteria.Names
	}

	rows, err := es.Conn.Query(
		ctx,
		`SELECT global_index, event_stream_id, "version", "type", event, metadata FROM events
		WHERE global_index >= $1 AND ($2::TEXT[] IS NULL OR "type" = ANY($2))
		ORDER BY global_index`,
		int64(criteria.FromIndex), names,
	)
	if err != nil {
		return fmt.Errorf("postgres.EventStore: failed to query events table, %w", err)
	}

	if err := es.streamRows(ctx, rows, stream); err != nil {
		return fmt.Errorf("postgres.EventStore: failed to load events, %w", err)
	}

	return nil
}

// LatestIndex implements the event.LatestIndexGetter interface.
func (es EventStore) LatestIndex(ctx context.Context) (event.Index, error) {
	var latest int64

	if err := es.Conn.
		QueryRow(ctx, "SELECT COALESCE(MAX(global_index), 0) FROM events").
		Scan(&latest); err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to get latest index, %w", err)
	}

	return event.Index(latest), nil
}

func (es EventStore) streamRows(ctx context.Context, rows pgx.Rows, stream event.StreamWrite) error {
	defer rows.Close()

	for rows.Next() {
		evt, err := es.scanEvent(rows)
		if err != nil {
			return err
		}

		select {
		case stream <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read rows, %w", err)
	}

	return nil
}

func (es EventStore) scanEvent(row pgx.Row) (event.Persisted, error) {
	var (
		globalIndex int64
		streamID    string
		v           int64
		named       serde.Named
		rawMetadata []byte
	)

	if err := row.Scan(&globalIndex, &streamID, &v, &named.Name, &named.Data, &rawMetadata); err != nil {
		return event.Persisted{}, fmt.Errorf("failed to scan next row, %w", err)
	}

	msg, err := es.Serde.Deserialize(named)
	if err != nil {
		return event.Persisted{}, fmt.Errorf("failed to deserialize event, %w", err)
	}

	var metadata message.Metadata
	if rawMetadata != nil {
		if err := json.Unmarshal(rawMetadata, &metadata); err != nil {
			return event.Persisted{}, fmt.Errorf("failed to deserialize metadata, %w", err)
		}
	}

	return event.Persisted{
		Envelope: event.Envelope{Message: msg, Metadata: metadata},
		StreamID: event.StreamID(streamID),
		Version:  version.Version(v),
		Index:    event.Index(globalIndex),
	}, nil
}

// Append implements event.Store.
func (es EventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	var newVersion version.Version

	err := internal.RunTransaction(ctx, es.Conn, internal.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		if err := internal.LockTransaction(ctx, tx, appendLockKey); err != nil {
			return err
		}

		v, err := es.appendEvents(ctx, tx, id, expected, events...)
		newVersion = v

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to append events, %w", err)
	}

	return newVersion, nil
}

func (es EventStore) appendEvents(
	ctx context.Context,
	tx pgx.Tx,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	var current int64

	err := tx.
		QueryRow(ctx, `SELECT "version" FROM event_streams WHERE event_stream_id = $1`, string(id)).
		Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to scan current event stream version, %w", err)
	}

	oldVersion := version.Version(current)

	if err := version.Verify(expected, oldVersion); err != nil {
		return 0, fmt.Errorf("event stream version check failed, %w", err)
	}

	if len(events) == 0 {
		return oldVersion, nil
	}

	newVersion := oldVersion + version.Version(len(events))

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO event_streams (event_stream_id, "version")
		VALUES ($1, $2)
		ON CONFLICT (event_stream_id) DO
		UPDATE SET "version" = $2`,
		string(id), int64(newVersion),
	); err != nil {
		return 0, fmt.Errorf("failed to update event stream, %w", err)
	}

	batch := new(pgx.Batch)

	for i, evt := range events {
		named, err := es.Serde.Serialize(evt.Message)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize event, %w", err)
		}

		metadata, err := serializeMetadata(evt.Metadata)
		if err != nil {
			return 0, err
		}

		batch.Queue(
			`INSERT INTO events (event_stream_id, "type", "version", event, metadata)
			VALUES ($1, $2, $3, $4, $5)`,
			string(id), named.Name, int64(oldVersion)+int64(i)+1, named.Data, metadata,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("failed to insert events, %w", err)
	}

	return newVersion, nil
}

func serializeMetadata(metadata message.Metadata) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("postgres.serializeMetadata: failed to marshal to json, %w", err)
	}

	return data, nil
}
