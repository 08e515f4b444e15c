package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/version"
)

// Attribute keys used by the InstrumentedEventStore instrumentation.
const (
	EventStreamIDKey              attribute.Key = "event_stream.id"
	EventStreamVersionSelectorKey attribute.Key = "event_stream.select_from_version"
	EventStreamExpectedVersionKey attribute.Key = "event_stream.expected_version"
	EventStoreNumEventsKey        attribute.Key = "event_store.num_events"
	EventStoreFromIndexKey        attribute.Key = "event_store.from_index"
	EventStoreNamesKey            attribute.Key = "event_store.names"
)

var _ event.Store = new(InstrumentedEventStore)

// InstrumentedEventStore is a wrapper type over an event.Store
// instance to provide instrumentation, in the form of metrics and traces
// using OpenTelemetry.
//
// Use NewInstrumentedEventStore for constructing a new instance of this type.
type InstrumentedEventStore struct {
	eventStore event.Store

	tracer         trace.Tracer
	streamDuration metric.Int64Histogram
	appendDuration metric.Int64Histogram
	loadDuration   metric.Int64Histogram
}

func (ies *InstrumentedEventStore) registerMetrics(meter metric.Meter) error {
	histogram := func(operation string) (metric.Int64Histogram, error) {
		h, err := meter.Int64Histogram(
			"eventually.event_store."+operation+".duration.milliseconds",
			metric.WithUnit("ms"),
			metric.WithDescription("Duration in milliseconds of event.Store."+operation+" operations performed."),
		)
		if err != nil {
			return nil, fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
		}

		return h, nil
	}

	var err error

	if ies.streamDuration, err = histogram("stream"); err != nil {
		return err
	}

	if ies.appendDuration, err = histogram("append"); err != nil {
		return err
	}

	if ies.loadDuration, err = histogram("load"); err != nil {
		return err
	}

	return nil
}

// NewInstrumentedEventStore returns a wrapper type to provide OpenTelemetry
// instrumentation (metrics and traces) around an event.Store.
//
// An error is returned if metrics could not be registered.
func NewInstrumentedEventStore(eventStore event.Store, options ...Option) (*InstrumentedEventStore, error) {
	cfg := newConfig(options...)

	ies := &InstrumentedEventStore{
		eventStore: eventStore,
		tracer:     cfg.tracer(),
	}

	if err := ies.registerMetrics(cfg.meter()); err != nil {
		return nil, err
	}

	return ies, nil
}

func (ies *InstrumentedEventStore) start(
	ctx context.Context,
	name string,
	histogram metric.Int64Histogram,
	attributes ...attribute.KeyValue,
) (context.Context, func(err error)) {
	ctx, span := ies.tracer.Start(ctx, name, trace.WithAttributes(attributes...))
	start := time.Now()

	return ctx, func(err error) {
		histogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(ErrorAttribute.Bool(err != nil)))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}
}

// Stream calls the wrapped event.Store.Stream method and records metrics and traces around it.
func (ies *InstrumentedEventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) (err error) {
	ctx, done := ies.start(ctx, "event.Store.Stream", ies.streamDuration,
		EventStreamIDKey.String(string(id)),
		EventStreamVersionSelectorKey.Int64(int64(selector.From)))

	defer func() { done(err) }()

	return ies.eventStore.Stream(ctx, stream, id, selector)
}

// Load calls the wrapped event.Store.Load method and records metrics and traces around it.
func (ies *InstrumentedEventStore) Load(ctx context.Context, stream event.StreamWrite, criteria event.Criteria) (err error) {
	ctx, done := ies.start(ctx, "event.Store.Load", ies.loadDuration,
		EventStoreFromIndexKey.Int64(int64(criteria.FromIndex)),
		EventStoreNamesKey.StringSlice(criteria.Names))

	defer func() { done(err) }()

	return ies.eventStore.Load(ctx, stream, criteria)
}

// LatestIndex calls the wrapped event.Store.LatestIndex method within a span.
func (ies *InstrumentedEventStore) LatestIndex(ctx context.Context) (event.Index, error) {
	ctx, span := ies.tracer.Start(ctx, "event.Store.LatestIndex")
	defer span.End()

	index, err := ies.eventStore.LatestIndex(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return index, err
}

// Append calls the wrapped event.Store.Append method and records metrics and traces around it.
func (ies *InstrumentedEventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (newVersion version.Version, err error) {
	expectedVersion := int64(-1)
	if v, ok := expected.(version.CheckExact); ok {
		expectedVersion = int64(v)
	}

	ctx, done := ies.start(ctx, "event.Store.Append", ies.appendDuration,
		EventStreamIDKey.String(string(id)),
		EventStreamExpectedVersionKey.Int64(expectedVersion),
		EventStoreNumEventsKey.Int(len(events)))

	defer func() { done(err) }()

	return ies.eventStore.Append(ctx, id, expected, events...)
}
