package opentelemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/opentelemetry"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
	"github.com/get-eventually/go-subscriptions/version"
)

type telemetry struct {
	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
	options []opentelemetry.Option
}

func newTelemetry() telemetry {
	spans := tracetest.NewSpanRecorder()
	metrics := sdkmetric.NewManualReader()

	return telemetry{
		spans:   spans,
		metrics: metrics,
		options: []opentelemetry.Option{
			opentelemetry.WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
			opentelemetry.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(metrics))),
		},
	}
}

func (tm telemetry) spanNames() []string {
	var names []string
	for _, span := range tm.spans.Ended() {
		names = append(names, span.Name())
	}

	return names
}

// sum returns the total of the Int64 sum metric with the specified name.
func (tm telemetry) sum(t *testing.T, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, tm.metrics.Collect(context.Background(), &rm))

	var total int64

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)

			for _, point := range data.DataPoints {
				total += point.Value
			}
		}
	}

	return total
}

func (tm telemetry) hasMetric(t *testing.T, name string) bool {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, tm.metrics.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}

	return false
}

func TestInstrumentedEngine(t *testing.T) {
	ctx := context.Background()
	tm := newTelemetry()

	events := event.NewInMemoryStore()
	_, err := events.Append(ctx, "test:stream", version.Any, event.ToEnvelopes(internal.IntPayload(1), internal.IntPayload(2))...)
	require.NoError(t, err)

	registry, err := subscriber.NewRegistry(
		subscriber.NewAccessor("healthy", nil, subscriber.HandleAll(func(context.Context, event.Persisted) error {
			return nil
		})),
		subscriber.NewAccessor("failing", nil, subscriber.HandleAll(func(context.Context, event.Persisted) error {
			return errors.New("boom")
		})),
	)
	require.NoError(t, err)

	inner := engine.NewDefaultEngine(events, subscription.NewInMemoryStore(), registry, engine.WithLogger(logger.Test(t)))

	eng, err := opentelemetry.NewInstrumentedEngine(inner, tm.options...)
	require.NoError(t, err)

	_, err = eng.Setup(ctx, engine.All, true)
	require.NoError(t, err)

	result, err := eng.Run(ctx, engine.All, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ProcessedMessages)
	assert.Len(t, result.Errors, 1)

	found, err := eng.Subscriptions(ctx, engine.All)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	assert.Equal(t, []string{
		"SubscriptionEngine.Setup",
		"SubscriptionEngine.Run",
		"SubscriptionEngine.Subscriptions",
	}, tm.spanNames())

	assert.Equal(t, int64(2), tm.sum(t, "eventually.subscription.engine.processed_messages"))
	assert.Equal(t, int64(1), tm.sum(t, "eventually.subscription.engine.errors"))
	assert.True(t, tm.hasMetric(t, "eventually.subscription.engine.duration.milliseconds"))
}

func TestInstrumentedEventStore(t *testing.T) {
	tm := newTelemetry()

	suite.Run(t, event.NewStoreSuite(func() event.Store {
		store, err := opentelemetry.NewInstrumentedEventStore(event.NewInMemoryStore(), tm.options...)
		require.NoError(t, err)

		return store
	}))

	assert.Contains(t, tm.spanNames(), "event.Store.Append")
	assert.Contains(t, tm.spanNames(), "event.Store.Load")
	assert.Contains(t, tm.spanNames(), "event.Store.Stream")
	assert.True(t, tm.hasMetric(t, "eventually.event_store.append.duration.milliseconds"))
}
