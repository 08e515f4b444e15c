package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// Attribute keys used by the InstrumentedEngine instrumentation.
const (
	OperationKey          attribute.Key = "subscription_engine.operation"
	CriteriaIDsKey        attribute.Key = "subscription_engine.criteria.ids"
	CriteriaGroupsKey     attribute.Key = "subscription_engine.criteria.groups"
	LimitKey              attribute.Key = "subscription_engine.limit"
	SkipBootingKey        attribute.Key = "subscription_engine.skip_booting"
	ProcessedMessagesKey  attribute.Key = "subscription_engine.processed_messages"
	StreamFinishedKey     attribute.Key = "subscription_engine.stream_finished"
	SubscriptionErrorsKey attribute.Key = "subscription_engine.errors"
)

var _ engine.Engine = new(InstrumentedEngine)

// InstrumentedEngine is a wrapper type over an engine.Engine
// instance to provide instrumentation, in the form of metrics and traces
// using OpenTelemetry.
//
// Use NewInstrumentedEngine for constructing a new instance of this type.
type InstrumentedEngine struct {
	engine engine.Engine

	tracer            trace.Tracer
	processedMessages metric.Int64Counter
	errors            metric.Int64Counter
	duration          metric.Int64Histogram
}

func (ie *InstrumentedEngine) registerMetrics(meter metric.Meter) error {
	var err error

	if ie.processedMessages, err = meter.Int64Counter(
		"eventually.subscription.engine.processed_messages",
		metric.WithDescription("Number of messages processed by the subscription engine."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEngine: failed to register metric, %w", err)
	}

	if ie.errors, err = meter.Int64Counter(
		"eventually.subscription.engine.errors",
		metric.WithDescription("Number of subscription errors reported by the subscription engine."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEngine: failed to register metric, %w", err)
	}

	if ie.duration, err = meter.Int64Histogram(
		"eventually.subscription.engine.duration.milliseconds",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of the subscription engine operations."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEngine: failed to register metric, %w", err)
	}

	return nil
}

// NewInstrumentedEngine returns a wrapper type to provide OpenTelemetry
// instrumentation (metrics and traces) around an engine.Engine.
//
// An error is returned if metrics could not be registered.
func NewInstrumentedEngine(inner engine.Engine, options ...Option) (*InstrumentedEngine, error) {
	cfg := newConfig(options...)

	ie := &InstrumentedEngine{
		engine: inner,
		tracer: cfg.tracer(),
	}

	if err := ie.registerMetrics(cfg.meter()); err != nil {
		return nil, err
	}

	return ie, nil
}

func criteriaAttributes(criteria engine.Criteria) []attribute.KeyValue {
	return []attribute.KeyValue{
		CriteriaIDsKey.StringSlice(criteria.IDs),
		CriteriaGroupsKey.StringSlice(criteria.Groups),
	}
}

// observe starts a span for the operation, and returns the function
// recording the outcome of the operation in the span and the metrics.
func (ie *InstrumentedEngine) observe(
	ctx context.Context,
	operation string,
	attributes ...attribute.KeyValue,
) (context.Context, func(processed int, errs []engine.Error, err error, extra ...attribute.KeyValue)) {
	ctx, span := ie.tracer.Start(ctx, "SubscriptionEngine."+operation, trace.WithAttributes(attributes...))
	start := time.Now()

	return ctx, func(processed int, errs []engine.Error, err error, extra ...attribute.KeyValue) {
		defer span.End()

		metricAttributes := metric.WithAttributes(OperationKey.String(operation), ErrorAttribute.Bool(err != nil))

		ie.duration.Record(ctx, time.Since(start).Milliseconds(), metricAttributes)
		ie.processedMessages.Add(ctx, int64(processed), metricAttributes)
		ie.errors.Add(ctx, int64(len(errs)), metricAttributes)

		span.SetAttributes(extra...)
		span.SetAttributes(SubscriptionErrorsKey.Int(len(errs)))

		for _, subscriptionErr := range errs {
			span.RecordError(subscriptionErr, trace.WithAttributes(
				attribute.String("subscription.id", subscriptionErr.SubscriptionID),
			))
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
}

func (ie *InstrumentedEngine) observeResult(
	ctx context.Context,
	operation string,
	criteria engine.Criteria,
	fn func(ctx context.Context) (engine.Result, error),
	attributes ...attribute.KeyValue,
) (engine.Result, error) {
	ctx, done := ie.observe(ctx, operation, append(criteriaAttributes(criteria), attributes...)...)

	result, err := fn(ctx)
	done(0, result.Errors, err)

	return result, err
}

func (ie *InstrumentedEngine) observeProcessed(
	ctx context.Context,
	operation string,
	criteria engine.Criteria,
	limit int,
	fn func(ctx context.Context) (engine.ProcessedResult, error),
) (engine.ProcessedResult, error) {
	ctx, done := ie.observe(ctx, operation, append(criteriaAttributes(criteria), LimitKey.Int(limit))...)

	result, err := fn(ctx)
	done(result.ProcessedMessages, result.Errors, err,
		ProcessedMessagesKey.Int(result.ProcessedMessages),
		StreamFinishedKey.Bool(result.StreamFinished))

	return result, err
}

// Setup calls the wrapped engine.Engine.Setup method and records metrics and traces around it.
func (ie *InstrumentedEngine) Setup(ctx context.Context, criteria engine.Criteria, skipBooting bool) (engine.Result, error) {
	return ie.observeResult(ctx, "Setup", criteria, func(ctx context.Context) (engine.Result, error) {
		return ie.engine.Setup(ctx, criteria, skipBooting)
	}, SkipBootingKey.Bool(skipBooting))
}

// Boot calls the wrapped engine.Engine.Boot method and records metrics and traces around it.
func (ie *InstrumentedEngine) Boot(ctx context.Context, criteria engine.Criteria, limit int) (engine.ProcessedResult, error) {
	return ie.observeProcessed(ctx, "Boot", criteria, limit, func(ctx context.Context) (engine.ProcessedResult, error) {
		return ie.engine.Boot(ctx, criteria, limit)
	})
}

// Run calls the wrapped engine.Engine.Run method and records metrics and traces around it.
func (ie *InstrumentedEngine) Run(ctx context.Context, criteria engine.Criteria, limit int) (engine.ProcessedResult, error) {
	return ie.observeProcessed(ctx, "Run", criteria, limit, func(ctx context.Context) (engine.ProcessedResult, error) {
		return ie.engine.Run(ctx, criteria, limit)
	})
}

// Teardown calls the wrapped engine.Engine.Teardown method and records metrics and traces around it.
func (ie *InstrumentedEngine) Teardown(ctx context.Context, criteria engine.Criteria) (engine.Result, error) {
	return ie.observeResult(ctx, "Teardown", criteria, func(ctx context.Context) (engine.Result, error) {
		return ie.engine.Teardown(ctx, criteria)
	})
}

// Remove calls the wrapped engine.Engine.Remove method and records metrics and traces around it.
func (ie *InstrumentedEngine) Remove(ctx context.Context, criteria engine.Criteria) (engine.Result, error) {
	return ie.observeResult(ctx, "Remove", criteria, func(ctx context.Context) (engine.Result, error) {
		return ie.engine.Remove(ctx, criteria)
	})
}

// Reactivate calls the wrapped engine.Engine.Reactivate method and records metrics and traces around it.
func (ie *InstrumentedEngine) Reactivate(ctx context.Context, criteria engine.Criteria) (engine.Result, error) {
	return ie.observeResult(ctx, "Reactivate", criteria, func(ctx context.Context) (engine.Result, error) {
		return ie.engine.Reactivate(ctx, criteria)
	})
}

// Pause calls the wrapped engine.Engine.Pause method and records metrics and traces around it.
func (ie *InstrumentedEngine) Pause(ctx context.Context, criteria engine.Criteria) (engine.Result, error) {
	return ie.observeResult(ctx, "Pause", criteria, func(ctx context.Context) (engine.Result, error) {
		return ie.engine.Pause(ctx, criteria)
	})
}

// Subscriptions calls the wrapped engine.Engine.Subscriptions method within a span.
func (ie *InstrumentedEngine) Subscriptions(
	ctx context.Context,
	criteria engine.Criteria,
) (subscriptions []*subscription.Subscription, err error) {
	ctx, span := ie.tracer.Start(ctx, "SubscriptionEngine.Subscriptions", trace.WithAttributes(criteriaAttributes(criteria)...))
	defer span.End()

	if subscriptions, err = ie.engine.Subscriptions(ctx, criteria); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return subscriptions, err
}
