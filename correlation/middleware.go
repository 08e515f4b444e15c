package correlation

import (
	"context"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/subscriber"
)

// Middleware is a subscriber.Middleware that extends the context of the
// handlers with the correlation data of the handled Event, if any.
//
// Events appended by the handler through an EventStore are then caused by
// the handled Event, and share its Correlation id.
//
// Use it with subscriber.WithMiddleware.
func Middleware(next subscriber.HandlerFunc) subscriber.HandlerFunc {
	return func(ctx context.Context, evt event.Persisted) error {
		if correlationID, ok := Metadata(evt.Metadata).CorrelationID(); ok {
			ctx = WithCorrelationID(ctx, correlationID)
		}

		if eventID, ok := Metadata(evt.Metadata).EventID(); ok {
			ctx = WithCausationID(ctx, eventID)
		}

		return next(ctx, evt)
	}
}
