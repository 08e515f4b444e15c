// Package correlation adds Correlation and Causation ids to the Events
// appended to an Event Store, and propagates them to the Events appended
// by Subscribers reacting to other Events (e.g. process managers).
//
// You can read more about events correlation here:
// https://blog.arkency.com/correlation-id-and-causation-id-in-evented-systems/
package correlation

import (
	"context"

	"github.com/get-eventually/go-subscriptions/message"
)

// Metadata keys used to store the correlation data of an Event.
const (
	EventIDKey       = "Event-Id"
	CorrelationIDKey = "Correlation-Id"
	CausationIDKey   = "Causation-Id"
)

type (
	correlationCtxKey struct{}
	causationCtxKey   struct{}
)

// WithCorrelationID returns a context carrying the specified Correlation id,
// applied to the Events appended through an EventStore using that context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationCtxKey{}, id)
}

// WithCausationID returns a context carrying the specified Causation id.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationCtxKey{}, id)
}

// IDContext returns the Correlation id in the context, if any.
func IDContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationCtxKey{}).(string)
	return id, ok && id != ""
}

// CausationIDContext returns the Causation id in the context, if any.
func CausationIDContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(causationCtxKey{}).(string)
	return id, ok && id != ""
}

// Metadata gives access to the correlation data of a Message.
type Metadata message.Metadata

// EventID returns the id of the Event, if any.
func (m Metadata) EventID() (string, bool) { return message.Metadata(m).Get(EventIDKey) }

// CorrelationID returns the Correlation id of the Event, if any.
func (m Metadata) CorrelationID() (string, bool) { return message.Metadata(m).Get(CorrelationIDKey) }

// CausationID returns the Causation id of the Event, if any.
func (m Metadata) CausationID() (string, bool) { return message.Metadata(m).Get(CausationIDKey) }
