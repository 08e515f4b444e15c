// Package subscriber describes the consumers of the global Event Store log,
// such as projectors building read models, and how the subscription engine
// accesses their callbacks.
//
// Subscribers declare their Event handlers explicitly when building
// an Accessor, and expose optional lifecycle capabilities by implementing
// the Setupper, TearDowner and Batchable interfaces.
package subscriber

import (
	"context"
	"fmt"

	"github.com/get-eventually/go-subscriptions/event"
)

// HandleAllEvents is the Event name used by handlers registered
// through HandleAll.
const HandleAllEvents = "*"

// HandlerFunc handles a single persisted Event.
type HandlerFunc func(ctx context.Context, evt event.Persisted) error

// Middleware decorates a HandlerFunc, e.g. to enrich its context.
type Middleware func(next HandlerFunc) HandlerFunc

// Setupper is implemented by Subscribers that need to prepare their
// resources (e.g. create read model tables) before processing Events.
type Setupper interface {
	Setup(ctx context.Context) error
}

// TearDowner is implemented by Subscribers that need to release their
// resources (e.g. drop read model tables) when removed.
type TearDowner interface {
	TearDown(ctx context.Context) error
}

// Batchable is implemented by Subscribers that buffer the effects of
// multiple Events and commit them together.
//
// A batch is opened lazily before the first handled Event, and committed
// at the end of the engine pass or earlier, when ForceCommit returns true.
type Batchable interface {
	BeginBatch(ctx context.Context) error
	CommitBatch(ctx context.Context) error
	RollbackBatch(ctx context.Context) error
	ForceCommit() bool
}

// On returns a HandlerFunc for Events of type T, registered
// under the name returned by the zero value of T.
//
// Events with the same name but a different type fail the handler.
func On[T event.Event](fn func(ctx context.Context, evt T, persisted event.Persisted) error) Option {
	var zeroValue T

	return Handle(zeroValue.Name(), func(ctx context.Context, persisted event.Persisted) error {
		evt, ok := persisted.Message.(T)
		if !ok {
			return fmt.Errorf("subscriber.On: unexpected event type, %T", persisted.Message)
		}

		return fn(ctx, evt, persisted)
	})
}
