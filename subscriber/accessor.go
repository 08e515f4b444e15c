package subscriber

import (
	"context"

	"github.com/get-eventually/go-subscriptions/subscription"
)

// DefaultGroup is the group assigned to Accessors not using WithGroup.
const DefaultGroup = "default"

type registration struct {
	name    string
	handler HandlerFunc
}

// Accessor exposes the callbacks of a single Subscriber to the
// subscription engine. Build one with NewAccessor.
//
// The handler table is built once by NewAccessor and never modified,
// so an Accessor is safe for concurrent use.
type Accessor struct {
	id      string
	group   string
	runMode subscription.RunMode

	setupper   Setupper
	tearDowner TearDowner
	batchable  Batchable

	registrations []registration
	middlewares   []Middleware
	byName        map[string][]HandlerFunc
	wildcard      []HandlerFunc
}

// Option configures an Accessor.
type Option func(*Accessor)

// WithGroup sets the group of the Subscriber.
func WithGroup(group string) Option {
	return func(a *Accessor) { a.group = group }
}

// WithRunMode sets the run mode of the Subscriber.
func WithRunMode(runMode subscription.RunMode) Option {
	return func(a *Accessor) { a.runMode = runMode }
}

// Handle registers a handler for the Events with the specified name.
func Handle(name string, handler HandlerFunc) Option {
	return func(a *Accessor) {
		a.registrations = append(a.registrations, registration{name: name, handler: handler})
	}
}

// WithMiddleware wraps every handler of the Subscriber with the
// specified Middlewares. The first Middleware is the outermost one.
func WithMiddleware(middlewares ...Middleware) Option {
	return func(a *Accessor) { a.middlewares = append(a.middlewares, middlewares...) }
}

// HandleAll registers a handler called for every Event.
func HandleAll(handler HandlerFunc) Option {
	return Handle(HandleAllEvents, handler)
}

// NewAccessor returns the Accessor of the Subscriber identified by id.
//
// The subscriber value is inspected once for the Setupper, TearDowner and
// Batchable capabilities; it can be nil if the Subscriber has none.
// Handlers are registered through the options, and called in
// registration order.
func NewAccessor(id string, subscriber any, options ...Option) *Accessor {
	a := &Accessor{
		id:      id,
		group:   DefaultGroup,
		runMode: subscription.RunModeFromBeginning,
		byName:  make(map[string][]HandlerFunc),
	}

	a.setupper, _ = subscriber.(Setupper)
	a.tearDowner, _ = subscriber.(TearDowner)
	a.batchable, _ = subscriber.(Batchable)

	for _, option := range options {
		option(a)
	}

	for i, r := range a.registrations {
		for j := len(a.middlewares) - 1; j >= 0; j-- {
			r.handler = a.middlewares[j](r.handler)
		}

		a.registrations[i] = r
	}

	for _, name := range a.EventNames() {
		for _, r := range a.registrations {
			if r.name == name || r.name == HandleAllEvents {
				a.byName[name] = append(a.byName[name], r.handler)
			}
		}
	}

	for _, r := range a.registrations {
		if r.name == HandleAllEvents {
			a.wildcard = append(a.wildcard, r.handler)
		}
	}

	return a
}

// ID returns the Subscriber id, which is also the Subscription id.
func (a *Accessor) ID() string { return a.id }

// Group returns the Subscriber group.
func (a *Accessor) Group() string { return a.group }

// RunMode returns the Subscriber run mode.
func (a *Accessor) RunMode() subscription.RunMode { return a.runMode }

// SetupMethod returns the Subscriber setup callback, if any.
func (a *Accessor) SetupMethod() (func(ctx context.Context) error, bool) {
	if a.setupper == nil {
		return nil, false
	}

	return a.setupper.Setup, true
}

// TeardownMethod returns the Subscriber teardown callback, if any.
func (a *Accessor) TeardownMethod() (func(ctx context.Context) error, bool) {
	if a.tearDowner == nil {
		return nil, false
	}

	return a.tearDowner.TearDown, true
}

// Batch returns the Subscriber batching capability, if any.
func (a *Accessor) Batch() (Batchable, bool) {
	return a.batchable, a.batchable != nil
}

// SubscribeMethods returns the handlers to call for Events with the
// specified name, including the ones registered through HandleAll,
// in registration order.
func (a *Accessor) SubscribeMethods(name string) []HandlerFunc {
	if handlers, ok := a.byName[name]; ok {
		return handlers
	}

	return a.wildcard
}

// HandlesAll returns true if the Subscriber handles every Event.
func (a *Accessor) HandlesAll() bool { return len(a.wildcard) > 0 }

// EventNames returns the names of the Events handled by the Subscriber,
// excluding HandleAllEvents.
func (a *Accessor) EventNames() []string {
	var names []string

	seen := make(map[string]struct{})

	for _, r := range a.registrations {
		if _, ok := seen[r.name]; ok || r.name == HandleAllEvents {
			continue
		}

		seen[r.name] = struct{}{}
		names = append(names, r.name)
	}

	return names
}
