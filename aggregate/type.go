package aggregate

import "github.com/get-eventually/go-subscriptions/event"

// Type represents the type of an Aggregate, which exposes the
// name of the Aggregate (used as Event Stream prefix) and a factory method
// to create new instances of the type, without using reflection.
type Type[I ID, T Root[I]] struct {
	Name    string
	Factory func() T
}

// StreamID returns the Event Stream identifier of the Aggregate Root
// with the specified id.
func (t Type[I, T]) StreamID(id I) event.StreamID {
	return event.StreamID(t.Name + ":" + id.String())
}
