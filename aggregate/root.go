// Package aggregate contains the Aggregate Root abstraction, used to model
// consistency boundaries that record Domain Events, and an event-sourced
// Repository to load and save them through an event.Store.
package aggregate

import (
	"fmt"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/version"
)

// ID represents an Aggregate ID type.
//
// Aggregate IDs should be able to be marshaled into a string format,
// in order to be saved onto a named Event Stream.
type ID interface {
	fmt.Stringer
}

// Aggregate is the segregated interface describing the left-folding
// behavior of Domain Events over the Aggregate state.
type Aggregate interface {
	// Apply applies the specified Event to the Aggregate Root,
	// by causing a state change in the Aggregate Root instance.
	//
	// Since this method cause a state change, implementors should make sure
	// to use pointer semantics on their Aggregate Root method receivers.
	Apply(event.Event) error
}

// Root is the interface describing an Aggregate Root instance.
//
// This interface should be implemented by your Aggregate Root types.
// Make sure your Aggregate Root types embed the aggregate.BaseRoot type
// to complete the implementation of this interface.
type Root[I ID] interface {
	Aggregate
	Internal

	AggregateID() I
	Version() version.Version
}

// Internal contains aggregate.Root methods that are implemented
// by the embedded aggregate.BaseRoot type.
type Internal interface {
	FlushRecordedEvents() []event.Envelope

	setVersion(version.Version)
	recordThat(Aggregate, ...event.Envelope) error
}

// RecordThat records the Domain Event for the specified Aggregate Root.
//
// An error is typically returned if applying the Domain Event on the Aggregate
// Root instance fails with an error.
func RecordThat[I ID](root Root[I], events ...event.Envelope) error {
	if err := root.recordThat(root, events...); err != nil {
		return fmt.Errorf("aggregate.RecordThat: failed to record event, %w", err)
	}

	return nil
}

// BaseRoot tracks the current Aggregate Root version and the
// recorded-but-uncommitted Domain Events.
//
// Embed it in your Aggregate Root types.
type BaseRoot struct {
	version        version.Version
	recordedEvents []event.Envelope
}

// Version returns the current version of the Aggregate Root instance.
func (br BaseRoot) Version() version.Version { return br.version }

// FlushRecordedEvents returns the recorded Domain Events and
// clears them from the Aggregate Root.
func (br *BaseRoot) FlushRecordedEvents() []event.Envelope {
	flushed := br.recordedEvents
	br.recordedEvents = nil

	return flushed
}

func (br *BaseRoot) setVersion(v version.Version) {
	br.version = v
}

func (br *BaseRoot) recordThat(aggregate Aggregate, events ...event.Envelope) error {
	for _, evt := range events {
		if err := aggregate.Apply(evt.Message); err != nil {
			return fmt.Errorf("aggregate.BaseRoot: failed to apply '%s', %w", evt.Name(), err)
		}

		br.recordedEvents = append(br.recordedEvents, evt)
		br.version++
	}

	return nil
}
