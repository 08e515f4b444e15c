// Package user serves as a small domain example: a User Aggregate whose
// Domain Events are projected into a profile read model by a Subscriber.
//
// This package is used for tests across the module and by the example binary.
package user

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/go-subscriptions/aggregate"
	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/message"
)

// Type is the User aggregate type.
var Type = aggregate.Type[uuid.UUID, *User]{
	Name:    "user",
	Factory: func() *User { return new(User) },
}

// User is a naive user implementation, modeled as an Aggregate.
type User struct {
	aggregate.BaseRoot

	id        uuid.UUID
	firstName string
	lastName  string
	birthDate time.Time
	email     string
}

// Apply implements aggregate.Aggregate.
func (user *User) Apply(evt event.Event) error {
	switch kind := evt.(type) {
	case WasCreated:
		user.id = kind.ID
		user.firstName = kind.FirstName
		user.lastName = kind.LastName
		user.birthDate = kind.BirthDate
		user.email = kind.Email
	case EmailWasUpdated:
		user.email = kind.Email
	default:
		return fmt.Errorf("user.Apply: unexpected event type, %T", evt)
	}

	return nil
}

// AggregateID implements aggregate.Root.
func (user *User) AggregateID() uuid.UUID {
	return user.id
}

// Email returns the current User email.
func (user *User) Email() string {
	return user.email
}

// All the errors returned by User methods.
var (
	ErrInvalidFirstName = errors.New("user: invalid first name, is empty")
	ErrInvalidLastName  = errors.New("user: invalid last name, is empty")
	ErrInvalidEmail     = errors.New("user: invalid email name, is empty")
	ErrInvalidBirthDate = errors.New("user: invalid birthdate, is empty")
)

// Create creates a new User using the provided input.
func Create(id uuid.UUID, firstName, lastName, email string, birthDate, now time.Time) (*User, error) {
	switch {
	case firstName == "":
		return nil, ErrInvalidFirstName
	case lastName == "":
		return nil, ErrInvalidLastName
	case email == "":
		return nil, ErrInvalidEmail
	case birthDate.IsZero():
		return nil, ErrInvalidBirthDate
	}

	user := new(User)

	if err := aggregate.RecordThat[uuid.UUID](user, event.ToEnvelope(WasCreated{
		ID:         id,
		FirstName:  firstName,
		LastName:   lastName,
		BirthDate:  birthDate,
		Email:      email,
		RecordedAt: now,
	})); err != nil {
		return nil, fmt.Errorf("user.Create: failed to record domain event, %w", err)
	}

	return user, nil
}

// UpdateEmail updates the User email with the specified one.
func (user *User) UpdateEmail(email string, now time.Time, metadata message.Metadata) error {
	if email == "" {
		return ErrInvalidEmail
	}

	if err := aggregate.RecordThat[uuid.UUID](user, event.Envelope{
		Metadata: metadata,
		Message: EmailWasUpdated{
			ID:         user.id,
			Email:      email,
			RecordedAt: now,
		},
	}); err != nil {
		return fmt.Errorf("user.UpdateEmail: failed to record domain event, %w", err)
	}

	return nil
}
