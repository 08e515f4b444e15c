package user

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/serde"
)

var (
	_ event.Event = WasCreated{}
	_ event.Event = EmailWasUpdated{}
)

// WasCreated is the domain event fired after a User is created.
type WasCreated struct {
	ID         uuid.UUID `json:"id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	BirthDate  time.Time `json:"birth_date"`
	Email      string    `json:"email"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Name implements message.Message.
func (WasCreated) Name() string { return "UserWasCreated" }

// EmailWasUpdated is the domain event fired after a User email is updated.
type EmailWasUpdated struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Name implements message.Message.
func (EmailWasUpdated) Name() string { return "UserEmailWasUpdated" }

// NewRegistry returns a serde.Registry able to serialize the User
// domain events, plus the generic test payloads in the internal package.
func NewRegistry() *serde.Registry {
	registry := serde.NewRegistry()

	for _, register := range []func(*serde.Registry) error{
		serde.RegisterJSON[WasCreated],
		serde.RegisterJSON[EmailWasUpdated],
		serde.RegisterJSON[internal.IntPayload],
		serde.RegisterJSON[internal.StringPayload],
	} {
		if err := register(registry); err != nil {
			panic(fmt.Errorf("user.NewRegistry: %w", err))
		}
	}

	return registry
}
