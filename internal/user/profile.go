package user

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/subscriber"
)

// ErrReadModelNotReady is returned by the ProfileProjector when handling
// Events before its setup, or after its teardown.
var ErrReadModelNotReady = errors.New("user: profile read model not ready")

// Profile is the read model built by the ProfileProjector.
type Profile struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	Email     string
}

// ProfileProjector is a Subscriber projecting the User domain events
// into an in-memory Profile read model.
//
// ProfileProjector is thread-safe.
type ProfileProjector struct {
	mx       sync.RWMutex
	ready    bool
	profiles map[uuid.UUID]Profile
}

// NewProfileProjector returns a new ProfileProjector. Its read model
// becomes available after Setup is called.
func NewProfileProjector() *ProfileProjector {
	return new(ProfileProjector)
}

// Setup implements subscriber.Setupper.
func (p *ProfileProjector) Setup(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.ready = true
	p.profiles = make(map[uuid.UUID]Profile)

	return nil
}

// TearDown implements subscriber.TearDowner.
func (p *ProfileProjector) TearDown(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.ready = false
	p.profiles = nil

	return nil
}

// Profile returns the Profile of the User with the specified id.
func (p *ProfileProjector) Profile(id uuid.UUID) (Profile, bool) {
	p.mx.RLock()
	defer p.mx.RUnlock()

	profile, ok := p.profiles[id]

	return profile, ok
}

// Len returns the number of Profiles in the read model.
func (p *ProfileProjector) Len() int {
	p.mx.RLock()
	defer p.mx.RUnlock()

	return len(p.profiles)
}

// Accessor returns the subscriber.Accessor registering the ProfileProjector
// Event handlers under the specified Subscriber id.
func (p *ProfileProjector) Accessor(id string, options ...subscriber.Option) *subscriber.Accessor {
	handlers := []subscriber.Option{
		subscriber.On(p.onWasCreated),
		subscriber.On(p.onEmailWasUpdated),
	}

	return subscriber.NewAccessor(id, p, append(handlers, options...)...)
}

func (p *ProfileProjector) onWasCreated(_ context.Context, evt WasCreated, _ event.Persisted) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if !p.ready {
		return ErrReadModelNotReady
	}

	p.profiles[evt.ID] = Profile{
		ID:        evt.ID,
		FirstName: evt.FirstName,
		LastName:  evt.LastName,
		Email:     evt.Email,
	}

	return nil
}

func (p *ProfileProjector) onEmailWasUpdated(_ context.Context, evt EmailWasUpdated, _ event.Persisted) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if !p.ready {
		return ErrReadModelNotReady
	}

	profile := p.profiles[evt.ID]
	profile.Email = evt.Email
	p.profiles[evt.ID] = profile

	return nil
}
