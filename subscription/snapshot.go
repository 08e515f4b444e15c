package subscription

import (
	"time"

	"github.com/get-eventually/go-subscriptions/event"
)

// Snapshot is the serializable state of a Subscription,
// used by Store implementations.
type Snapshot struct {
	ID           string    `json:"id"`
	Group        string    `json:"group"`
	RunMode      RunMode   `json:"run_mode"`
	Status       Status    `json:"status"`
	Position     uint64    `json:"position"`
	RetryAttempt int       `json:"retry_attempt"`
	Error        *Error    `json:"error,omitempty"`
	LastSavedAt  time.Time `json:"last_saved_at"`
}

// Snapshot returns the current state of the Subscription.
func (s *Subscription) Snapshot() Snapshot {
	clone := s.Clone()

	return Snapshot{
		ID:           clone.id,
		Group:        clone.group,
		RunMode:      clone.runMode,
		Status:       clone.status,
		Position:     uint64(clone.position),
		RetryAttempt: clone.retryAttempt,
		Error:        clone.lastError,
		LastSavedAt:  clone.lastSavedAt,
	}
}

// FromSnapshot rehydrates a Subscription from its Snapshot.
func FromSnapshot(snapshot Snapshot) *Subscription {
	s := &Subscription{
		id:           snapshot.ID,
		group:        snapshot.Group,
		runMode:      snapshot.RunMode,
		status:       snapshot.Status,
		position:     event.Index(snapshot.Position),
		retryAttempt: snapshot.RetryAttempt,
		lastSavedAt:  snapshot.LastSavedAt,
	}

	if snapshot.Error != nil {
		lastError := *snapshot.Error
		s.lastError = &lastError
	}

	return s
}
