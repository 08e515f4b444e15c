package version

// Check can be used to perform optimistic concurrency checks when writing to
// the Event Store (e.g. using an event.Appender).
type Check interface {
	isVersionCheck()
}

// CheckAny is a Check variant that bypasses the optimistic concurrency
// control, allowing writes regardless of the current Event Stream version.
type CheckAny struct{}

func (CheckAny) isVersionCheck() {}

// Any is the singleton CheckAny instance.
var Any = CheckAny{}

// CheckExact checks that the current Event Stream version is exactly the one specified.
type CheckExact Version

func (CheckExact) isVersionCheck() {}

// Verify returns a ConflictError if the Check is not satisfied by
// the current Event Stream version provided.
func Verify(check Check, current Version) error {
	expected, ok := check.(CheckExact)
	if !ok || Version(expected) == current {
		return nil
	}

	return ConflictError{
		Expected: Version(expected),
		Actual:   current,
	}
}
