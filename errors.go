package opmon

import "errors"

var (
	// ErrDuplicateName is returned when a live child already owns the name
	ErrDuplicateName = errors.New("node name already registered")
	// ErrInvalidName is returned for empty node names
	ErrInvalidName = errors.New("invalid node name")
	// ErrInvalidNode is returned when registering a nil or released handle
	ErrInvalidNode = errors.New("invalid node")
	// ErrCycle is returned when a registration would make the tree cyclic
	ErrCycle = errors.New("registration would create a cycle")
	// ErrPublishFailure is wrapped by facilities that cannot deliver an entry
	ErrPublishFailure = errors.New("opmon publish failure")
	// ErrUnknownScheme is returned for facility URIs nobody handles
	ErrUnknownScheme = errors.New("unknown facility scheme")
	// ErrAlreadyStarted is returned when the collection loop runs already
	ErrAlreadyStarted = errors.New("monitoring loop already started")
	// ErrNotInitialized is returned by the global helpers before Init
	ErrNotInitialized = errors.New("opmon is not initialized")
)

// causeCount returns the number of links in err's cause chain, err included.
// Joined errors contribute every branch.
func causeCount(err error) uint64 {
	if err == nil {
		return 0
	}
	n := uint64(1)
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		n += causeCount(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			n += causeCount(e)
		}
	}
	return n
}
