package backend

import "errors"

var (
	// ErrClosed indicates the engine has already been closed.
	ErrClosed = errors.New("backend: engine closed")
	// ErrNotFound indicates the named agent has no connection record.
	ErrNotFound = errors.New("backend: agent not found")
	// ErrInvalidArgument indicates a malformed descriptor list, an empty
	// registration region, or a handle that does not belong to this engine.
	ErrInvalidArgument = errors.New("backend: invalid argument")
	// ErrTransport wraps an opaque failure surfaced by the transport
	// collaborator. The engine does not interpret it further.
	ErrTransport = errors.New("backend: transport failure")
	// ErrRequestActive indicates a release was attempted on a transfer request
	// the transport may still reference.
	ErrRequestActive = errors.New("backend: transfer request still in flight")
)

// ErrInvalidHandle indicates a released or foreign handle was used.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "backend: invalid or released " + e.Resource + " handle"
}

// Is allows errors.Is(err, ErrInvalidArgument) to match handle misuse, which
// the contract treats as an invalid argument.
func (e ErrInvalidHandle) Is(target error) bool {
	return target == ErrInvalidArgument
}
