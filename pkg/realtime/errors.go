package realtime

import "errors"

var (
	// ErrAuthentication marks a rejected handshake. It is the only error
	// class that terminates a connection.
	ErrAuthentication = errors.New("Authentication error")
	// ErrValidation marks an inbound event that failed its schema.
	ErrValidation = errors.New("validation error")
	// ErrAuthorization marks a refused room action.
	ErrAuthorization = errors.New("authorization error")
	// ErrTransport marks an unreachable collaborator (queue store, user lookup).
	ErrTransport = errors.New("transport error")
	// ErrShutdownTimeout marks a connection that did not drain in time.
	ErrShutdownTimeout = errors.New("shutdown timeout")
)
