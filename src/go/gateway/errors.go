package gateway

import "errors"

var (
	// ErrConnectionNotFound is returned for operations on an unknown ConnectionId.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrAlreadyExists is returned when creating a connection whose id
	// already has a live session.
	ErrAlreadyExists = errors.New("connection already exists")

	// ErrConnectionNotOpen is returned for messaging operations while the
	// session is not in the open state.
	ErrConnectionNotOpen = errors.New("connection is not open")

	// ErrPairingAlreadyRequested is returned when a pairing code request is
	// already in flight for the session.
	ErrPairingAlreadyRequested = errors.New("pairing code request already in flight")

	// ErrLoggedOut is returned for operations on a session whose credentials
	// were invalidated by the server.
	ErrLoggedOut = errors.New("connection is logged out")
)
