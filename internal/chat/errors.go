package chat

import "errors"

var (
	// ErrUnauthenticatedSender is returned when an operation requires a
	// bound session and the connection has none.
	ErrUnauthenticatedSender = errors.New("no session bound to connection")

	// ErrMessageTooLong is returned when a message exceeds the configured
	// maximum length. No state is mutated.
	ErrMessageTooLong = errors.New("message exceeds maximum length")

	// ErrInvalidUsername is returned for usernames outside the allowed
	// shape. No state is mutated.
	ErrInvalidUsername = errors.New("username must be 3-20 word characters")
)
