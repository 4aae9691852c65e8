package chat

import "errors"

var (
	// ErrForbidden is returned when the caller is not a participant of the
	// conversation it is trying to read or write.
	ErrForbidden = errors.New("not a conversation participant")

	// ErrInvalidInput is returned for structurally invalid requests
	// (empty content, missing ids, self-conversations).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
)
