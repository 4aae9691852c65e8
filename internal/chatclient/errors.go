package chatclient

import "errors"

var (
	// ErrAuthRejected means the server refused the access token. Reconnecting
	// with the same token will not help; the caller must obtain a new one.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrNotReady means no live session exists right now. The send fails
	// synchronously; callers decide whether to queue or surface it.
	ErrNotReady = errors.New("connection not ready")

	// ErrDisconnected means the session this call used is gone.
	ErrDisconnected = errors.New("disconnected")

	// ErrForbidden means the caller is not a participant of the conversation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound means the requested resource does not exist.
	ErrNotFound = errors.New("not found")
)
