package media

import "errors"

// Errors returned by the media package.
var (
	// ErrSessionStopped is returned when starting a stopped media session.
	ErrSessionStopped = errors.New("media: session stopped")

	// ErrUnsupportedPayload is returned when creating a session for a payload
	// the manager does not offer.
	ErrUnsupportedPayload = errors.New("media: unsupported payload")
)
