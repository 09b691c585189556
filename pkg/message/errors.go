package message

import "errors"

// Errors returned by the message package.
var (
	// ErrUnknownAction is returned when parsing an unrecognized action name.
	ErrUnknownAction = errors.New("message: unknown action")

	// ErrInvalidType is returned when a decoded message has an undefined type.
	ErrInvalidType = errors.New("message: invalid message type")

	// ErrMissingID is returned when a decoded message carries no id.
	ErrMissingID = errors.New("message: missing message id")

	// ErrMissingSessionID is returned when a protocol message carries no sid.
	ErrMissingSessionID = errors.New("message: protocol message without session id")

	// ErrEmptyFrame is returned when decoding zero bytes.
	ErrEmptyFrame = errors.New("message: empty frame")
)
