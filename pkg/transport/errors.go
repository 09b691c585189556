package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed connection.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned by Send when the peer endpoint is gone.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrInvalidMessage is returned when sending a nil or invalid message.
	ErrInvalidMessage = errors.New("transport: invalid message")

	// ErrMessageTooLarge is returned when an encoded message exceeds MaxFrameSize.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrInvalidEndpoint is returned for endpoint indices other than 0 and 1.
	ErrInvalidEndpoint = errors.New("transport: invalid endpoint index")
)
