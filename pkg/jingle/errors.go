package jingle

import (
	"errors"

	"github.com/backkem/jingle/pkg/message"
)

// Errors returned by the jingle package.
var (
	// ErrSessionClosed is returned when operating on a closed session.
	ErrSessionClosed = errors.New("jingle: session closed")

	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("jingle: invalid session state")

	// ErrNoConn is returned when a session is configured without a connection.
	ErrNoConn = errors.New("jingle: no connection")

	// ErrNotConnected is returned when the connection can no longer send.
	ErrNotConnected = errors.New("jingle: connection not connected")

	// ErrNoMediaManagers is returned when starting a session with no media.
	ErrNoMediaManagers = errors.New("jingle: no media managers")

	// ErrNoPeer is returned when an outgoing session has no responder.
	ErrNoPeer = errors.New("jingle: no peer identity")

	// ErrSessionExists is returned when a connection already owns a live session.
	ErrSessionExists = errors.New("jingle: connection already has a session")

	// ErrNotInitiate is returned when StartIncoming gets anything but a
	// session-initiate request.
	ErrNotInitiate = errors.New("jingle: not a session-initiate request")

	// ErrSessionRefused is reported when the peer answers session-initiate
	// with an error.
	ErrSessionRefused = errors.New("jingle: session refused by peer")

	// ErrConnectionClosed is reported when the connection closes under a session.
	ErrConnectionClosed = errors.New("jingle: connection closed")

	// ErrChecksFailed is reported when no candidate pair answered.
	ErrChecksFailed = errors.New("jingle: all connectivity checks failed")

	// ErrDuplicateContent is returned when adding a second content with the same name.
	ErrDuplicateContent = errors.New("jingle: duplicate content name")
)

// NegotiationError aborts negotiation. When Payload is set it is sent back
// to the peer as an error reply before the session closes.
type NegotiationError struct {
	Payload *message.ErrorPayload
	Err     error
}

func (e *NegotiationError) Error() string {
	if e.Payload != nil {
		if e.Err != nil {
			return "jingle: negotiation failed (" + e.Payload.String() + "): " + e.Err.Error()
		}
		return "jingle: negotiation failed (" + e.Payload.String() + ")"
	}
	if e.Err != nil {
		return "jingle: negotiation failed: " + e.Err.Error()
	}
	return "jingle: negotiation failed"
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func negotiationError(cond message.Condition, text string) *NegotiationError {
	return &NegotiationError{Payload: &message.ErrorPayload{Condition: cond, Text: text}}
}

// RemoteError wraps an error reply received from the peer.
type RemoteError struct {
	Payload message.ErrorPayload
}

func (e *RemoteError) Error() string {
	return "jingle: remote error: " + e.Payload.String()
}
