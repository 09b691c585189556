package nat

import "errors"

// Errors returned by the nat package.
var (
	// ErrUnknownKind is returned when parsing an unrecognized transport kind.
	ErrUnknownKind = errors.New("nat: unknown transport kind")

	// ErrInvalidCandidate is returned for candidates that cannot be built or parsed.
	ErrInvalidCandidate = errors.New("nat: invalid candidate")

	// ErrNoCandidates is returned when a resolver produced nothing.
	ErrNoCandidates = errors.New("nat: no candidates")

	// ErrNoEcho is returned by Check when the local candidate has no echo.
	ErrNoEcho = errors.New("nat: no echo listening on local candidate")

	// ErrEchoExists is returned when listening twice on the same candidate.
	ErrEchoExists = errors.New("nat: echo already listening on candidate")

	// ErrClosed is returned when using a closed agent or echo.
	ErrClosed = errors.New("nat: closed")

	// ErrUnexpectedResponse is returned when a check is answered with a
	// non-success STUN message.
	ErrUnexpectedResponse = errors.New("nat: unexpected STUN response")
)
