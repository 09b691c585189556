// Package message defines the signaling messages exchanged between two
// session endpoints and their wire encoding.
//
// The package provides:
//   - Message types (request, result, error) and protocol actions
//   - Content fragments carrying media descriptions and transport candidates
//   - Wire error payloads with well-known conditions
//   - Deterministic CBOR encoding for the signaling channel
package message

import "strings"

// Type classifies a message on the signaling channel.
type Type uint8

const (
	// TypeRequest is a message that expects a result or error reply.
	TypeRequest Type = 0

	// TypeResult acknowledges a request.
	TypeResult Type = 1

	// TypeError rejects a request.
	TypeError Type = 2
)

// String returns a human-readable name for the message type.
func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResult:
		return "result"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// IsValid returns true if the type is a defined value.
func (t Type) IsValid() bool {
	return t <= TypeError
}

// Action is the protocol action carried by a session message.
// ActionNone marks a plain message (acks and errors).
type Action uint8

const (
	ActionNone Action = iota
	ActionSessionInitiate
	ActionSessionAccept
	ActionSessionTerminate
	ActionSessionInfo
	ActionContentAdd
	ActionContentAccept
	ActionContentModify
	ActionContentRemove
	ActionDescriptionInfo
	ActionTransportInfo
	ActionTransportAccept
)

var actionNames = [...]string{
	ActionNone:             "",
	ActionSessionInitiate:  "session-initiate",
	ActionSessionAccept:    "session-accept",
	ActionSessionTerminate: "session-terminate",
	ActionSessionInfo:      "session-info",
	ActionContentAdd:       "content-add",
	ActionContentAccept:    "content-accept",
	ActionContentModify:    "content-modify",
	ActionContentRemove:    "content-remove",
	ActionDescriptionInfo:  "description-info",
	ActionTransportInfo:    "transport-info",
	ActionTransportAccept:  "transport-accept",
}

// String returns the wire name of the action.
func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// IsValid returns true if the action is a defined value.
func (a Action) IsValid() bool {
	return int(a) < len(actionNames)
}

// IsSessionAction reports whether the action changes the session as a whole
// rather than a single content.
func (a Action) IsSessionAction() bool {
	switch a {
	case ActionSessionInitiate, ActionSessionAccept, ActionSessionTerminate, ActionSessionInfo:
		return true
	}
	return false
}

// ParseAction converts a wire name into an Action.
func ParseAction(name string) (Action, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range actionNames {
		if i > 0 && n == name {
			return Action(i), nil
		}
	}
	return ActionNone, ErrUnknownAction
}

// Creator identifies which party created a content.
type Creator uint8

const (
	// CreatorInitiator marks content offered by the session initiator.
	CreatorInitiator Creator = 0

	// CreatorResponder marks content offered by the session responder.
	CreatorResponder Creator = 1
)

// String returns the wire name of the creator.
func (c Creator) String() string {
	switch c {
	case CreatorInitiator:
		return "initiator"
	case CreatorResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Condition is a well-known error condition carried in an ErrorPayload.
type Condition string

const (
	ConditionOutOfOrder            Condition = "out-of-order"
	ConditionUnknownSession        Condition = "unknown-session"
	ConditionUnsupportedContent    Condition = "unsupported-content"
	ConditionUnsupportedTransports Condition = "unsupported-transports"
	ConditionUnsupportedInfo       Condition = "unsupported-info"
	ConditionNoCommonPayload       Condition = "no-commonpayload"
	ConditionNegotiationError      Condition = "negotiation-error"
	ConditionMalformedStanza       Condition = "malformed-stanza"
)
