package jingle

import "github.com/backkem/jingle/pkg/message"

// State is the lifecycle state of a session.
//
// State transitions:
//
//	Unknown -> Pending -> Active -> Ended
//	   |          |                   ^
//	   +----------+-------------------+
type State int

const (
	// StateUnknown is a created session that has not started negotiating.
	StateUnknown State = iota

	// StatePending is a session negotiating its contents.
	StatePending

	// StateActive is a session whose contents are all established.
	StateActive

	// StateEnded is a closed session. It is absorbing.
	StateEnded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StatePending:
		return "Pending"
	case StateActive:
		return "Active"
	case StateEnded:
		return "Ended"
	default:
		return "Invalid"
	}
}

// Role is the party a session plays.
type Role int

const (
	// RoleInitiator is the side that sent session-initiate.
	RoleInitiator Role = iota

	// RoleResponder is the side that received session-initiate.
	RoleResponder
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

type eventKind int

const (
	eventInbound eventKind = iota
	eventStartOutgoing
	eventEstablished
	eventEnd
)

// event drives transition. action is set for eventInbound.
type event struct {
	kind   eventKind
	action message.Action
}

func inbound(a message.Action) event { return event{kind: eventInbound, action: a} }

func localEvent(kind eventKind) event { return event{kind: kind} }

type replyKind int

const (
	replyNone replyKind = iota
	replyAck
	replyError
)

// reaction lists the side effects a transition asks the session to run.
type reaction struct {
	reply     replyKind
	condition message.Condition

	// adopt builds content negotiators from the inbound offer.
	adopt bool

	// closeRemote closes the session after the reply is sent.
	closeRemote bool

	// invalid marks a local event the state does not allow.
	invalid bool
}

// transition is the session state table. It has no side effects.
func transition(s State, ev event) (State, reaction) {
	if s == StateEnded {
		if ev.kind == eventStartOutgoing {
			return s, reaction{invalid: true}
		}
		return s, reaction{}
	}

	switch ev.kind {
	case eventStartOutgoing:
		if s != StateUnknown {
			return s, reaction{invalid: true}
		}
		return StatePending, reaction{}

	case eventEstablished:
		if s == StatePending {
			return StateActive, reaction{}
		}
		return s, reaction{}

	case eventEnd:
		return StateEnded, reaction{}
	}

	// Inbound protocol actions.
	if s == StateUnknown {
		if ev.action == message.ActionSessionInitiate {
			return StatePending, reaction{reply: replyAck, adopt: true}
		}
		return s, reaction{reply: replyError, condition: message.ConditionOutOfOrder}
	}

	switch ev.action {
	case message.ActionSessionInitiate:
		return s, reaction{reply: replyError, condition: message.ConditionOutOfOrder}
	case message.ActionSessionTerminate:
		return StateEnded, reaction{reply: replyAck, closeRemote: true}
	case message.ActionNone:
		return s, reaction{}
	}
	return s, reaction{reply: replyAck}
}
