package jingle

import "github.com/backkem/jingle/pkg/message"

// Filter decides which inbound messages belong to a session. It is an
// immutable value; sessions build a new one whenever identities change.
type Filter struct {
	local     string
	peer      string
	sid       string
	initiator string
}

// NewFilter builds the filter for a session seen from local.
// The expected peer is whichever of initiator and responder is not local.
func NewFilter(local, sid, initiator, responder string) Filter {
	peer := responder
	if local == responder {
		peer = initiator
	}
	return Filter{
		local:     local,
		peer:      peer,
		sid:       sid,
		initiator: initiator,
	}
}

// Accept reports whether msg is addressed to this session.
func (f Filter) Accept(msg *message.Message) bool {
	if msg == nil || msg.To != f.local {
		return false
	}
	if !peerMatches(f.peer, msg.From) {
		return false
	}
	if msg.IsProtocol() {
		return msg.SessionID == f.sid && msg.Initiator == f.initiator
	}
	return msg.Type == message.TypeResult || msg.Type == message.TypeError
}

// Peer returns the identity the filter expects messages from.
func (f Filter) Peer() string { return f.peer }

// peerMatches accepts the exact identity, or any resource of a bare
// expected identity.
func peerMatches(expected, from string) bool {
	if expected == "" || from == "" {
		return false
	}
	if expected == from {
		return true
	}
	return message.BareIdentity(expected) == expected && message.BareIdentity(from) == expected
}
