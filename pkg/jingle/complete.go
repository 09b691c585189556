package jingle

import "github.com/backkem/jingle/pkg/message"

// sessionContext is the identity data outgoing messages are completed from.
type sessionContext struct {
	local     string
	sid       string
	initiator string
	responder string
}

func (c sessionContext) peer() string {
	if c.local == c.responder {
		return c.initiator
	}
	return c.responder
}

// complete fills the addressing fields a draft left empty. reply is the
// inbound message being answered, or nil. The draft is not modified.
func complete(draft *message.Message, sc sessionContext, reply *message.Message) *message.Message {
	out := draft.Clone()

	if out.IsProtocol() {
		if out.Initiator == "" {
			out.Initiator = sc.initiator
		}
		if out.Responder == "" {
			out.Responder = sc.responder
		}
		if out.SessionID == "" {
			out.SessionID = sc.sid
		}
	}

	if out.To == "" {
		if reply != nil {
			out.To = reply.From
		} else {
			out.To = sc.peer()
		}
	}
	if out.From == "" {
		if reply != nil {
			out.From = reply.To
		} else {
			out.From = sc.local
		}
	}
	return out
}
