package jingle

import (
	"testing"

	"github.com/backkem/jingle/pkg/message"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name  string
		state State
		ev    event
		want  State
		reply replyKind
		cond  message.Condition
		adopt bool
		close bool
	}{
		{"start outgoing", StateUnknown, localEvent(eventStartOutgoing), StatePending, replyNone, "", false, false},
		{"inbound initiate", StateUnknown, inbound(message.ActionSessionInitiate), StatePending, replyAck, "", true, false},
		{"accept before initiate", StateUnknown, inbound(message.ActionSessionAccept), StateUnknown, replyError, message.ConditionOutOfOrder, false, false},
		{"transport-info before initiate", StateUnknown, inbound(message.ActionTransportInfo), StateUnknown, replyError, message.ConditionOutOfOrder, false, false},
		{"second initiate", StatePending, inbound(message.ActionSessionInitiate), StatePending, replyError, message.ConditionOutOfOrder, false, false},
		{"initiate when active", StateActive, inbound(message.ActionSessionInitiate), StateActive, replyError, message.ConditionOutOfOrder, false, false},
		{"accept while pending", StatePending, inbound(message.ActionSessionAccept), StatePending, replyAck, "", false, false},
		{"transport-info while pending", StatePending, inbound(message.ActionTransportInfo), StatePending, replyAck, "", false, false},
		{"content-add while active", StateActive, inbound(message.ActionContentAdd), StateActive, replyAck, "", false, false},
		{"established", StatePending, localEvent(eventEstablished), StateActive, replyNone, "", false, false},
		{"established twice", StateActive, localEvent(eventEstablished), StateActive, replyNone, "", false, false},
		{"terminate pending", StatePending, inbound(message.ActionSessionTerminate), StateEnded, replyAck, "", false, true},
		{"terminate active", StateActive, inbound(message.ActionSessionTerminate), StateEnded, replyAck, "", false, true},
		{"local end", StateActive, localEvent(eventEnd), StateEnded, replyNone, "", false, false},
		{"ended absorbs terminate", StateEnded, inbound(message.ActionSessionTerminate), StateEnded, replyNone, "", false, false},
		{"ended absorbs initiate", StateEnded, inbound(message.ActionSessionInitiate), StateEnded, replyNone, "", false, false},
		{"ended absorbs established", StateEnded, localEvent(eventEstablished), StateEnded, replyNone, "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, r := transition(tt.state, tt.ev)
			if got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
			if r.reply != tt.reply {
				t.Errorf("reply = %v, want %v", r.reply, tt.reply)
			}
			if r.condition != tt.cond {
				t.Errorf("condition = %q, want %q", r.condition, tt.cond)
			}
			if r.adopt != tt.adopt {
				t.Errorf("adopt = %v, want %v", r.adopt, tt.adopt)
			}
			if r.closeRemote != tt.close {
				t.Errorf("closeRemote = %v, want %v", r.closeRemote, tt.close)
			}
		})
	}
}

func TestTransitionStartOutgoingInvalid(t *testing.T) {
	for _, s := range []State{StatePending, StateActive, StateEnded} {
		got, r := transition(s, localEvent(eventStartOutgoing))
		if !r.invalid {
			t.Errorf("start outgoing from %v: invalid = false, want true", s)
		}
		if got != s {
			t.Errorf("start outgoing from %v: state = %v", s, got)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateUnknown, "Unknown"},
		{StatePending, "Pending"},
		{StateActive, "Active"},
		{StateEnded, "Ended"},
		{State(42), "Invalid"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
	if RoleResponder.String() != "Responder" {
		t.Errorf("RoleResponder.String() = %q", RoleResponder.String())
	}
}
