package message

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Payload describes one media payload type offered in a description.
type Payload struct {
	ID        uint8  `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	ClockRate uint32 `cbor:"3,keyasint,omitempty"`
	Channels  uint16 `cbor:"4,keyasint,omitempty"`
}

// Matches reports whether two payloads name the same format.
// Names compare case-insensitively; clock rate is compared only when both
// sides state it.
func (p Payload) Matches(other Payload) bool {
	if p.ID != other.ID || !strings.EqualFold(p.Name, other.Name) {
		return false
	}
	if p.ClockRate != 0 && other.ClockRate != 0 && p.ClockRate != other.ClockRate {
		return false
	}
	return true
}

// String returns "name/clock/channels (id)".
func (p Payload) String() string {
	if p.Channels > 1 {
		return fmt.Sprintf("%s/%d/%d (%d)", p.Name, p.ClockRate, p.Channels, p.ID)
	}
	return fmt.Sprintf("%s/%d (%d)", p.Name, p.ClockRate, p.ID)
}

// Description is the media part of a content fragment.
type Description struct {
	Media    string    `cbor:"1,keyasint"`
	Payloads []Payload `cbor:"2,keyasint,omitempty"`
}

// Selection names the candidate pair chosen by the controlling side,
// expressed from the sender's point of view.
type Selection struct {
	Local  string `cbor:"1,keyasint"`
	Remote string `cbor:"2,keyasint"`
}

// Transport is the connectivity part of a content fragment.
// Candidates are ICE candidate lines.
type Transport struct {
	Kind       string     `cbor:"1,keyasint"`
	Candidates []string   `cbor:"2,keyasint,omitempty"`
	Selected   *Selection `cbor:"3,keyasint,omitempty"`
}

// Content is one named media stream inside a session message.
type Content struct {
	Creator     Creator      `cbor:"1,keyasint"`
	Name        string       `cbor:"2,keyasint"`
	Description *Description `cbor:"3,keyasint,omitempty"`
	Transport   *Transport   `cbor:"4,keyasint,omitempty"`
}

// ErrorPayload is the wire error attached to messages of TypeError.
type ErrorPayload struct {
	Condition Condition `cbor:"1,keyasint"`
	Text      string    `cbor:"2,keyasint,omitempty"`
}

// String returns "condition: text".
func (e ErrorPayload) String() string {
	if e.Text == "" {
		return string(e.Condition)
	}
	return string(e.Condition) + ": " + e.Text
}

// Message is a signaling message.
//
// Plain messages (Action == ActionNone) are acknowledgments and errors.
// Protocol messages carry an action and belong to the session identified by
// SessionID and Initiator.
type Message struct {
	ID        string        `cbor:"1,keyasint"`
	To        string        `cbor:"2,keyasint,omitempty"`
	From      string        `cbor:"3,keyasint,omitempty"`
	Type      Type          `cbor:"4,keyasint"`
	Action    Action        `cbor:"5,keyasint,omitempty"`
	SessionID string        `cbor:"6,keyasint,omitempty"`
	Initiator string        `cbor:"7,keyasint,omitempty"`
	Responder string        `cbor:"8,keyasint,omitempty"`
	Contents  []Content     `cbor:"9,keyasint,omitempty"`
	Reason    string        `cbor:"10,keyasint,omitempty"`
	Error     *ErrorPayload `cbor:"11,keyasint,omitempty"`
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// New creates a request carrying the given action with a fresh id.
func New(action Action) *Message {
	return &Message{
		ID:     NewID(),
		Type:   TypeRequest,
		Action: action,
	}
}

// NewResult creates the acknowledgment for req.
// Only requests are acknowledged; nil is returned for anything else.
func NewResult(req *Message) *Message {
	if req == nil || req.Type != TypeRequest {
		return nil
	}
	return &Message{
		ID:   req.ID,
		To:   req.From,
		From: req.To,
		Type: TypeResult,
	}
}

// NewError creates the error reply for req.
func NewError(req *Message, payload ErrorPayload) *Message {
	return &Message{
		ID:    req.ID,
		To:    req.From,
		From:  req.To,
		Type:  TypeError,
		Error: &payload,
	}
}

// IsProtocol reports whether the message carries a session action.
func (m *Message) IsProtocol() bool {
	return m.Action != ActionNone
}

// Content returns the content fragment with the given name.
func (m *Message) Content(name string) (*Content, bool) {
	for i := range m.Contents {
		if m.Contents[i].Name == name {
			return &m.Contents[i], true
		}
	}
	return nil, false
}

// Validate checks the invariants every decoded message must satisfy.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !m.Type.IsValid() {
		return ErrInvalidType
	}
	if !m.Action.IsValid() {
		return ErrUnknownAction
	}
	if m.IsProtocol() && m.SessionID == "" {
		return ErrMissingSessionID
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Contents != nil {
		c.Contents = make([]Content, len(m.Contents))
		for i, content := range m.Contents {
			c.Contents[i] = content.Clone()
		}
	}
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	return &c
}

// Clone returns a deep copy of the content fragment.
func (c Content) Clone() Content {
	out := c
	if c.Description != nil {
		d := *c.Description
		d.Payloads = append([]Payload(nil), c.Description.Payloads...)
		out.Description = &d
	}
	if c.Transport != nil {
		t := *c.Transport
		t.Candidates = append([]string(nil), c.Transport.Candidates...)
		if c.Transport.Selected != nil {
			s := *c.Transport.Selected
			t.Selected = &s
		}
		out.Transport = &t
	}
	return out
}

// String returns a compact one-line summary for logging.
func (m *Message) String() string {
	if m.IsProtocol() {
		return fmt.Sprintf("%s %s id=%s sid=%s %s->%s contents=%d",
			m.Type, m.Action, m.ID, m.SessionID, m.From, m.To, len(m.Contents))
	}
	return fmt.Sprintf("%s id=%s %s->%s", m.Type, m.ID, m.From, m.To)
}

// BareIdentity strips the resource part ("/...") of an endpoint identity.
func BareIdentity(identity string) string {
	if i := strings.IndexByte(identity, '/'); i >= 0 {
		return identity[:i]
	}
	return identity
}
