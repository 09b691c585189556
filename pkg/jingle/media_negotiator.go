package jingle

import (
	"sync"

	"github.com/backkem/jingle/pkg/media"
	"github.com/backkem/jingle/pkg/message"
)

// MediaNegotiator settles the payload type of one content.
//
// The session initiator offers its payloads in session-initiate and
// succeeds when the peer's accept names one of them. The responder picks
// the first offered payload it supports as soon as it starts.
type MediaNegotiator struct {
	content *ContentNegotiator
	kind    string
	local   []message.Payload

	// Written on the session's event goroutine.
	remote []message.Payload

	mu     sync.RWMutex
	state  NegotiatorState
	chosen message.Payload
}

func newMediaNegotiator(cn *ContentNegotiator, kind string, local []message.Payload) *MediaNegotiator {
	return &MediaNegotiator{
		content: cn,
		kind:    kind,
		local:   local,
	}
}

// State returns the negotiation state.
func (m *MediaNegotiator) State() NegotiatorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Payload returns the chosen payload once the negotiation succeeded.
func (m *MediaNegotiator) Payload() (message.Payload, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chosen, m.state == NegotiatorSucceeded
}

// Offered returns the local payload list.
func (m *MediaNegotiator) Offered() []message.Payload {
	return append([]message.Payload(nil), m.local...)
}

func (m *MediaNegotiator) initiating() bool {
	return m.content.session.Role() == RoleInitiator
}

func (m *MediaNegotiator) start() error {
	if m.initiating() || m.State() != NegotiatorPending {
		return nil
	}
	p, ok := media.SelectPayload(m.remote, m.local)
	if !ok {
		m.setState(NegotiatorFailed)
		return negotiationError(message.ConditionNoCommonPayload, m.content.name)
	}
	m.succeed(p)
	return nil
}

func (m *MediaNegotiator) handle(action message.Action, frag *message.Content) error {
	if frag.Description == nil || m.State() != NegotiatorPending {
		return nil
	}
	desc := frag.Description

	if !m.initiating() {
		switch action {
		case message.ActionSessionInitiate, message.ActionContentAdd, message.ActionDescriptionInfo:
			m.remote = append([]message.Payload(nil), desc.Payloads...)
		}
		return nil
	}

	switch action {
	case message.ActionSessionAccept, message.ActionContentAccept, message.ActionDescriptionInfo:
	default:
		return nil
	}
	if len(desc.Payloads) == 0 {
		return nil
	}
	for _, p := range desc.Payloads {
		if media.Contains(m.local, p) {
			m.succeed(p)
			return nil
		}
	}
	m.setState(NegotiatorFailed)
	return negotiationError(message.ConditionNoCommonPayload, m.content.name)
}

func (m *MediaNegotiator) succeed(p message.Payload) {
	m.mu.Lock()
	m.chosen = p
	m.state = NegotiatorSucceeded
	m.mu.Unlock()

	s := m.content.session
	if s.log != nil {
		s.log.Debugf("%s: content %s payload %s", s.sid, m.content.name, p)
	}
	name := m.content.name
	s.listeners.media.each(func(l MediaListener) { l.MediaEstablished(name, p) })
	cn := m.content
	s.post(func() { s.onMediaEstablished(cn) })
}

func (m *MediaNegotiator) setState(st NegotiatorState) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
}

// description is the wire form: the offer while pending, the chosen
// payload once settled.
func (m *MediaNegotiator) description() *message.Description {
	if p, ok := m.Payload(); ok {
		return &message.Description{Media: m.kind, Payloads: []message.Payload{p}}
	}
	if m.initiating() {
		return &message.Description{Media: m.kind, Payloads: m.Offered()}
	}
	return nil
}

func (m *MediaNegotiator) close() {
	if p, ok := m.Payload(); ok {
		name := m.content.name
		m.content.session.listeners.media.each(func(l MediaListener) { l.MediaClosed(name, p) })
	}
}
