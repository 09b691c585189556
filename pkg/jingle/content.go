package jingle

import (
	"fmt"

	"github.com/backkem/jingle/pkg/media"
	"github.com/backkem/jingle/pkg/message"
)

// NegotiatorState is the progress of a content or one of its
// sub-negotiators.
type NegotiatorState int

const (
	NegotiatorPending NegotiatorState = iota
	NegotiatorActive
	NegotiatorSucceeded
	NegotiatorFailed
)

// String returns a human-readable state name.
func (s NegotiatorState) String() string {
	switch s {
	case NegotiatorPending:
		return "Pending"
	case NegotiatorActive:
		return "Active"
	case NegotiatorSucceeded:
		return "Succeeded"
	case NegotiatorFailed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// ContentNegotiator drives one named content: its payload negotiation and
// its transport negotiation. It succeeds when both succeed.
type ContentNegotiator struct {
	session   *Session
	name      string
	creator   message.Creator
	manager   media.Manager
	media     *MediaNegotiator
	transport *TransportNegotiator

	// Touched only from the session's event goroutine.
	started     bool
	established bool
	closed      bool
}

// NewContentNegotiator creates the negotiator for the content offered by
// manager. The transport strategy follows the kind of the resolver the
// manager's transport manager hands out for this session.
func NewContentNegotiator(s *Session, creator message.Creator, manager media.Manager) (*ContentNegotiator, error) {
	tm := manager.TransportManager()
	if tm == nil {
		return nil, fmt.Errorf("jingle: content %q has no transport manager", manager.Name())
	}
	resolver, err := tm.Resolver(s.SID())
	if err != nil {
		return nil, fmt.Errorf("jingle: content %q resolver: %w", manager.Name(), err)
	}

	cn := &ContentNegotiator{
		session: s,
		name:    manager.Name(),
		creator: creator,
		manager: manager,
	}
	cn.media = newMediaNegotiator(cn, manager.Kind(), manager.Payloads())
	cn.transport = newTransportNegotiator(cn, resolver, tm.Checker())
	return cn, nil
}

// Name returns the content name.
func (cn *ContentNegotiator) Name() string { return cn.name }

// Creator returns the party that created the content.
func (cn *ContentNegotiator) Creator() message.Creator { return cn.creator }

// Media returns the payload negotiator.
func (cn *ContentNegotiator) Media() *MediaNegotiator { return cn.media }

// Transport returns the transport negotiator.
func (cn *ContentNegotiator) Transport() *TransportNegotiator { return cn.transport }

// IsFullyEstablished reports whether both sub-negotiations succeeded.
func (cn *ContentNegotiator) IsFullyEstablished() bool {
	return cn.media.State() == NegotiatorSucceeded && cn.transport.State() == NegotiatorSucceeded
}

// State returns the aggregate state of the content.
func (cn *ContentNegotiator) State() NegotiatorState {
	ms, ts := cn.media.State(), cn.transport.State()
	switch {
	case ms == NegotiatorFailed || ts == NegotiatorFailed:
		return NegotiatorFailed
	case ms == NegotiatorSucceeded && ts == NegotiatorSucceeded:
		return NegotiatorSucceeded
	case ts == NegotiatorActive:
		return NegotiatorActive
	}
	return NegotiatorPending
}

// Fragment returns the content's current wire form.
func (cn *ContentNegotiator) Fragment() message.Content {
	return message.Content{
		Creator:     cn.creator,
		Name:        cn.name,
		Description: cn.media.description(),
		Transport:   cn.transport.fragment(),
	}
}

// start begins both sub-negotiations once.
func (cn *ContentNegotiator) start() error {
	if cn.started || cn.closed {
		return nil
	}
	cn.started = true
	if err := cn.media.start(); err != nil {
		return err
	}
	cn.transport.start()
	return nil
}

// handle feeds the content's fragment of an inbound message to both
// sub-negotiators.
func (cn *ContentNegotiator) handle(action message.Action, frag *message.Content) error {
	if cn.closed {
		return nil
	}
	if err := cn.media.handle(action, frag); err != nil {
		return err
	}
	return cn.transport.handle(action, frag)
}

func (cn *ContentNegotiator) close() {
	if cn.closed {
		return
	}
	cn.closed = true
	cn.media.close()
	cn.transport.close()
}
