package jingle

import (
	"sync"
	"time"

	"github.com/backkem/jingle/pkg/media"
	"github.com/backkem/jingle/pkg/message"
	"github.com/backkem/jingle/pkg/transport"
	"github.com/pion/logging"
)

// ReasonBusy is the error text sent when a connection already runs a session.
const ReasonBusy = "busy"

// IncomingHandler is called for every new session-initiate. The handler
// must call Accept or Reject on the request; it may do so later from
// another goroutine.
type IncomingHandler func(req *IncomingRequest)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Conn is the signaling connection. Required.
	Conn transport.Conn

	// Registry tracks the connection's session. Default: a new registry.
	Registry *Registry

	// MediaManagers are offered on outgoing sessions and matched against
	// incoming offers.
	MediaManagers []media.Manager

	// Handler decides on incoming sessions. If nil, they are rejected.
	Handler IncomingHandler

	// CheckTimeout bounds each connectivity check of the sessions created.
	CheckTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Manager creates outgoing sessions and hands incoming session-initiate
// requests to a handler.
type Manager struct {
	config      ManagerConfig
	log         logging.LeveledLogger
	cancel      func()
	removeClose func()

	mu     sync.Mutex
	closed bool
}

// NewManager creates a manager and starts listening for session-initiate.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Conn == nil {
		return nil, ErrNoConn
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	m := &Manager{config: config}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("jingle-manager")
	}
	m.cancel = config.Conn.Subscribe(m.isInitiate, m.onInitiate)
	connID := config.Conn.ID()
	m.removeClose = config.Conn.AddCloseListener(transport.CloseListenerFuncs{
		OnClosed:        func() { config.Registry.RemoveConn(connID) },
		OnClosedOnError: func(error) { config.Registry.RemoveConn(connID) },
	})
	return m, nil
}

// Registry returns the registry the manager's sessions are recorded in.
func (m *Manager) Registry() *Registry { return m.config.Registry }

// NewOutgoing creates a session to responder offering every media manager.
// Call StartOutgoing on it after adding listeners.
func (m *Manager) NewOutgoing(responder string) (*Session, error) {
	if m.isClosed() {
		return nil, ErrSessionClosed
	}
	return NewSession(m.sessionConfig(Config{Responder: responder}))
}

// Close stops handling incoming requests. Existing sessions keep running.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.removeClose()
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) sessionConfig(c Config) Config {
	c.Conn = m.config.Conn
	c.Registry = m.config.Registry
	c.MediaManagers = m.config.MediaManagers
	c.CheckTimeout = m.config.CheckTimeout
	c.LoggerFactory = m.config.LoggerFactory
	return c
}

// isInitiate selects session-initiate requests addressed to the local
// identity, full or bare.
func (m *Manager) isInitiate(msg *message.Message) bool {
	if msg.Type != message.TypeRequest || msg.Action != message.ActionSessionInitiate {
		return false
	}
	local := m.config.Conn.LocalIdentity()
	return msg.To == local || msg.To == message.BareIdentity(local)
}

func (m *Manager) onInitiate(msg *message.Message) {
	if m.isClosed() {
		return
	}

	// Redelivered initiates reach the session through its own subscription.
	if s := m.config.Registry.FindBySessionID(msg.SessionID, msg.Initiator); s != nil && !s.IsClosed() {
		return
	}
	if existing := m.config.Registry.Find(m.config.Conn.ID()); existing != nil && !existing.IsClosed() {
		if m.log != nil {
			m.log.Infof("rejecting %s from %s: busy", msg.SessionID, msg.From)
		}
		m.reply(msg, message.ErrorPayload{Condition: message.ConditionNegotiationError, Text: ReasonBusy})
		return
	}

	req := &IncomingRequest{manager: m, msg: msg.Clone()}
	if m.config.Handler == nil {
		req.Reject("no handler")
		return
	}
	if m.log != nil {
		m.log.Debugf("incoming %s from %s", msg.SessionID, msg.From)
	}
	m.config.Handler(req)
}

// reply answers an initiate that no session owns.
func (m *Manager) reply(req *message.Message, payload message.ErrorPayload) error {
	e := message.NewError(req, payload)
	e.From = m.config.Conn.LocalIdentity()
	e.To = req.From
	if err := m.config.Conn.Send(e); err != nil {
		if m.log != nil {
			m.log.Warnf("error reply to %s: %v", req.From, err)
		}
		return err
	}
	return nil
}

// IncomingRequest is a session-initiate awaiting a decision.
type IncomingRequest struct {
	manager *Manager
	msg     *message.Message

	mu      sync.Mutex
	decided bool
}

// From returns the initiator's identity.
func (r *IncomingRequest) From() string { return r.msg.From }

// SessionID returns the offered session id.
func (r *IncomingRequest) SessionID() string { return r.msg.SessionID }

// Contents returns the offered contents.
func (r *IncomingRequest) Contents() []message.Content {
	out := make([]message.Content, len(r.msg.Contents))
	for i, c := range r.msg.Contents {
		out[i] = c.Clone()
	}
	return out
}

// Message returns a copy of the session-initiate.
func (r *IncomingRequest) Message() *message.Message { return r.msg.Clone() }

func (r *IncomingRequest) decide() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decided {
		return false
	}
	r.decided = true
	return true
}

// Accept creates the responder session, registers listeners and answers
// the initiate. Listeners are added before any message is processed.
func (r *IncomingRequest) Accept(listeners ...SessionListener) (*Session, error) {
	if !r.decide() {
		return nil, ErrInvalidState
	}
	s, err := NewSession(r.manager.sessionConfig(Config{
		Initiator: r.msg.Initiator,
		Responder: r.manager.config.Conn.LocalIdentity(),
		SessionID: r.msg.SessionID,
	}))
	if err != nil {
		return nil, err
	}
	for _, l := range listeners {
		s.AddListener(l)
	}
	if err := s.StartIncoming(r.msg); err != nil {
		return s, err
	}
	return s, nil
}

// Reject answers the initiate with an error carrying reason.
func (r *IncomingRequest) Reject(reason string) error {
	if !r.decide() {
		return ErrInvalidState
	}
	return r.manager.reply(r.msg, message.ErrorPayload{Condition: message.ConditionNegotiationError, Text: reason})
}
