package jingle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/jingle/pkg/media"
	"github.com/backkem/jingle/pkg/message"
	"github.com/backkem/jingle/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

const (
	// DefaultCheckTimeout bounds a single connectivity check.
	DefaultCheckTimeout = 5 * time.Second

	// ReasonClosedLocally is the default terminate reason.
	ReasonClosedLocally = "Closed Locally"

	// ReasonClosedRemotely is reported when the peer terminates without a reason.
	ReasonClosedRemotely = "Closed remotely"
)

// NewSessionID returns a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Config configures a Session.
type Config struct {
	// Conn is the signaling connection. Required.
	Conn transport.Conn

	// Registry records the session under its connection. Optional.
	Registry *Registry

	// MediaManagers offer the contents. An outgoing session creates one
	// content per manager; an incoming one matches offered contents by name.
	MediaManagers []media.Manager

	// Initiator is the initiating identity. Default: the local identity.
	Initiator string

	// Responder is the responding identity. Required when the local side
	// initiates; defaults to the local identity otherwise.
	Responder string

	// SessionID identifies the session on the wire. Default: NewSessionID().
	SessionID string

	// CheckTimeout bounds each connectivity check.
	// Default: DefaultCheckTimeout
	CheckTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Session negotiates and runs one multi-content session with a peer.
//
// All inbound messages and negotiator completions are processed one at a
// time on the session's event queue. Listener callbacks run there too.
type Session struct {
	conn          transport.Conn
	registry      *Registry
	local         string
	sid           string
	initiator     string
	role          Role
	mediaManagers []media.Manager
	checkTimeout  time.Duration
	log           logging.LeveledLogger
	ctx           context.Context
	cancel        context.CancelFunc

	serial    serial
	acks      *AckTracker
	listeners listeners
	filter    atomic.Pointer[Filter]

	// Touched only from the event queue.
	initID              string
	negotiatorsStarted  bool
	acceptSent          bool
	cancelSub           func()
	removeCloseListener func()

	mu            sync.RWMutex
	responder     string
	state         State
	contents      []*ContentNegotiator
	mediaSessions map[string]media.Session
	closed        bool
}

// NewSession creates a session in StateUnknown. Call StartOutgoing or
// StartIncoming to begin negotiating.
func NewSession(config Config) (*Session, error) {
	if config.Conn == nil {
		return nil, ErrNoConn
	}

	localID := config.Conn.LocalIdentity()
	initiator := config.Initiator
	if initiator == "" {
		initiator = localID
	}
	responder := config.Responder
	if responder == "" {
		if initiator == localID {
			return nil, ErrNoPeer
		}
		responder = localID
	}

	sid := config.SessionID
	if sid == "" {
		sid = NewSessionID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:          config.Conn,
		registry:      config.Registry,
		local:         localID,
		sid:           sid,
		initiator:     initiator,
		responder:     responder,
		mediaManagers: config.MediaManagers,
		checkTimeout:  config.CheckTimeout,
		ctx:           ctx,
		cancel:        cancel,
		acks:          NewAckTracker(),
		mediaSessions: make(map[string]media.Session),
	}
	if localID == initiator {
		s.role = RoleInitiator
	} else {
		s.role = RoleResponder
	}
	if s.checkTimeout <= 0 {
		s.checkTimeout = DefaultCheckTimeout
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("jingle")
	}
	s.rebuildFilter()

	if s.registry != nil {
		if err := s.registry.Add(s.conn.ID(), s); err != nil {
			cancel()
			return nil, err
		}
	}

	s.removeCloseListener = s.conn.AddCloseListener(transport.CloseListenerFuncs{
		OnClosed:        func() { s.connectionLost(ErrConnectionClosed) },
		OnClosedOnError: func(err error) { s.connectionLost(fmt.Errorf("%w: %w", ErrConnectionClosed, err)) },
	})

	if s.log != nil {
		s.log.Debugf("%s: created as %s (%s -> %s)", s.sid, s.role, s.initiator, s.responder)
	}
	return s, nil
}

// SID returns the session id.
func (s *Session) SID() string { return s.sid }

// Initiator returns the initiating identity.
func (s *Session) Initiator() string { return s.initiator }

// Responder returns the responding identity. It may be refined from a bare
// to a full identity once the peer answers.
func (s *Session) Responder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responder
}

// LocalIdentity returns the identity of the local endpoint.
func (s *Session) LocalIdentity() string { return s.local }

// Peer returns the identity of the remote endpoint.
func (s *Session) Peer() string {
	return s.sessionContext().peer()
}

// Role returns the party this side plays.
func (s *Session) Role() Role { return s.role }

// Conn returns the signaling connection.
func (s *Session) Conn() transport.Conn { return s.conn }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Filter returns the filter currently selecting the session's messages.
func (s *Session) Filter() Filter {
	return *s.filter.Load()
}

// PendingAcks returns the number of sent requests not yet acknowledged.
func (s *Session) PendingAcks() int {
	return s.acks.Count()
}

// Contents returns the content negotiators in creation order.
func (s *Session) Contents() []*ContentNegotiator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ContentNegotiator(nil), s.contents...)
}

// Content returns the content negotiator with the given name.
func (s *Session) Content(name string) *ContentNegotiator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cn := range s.contents {
		if cn.name == name {
			return cn
		}
	}
	return nil
}

// IsFullyEstablished reports whether every content succeeded.
func (s *Session) IsFullyEstablished() bool {
	for _, cn := range s.Contents() {
		if !cn.IsFullyEstablished() {
			return false
		}
	}
	return true
}

// MediaSession returns the running media session of a content.
func (s *Session) MediaSession(name string) (media.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.mediaSessions[name]
	return ms, ok
}

// AddMediaSession records the media session for a content.
func (s *Session) AddMediaSession(name string, ms media.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaSessions[name] = ms
}

// AddListener registers a session listener. The returned function removes it.
func (s *Session) AddListener(l SessionListener) func() {
	return s.listeners.session.add(l)
}

// AddMediaListener registers l for every content's payload negotiation,
// including contents added later.
func (s *Session) AddMediaListener(l MediaListener) func() {
	return s.listeners.media.add(l)
}

// AddTransportListener registers l for every content's transport
// negotiation, including contents added later.
func (s *Session) AddTransportListener(l TransportListener) func() {
	return s.listeners.transport.add(l)
}

// AddContentNegotiator adds a content to the session.
func (s *Session) AddContentNegotiator(cn *ContentNegotiator) error {
	return s.exec(func() error { return s.addContent(cn) })
}

// StartOutgoing sends session-initiate offering one content per media
// manager. Transport negotiation starts once the peer acknowledges it.
func (s *Session) StartOutgoing() error {
	if len(s.mediaManagers) == 0 {
		return ErrNoMediaManagers
	}
	if !s.conn.IsConnected() {
		return ErrNotConnected
	}
	return s.exec(s.startOutgoing)
}

// StartIncoming processes the peer's session-initiate. The session answers
// it and starts negotiating immediately.
func (s *Session) StartIncoming(initiate *message.Message) error {
	if initiate == nil || initiate.Type != message.TypeRequest || initiate.Action != message.ActionSessionInitiate {
		return ErrNotInitiate
	}
	return s.exec(func() error {
		if s.closed {
			return ErrSessionClosed
		}
		if s.state != StateUnknown {
			return ErrInvalidState
		}
		s.subscribe()
		s.process(initiate)
		if s.closed {
			return ErrSessionClosed
		}
		return nil
	})
}

// Terminate sends session-terminate with reason, reports the reason to
// listeners and closes the session. Terminating a closed session does nothing.
func (s *Session) Terminate(reason string) error {
	if reason == "" {
		reason = ReasonClosedLocally
	}
	return s.exec(func() error {
		s.terminate(reason)
		return nil
	})
}

// Close ends the session without notifying the peer.
func (s *Session) Close() error {
	return s.exec(func() error {
		s.close()
		return nil
	})
}

// SendFormatted completes draft from the session's identities and sends it.
// reply is the message being answered, or nil. Requests are recorded as
// awaiting acknowledgment before they are sent.
func (s *Session) SendFormatted(reply, draft *message.Message) error {
	out := complete(draft, s.sessionContext(), reply)
	isRequest := out.Type == message.TypeRequest
	if isRequest {
		s.acks.Add(out.ID)
	}
	if err := s.conn.Send(out); err != nil {
		if isRequest {
			s.acks.Remove(out.ID)
		}
		return err
	}
	return nil
}

// CreateAck builds the result for req, or nil unless req is a request.
func (s *Session) CreateAck(req *message.Message) *message.Message {
	ack := message.NewResult(req)
	if ack != nil {
		ack.From = s.local
	}
	return ack
}

// CreateError builds the error reply for req.
func (s *Session) CreateError(req *message.Message, payload message.ErrorPayload) *message.Message {
	e := message.NewError(req, payload)
	e.From = s.local
	return e
}

// exec runs fn on the event queue. If another goroutine is draining the
// queue, fn is queued behind it and exec returns nil.
func (s *Session) exec(fn func() error) error {
	var err error
	if s.serial.post(func() { err = fn() }) {
		return err
	}
	return nil
}

// post queues fn on the event queue.
func (s *Session) post(fn func()) {
	s.serial.post(fn)
}

func (s *Session) sessionContext() sessionContext {
	return sessionContext{
		local:     s.local,
		sid:       s.sid,
		initiator: s.initiator,
		responder: s.Responder(),
	}
}

func (s *Session) rebuildFilter() {
	f := NewFilter(s.local, s.sid, s.initiator, s.Responder())
	s.filter.Store(&f)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st && s.log != nil {
		s.log.Debugf("%s: %s -> %s", s.sid, prev, st)
	}
}

func (s *Session) subscribe() {
	if s.cancelSub != nil {
		return
	}
	s.cancelSub = s.conn.Subscribe(
		func(m *message.Message) bool { return s.filter.Load().Accept(m) },
		func(m *message.Message) { s.post(func() { s.process(m) }) },
	)
}

func (s *Session) addContent(cn *ContentNegotiator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	for _, existing := range s.contents {
		if existing.name == cn.name {
			return ErrDuplicateContent
		}
	}
	s.contents = append(s.contents, cn)
	return nil
}

func (s *Session) mediaManager(name string) media.Manager {
	for _, m := range s.mediaManagers {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (s *Session) startOutgoing() error {
	if s.closed {
		return ErrSessionClosed
	}
	next, r := transition(s.state, localEvent(eventStartOutgoing))
	if r.invalid || s.role != RoleInitiator {
		return ErrInvalidState
	}

	s.subscribe()
	s.setState(next)

	for _, m := range s.mediaManagers {
		cn, err := NewContentNegotiator(s, message.CreatorInitiator, m)
		if err == nil {
			err = s.addContent(cn)
		}
		if err != nil {
			s.closedOnError(err)
			return err
		}
	}

	draft := message.New(message.ActionSessionInitiate)
	for _, cn := range s.contents {
		draft.Contents = append(draft.Contents, cn.Fragment())
	}
	s.initID = draft.ID

	if s.log != nil {
		s.log.Infof("%s: initiating to %s with %d contents", s.sid, s.Peer(), len(draft.Contents))
	}
	if err := s.SendFormatted(nil, draft); err != nil {
		s.closedOnError(err)
		return err
	}
	return nil
}

// process handles one inbound message.
func (s *Session) process(msg *message.Message) {
	if s.closed {
		return
	}
	s.learnPeer(msg)

	responses, r, err := s.dispatch(msg)
	if err != nil {
		s.abort(msg, err)
		return
	}
	for _, resp := range responses {
		if err := s.SendFormatted(msg, resp); err != nil && s.log != nil {
			s.log.Warnf("%s: reply to %s: %v", s.sid, msg.ID, err)
		}
	}
	if r.closeRemote {
		reason := msg.Reason
		if reason == "" {
			reason = ReasonClosedRemotely
		}
		if s.log != nil {
			s.log.Infof("%s: terminated by peer: %s", s.sid, reason)
		}
		s.notifyClosed(reason)
		s.close()
	}
}

// dispatch routes an inbound message and collects the replies it needs.
func (s *Session) dispatch(msg *message.Message) ([]*message.Message, reaction, error) {
	switch msg.Type {
	case message.TypeError:
		s.handleErrorReply(msg)
		return nil, reaction{}, nil
	case message.TypeResult:
		if err := s.handleResult(msg); err != nil {
			return nil, reaction{}, err
		}
		return nil, reaction{}, nil
	}
	if !msg.IsProtocol() {
		return nil, reaction{}, nil
	}

	next, r := transition(s.state, inbound(msg.Action))
	if r.adopt {
		if err := s.adoptOffer(msg); err != nil {
			return nil, reaction{}, err
		}
	}
	// Ended is entered by close once teardown is done.
	if next != StateEnded {
		s.setState(next)
	}

	var responses []*message.Message
	switch r.reply {
	case replyAck:
		responses = append(responses, s.CreateAck(msg))
	case replyError:
		if s.log != nil {
			s.log.Debugf("%s: %s in state %s: %s", s.sid, msg.Action, s.state, r.condition)
		}
		return []*message.Message{s.CreateError(msg, message.ErrorPayload{Condition: r.condition})}, r, nil
	}
	if next == StateEnded {
		return responses, r, nil
	}

	for i := range msg.Contents {
		frag := &msg.Contents[i]
		cn := s.Content(frag.Name)
		if cn == nil {
			if s.log != nil {
				s.log.Debugf("%s: %s for unknown content %q", s.sid, msg.Action, frag.Name)
			}
			continue
		}
		if err := cn.handle(msg.Action, frag); err != nil {
			return nil, reaction{}, err
		}
	}

	if r.adopt && s.role == RoleResponder {
		if err := s.startNegotiators(); err != nil {
			return nil, reaction{}, err
		}
	}
	return responses, r, nil
}

// handleResult consumes an acknowledgment. The acknowledgment of
// session-initiate starts the initiator's negotiators.
func (s *Session) handleResult(msg *message.Message) error {
	if !s.acks.Remove(msg.ID) {
		return nil
	}
	if msg.ID == s.initID {
		return s.startNegotiators()
	}
	return nil
}

func (s *Session) handleErrorReply(msg *message.Message) {
	payload := message.ErrorPayload{Condition: message.ConditionNegotiationError}
	if msg.Error != nil {
		payload = *msg.Error
	}
	if s.log != nil {
		s.log.Warnf("%s: peer error for %s: %s", s.sid, msg.ID, payload)
	}
	s.listeners.session.each(func(l SessionListener) { l.SessionError(s, payload) })

	s.acks.Remove(msg.ID)
	if msg.ID == s.initID {
		s.closedOnError(fmt.Errorf("%w: %w", ErrSessionRefused, &RemoteError{Payload: payload}))
	}
}

// adoptOffer creates one content negotiator per offered content.
func (s *Session) adoptOffer(msg *message.Message) error {
	if len(msg.Contents) == 0 {
		return negotiationError(message.ConditionUnsupportedContent, "no contents offered")
	}
	for _, frag := range msg.Contents {
		m := s.mediaManager(frag.Name)
		if m == nil {
			return negotiationError(message.ConditionUnsupportedContent, frag.Name)
		}
		cn, err := NewContentNegotiator(s, frag.Creator, m)
		if err != nil {
			return &NegotiationError{
				Payload: &message.ErrorPayload{Condition: message.ConditionUnsupportedTransports, Text: frag.Name},
				Err:     err,
			}
		}
		if err := s.addContent(cn); err != nil {
			return &NegotiationError{
				Payload: &message.ErrorPayload{Condition: message.ConditionMalformedStanza, Text: frag.Name},
				Err:     err,
			}
		}
	}
	return nil
}

func (s *Session) startNegotiators() error {
	if s.negotiatorsStarted {
		return nil
	}
	s.negotiatorsStarted = true
	for _, cn := range s.Contents() {
		if err := cn.start(); err != nil {
			return err
		}
	}
	return nil
}

// learnPeer refines a bare responder identity once the peer answers from
// a full one.
func (s *Session) learnPeer(msg *message.Message) {
	if s.role != RoleInitiator {
		return
	}
	responder := s.Responder()
	if msg.From == responder || !peerMatches(responder, msg.From) {
		return
	}
	s.mu.Lock()
	s.responder = msg.From
	s.mu.Unlock()
	s.rebuildFilter()
	if s.log != nil {
		s.log.Debugf("%s: peer is %s", s.sid, msg.From)
	}
}

// abort answers a failed inbound message and closes the session.
func (s *Session) abort(msg *message.Message, err error) {
	var ne *NegotiationError
	if errors.As(err, &ne) && ne.Payload != nil && msg.Type == message.TypeRequest {
		if sendErr := s.SendFormatted(msg, s.CreateError(msg, *ne.Payload)); sendErr != nil && s.log != nil {
			s.log.Warnf("%s: error reply: %v", s.sid, sendErr)
		}
	}
	s.closedOnError(err)
}

func (s *Session) onMediaEstablished(cn *ContentNegotiator) {
	if s.closed || !s.IsFullyEstablished() {
		return
	}
	if s.state == StatePending {
		s.establish()
		if s.closed {
			return
		}
	}
	s.sendAccept()
}

func (s *Session) onTransportEstablished(cn *ContentNegotiator) {
	if s.closed || !s.IsFullyEstablished() {
		return
	}
	wasPending := s.state == StatePending
	s.establish()
	if wasPending && !s.closed {
		s.sendAccept()
	}
}

// establish moves to Active and starts the media of every succeeded content.
func (s *Session) establish() {
	next, _ := transition(s.state, localEvent(eventEstablished))
	changed := next != s.state
	s.setState(next)

	for _, cn := range s.Contents() {
		if cn.IsFullyEstablished() {
			s.contentEstablished(cn)
			if s.closed {
				return
			}
		}
	}
	if changed {
		if s.log != nil {
			s.log.Infof("%s: established with %s", s.sid, s.Peer())
		}
		s.listeners.session.each(func(l SessionListener) { l.SessionEstablished(s) })
	}
}

func (s *Session) contentEstablished(cn *ContentNegotiator) {
	if cn.established {
		return
	}
	cn.established = true

	payload, _ := cn.media.Payload()
	local, remote, _ := cn.transport.Selected()
	ms, err := cn.manager.CreateSession(payload, local, remote, s.Peer(), s.mediaReceived)
	if err != nil {
		s.closedOnError(fmt.Errorf("jingle: media session for %s: %w", cn.name, err))
		return
	}
	s.AddMediaSession(cn.name, ms)
	if err := ms.Start(); err != nil {
		s.closedOnError(fmt.Errorf("jingle: start media for %s: %w", cn.name, err))
	}
}

func (s *Session) mediaReceived(participant string) {
	s.listeners.session.each(func(l SessionListener) { l.SessionMediaReceived(s, participant) })
}

// sendAccept sends session-accept with every succeeded content, once.
func (s *Session) sendAccept() {
	if s.acceptSent || s.closed {
		return
	}
	s.acceptSent = true

	draft := message.New(message.ActionSessionAccept)
	for _, cn := range s.Contents() {
		if cn.IsFullyEstablished() {
			draft.Contents = append(draft.Contents, cn.Fragment())
		}
	}
	if err := s.SendFormatted(nil, draft); err != nil && s.log != nil {
		s.log.Warnf("%s: session-accept: %v", s.sid, err)
	}
}

func (s *Session) connectionLost(err error) {
	s.post(func() {
		if s.registry != nil {
			s.registry.Remove(s.conn.ID(), s)
		}
		s.closedOnError(err)
	})
}

func (s *Session) terminate(reason string) {
	if s.closed {
		return
	}
	draft := message.New(message.ActionSessionTerminate)
	draft.Reason = reason
	if err := s.SendFormatted(nil, draft); err != nil && s.log != nil {
		s.log.Warnf("%s: session-terminate: %v", s.sid, err)
	}
	s.notifyClosed(reason)
	s.close()
}

func (s *Session) notifyClosed(reason string) {
	s.listeners.session.each(func(l SessionListener) { l.SessionClosed(s, reason) })
}

// closedOnError releases media and echoes, reports err and closes.
func (s *Session) closedOnError(err error) {
	if s.closed {
		return
	}
	if s.log != nil {
		s.log.Warnf("%s: closing on error: %v", s.sid, err)
	}
	s.stopMedia()
	s.closeNegotiators()
	s.listeners.session.each(func(l SessionListener) { l.SessionClosedOnError(s, err) })
	s.close()
}

// close releases everything the session holds. It runs once.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stopMedia()
	s.closeNegotiators()
	if s.cancelSub != nil {
		s.cancelSub()
	}
	if s.removeCloseListener != nil {
		s.removeCloseListener()
	}
	if s.registry != nil {
		s.registry.Remove(s.conn.ID(), s)
	}
	s.acks.Clear()
	s.cancel()
	s.setState(StateEnded)

	if s.log != nil {
		s.log.Debugf("%s: closed", s.sid)
	}
}

func (s *Session) stopMedia() {
	s.mu.Lock()
	sessions := s.mediaSessions
	s.mediaSessions = make(map[string]media.Session)
	s.mu.Unlock()

	for name, ms := range sessions {
		if err := ms.Stop(); err != nil && s.log != nil {
			s.log.Warnf("%s: stop media %s: %v", s.sid, name, err)
		}
	}
}

func (s *Session) closeNegotiators() {
	for _, cn := range s.Contents() {
		cn.close()
	}
}
