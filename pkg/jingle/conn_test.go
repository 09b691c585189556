package jingle

import (
	"sync"
	"testing"
	"time"

	"github.com/backkem/jingle/pkg/media"
	"github.com/backkem/jingle/pkg/message"
	"github.com/backkem/jingle/pkg/nat"
	"github.com/backkem/jingle/pkg/transport"
)

// fakeConn records sent messages and delivers inbound ones synchronously.
type fakeConn struct {
	id       string
	identity string

	mu        sync.Mutex
	sent      []*message.Message
	subs      map[int]fakeSub
	order     []int
	listeners map[int]transport.CloseListener
	nextID    int
	closed    bool
	sendErr   error
}

type fakeSub struct {
	filter  transport.Filter
	handler transport.Handler
}

func newFakeConn(id, identity string) *fakeConn {
	return &fakeConn{
		id:        id,
		identity:  identity,
		subs:      make(map[int]fakeSub),
		listeners: make(map[int]transport.CloseListener),
	}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) LocalIdentity() string { return c.identity }

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Send(msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg.Clone())
	return nil
}

func (c *fakeConn) Subscribe(filter transport.Filter, handler transport.Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fakeSub{filter: filter, handler: handler}
	c.order = append(c.order, id)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) AddCloseListener(l transport.CloseListener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// deliver runs every matching subscription on the calling goroutine.
func (c *fakeConn) deliver(msg *message.Message) {
	c.mu.Lock()
	var handlers []transport.Handler
	for _, id := range c.order {
		sub, ok := c.subs[id]
		if ok && sub.filter(msg) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (c *fakeConn) closeWith(err error) {
	c.mu.Lock()
	c.closed = true
	var listeners []transport.CloseListener
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		if err != nil {
			l.ConnectionClosedOnError(err)
		} else {
			l.ConnectionClosed()
		}
	}
}

func (c *fakeConn) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeConn) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *fakeConn) messages() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Message(nil), c.sent...)
}

// sentAction returns the sent requests carrying action.
func (c *fakeConn) sentAction(action message.Action) []*message.Message {
	var out []*message.Message
	for _, m := range c.messages() {
		if m.Type == message.TypeRequest && m.Action == action {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) sentType(typ message.Type) []*message.Message {
	var out []*message.Message
	for _, m := range c.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder is a SessionListener counting callbacks.
type recorder struct {
	mu            sync.Mutex
	established   int
	closed        []string
	closedOnError []error
	errors        []message.ErrorPayload
	received      []string
}

func (r *recorder) SessionEstablished(*Session) {
	r.mu.Lock()
	r.established++
	r.mu.Unlock()
}

func (r *recorder) SessionClosed(_ *Session, reason string) {
	r.mu.Lock()
	r.closed = append(r.closed, reason)
	r.mu.Unlock()
}

func (r *recorder) SessionClosedOnError(_ *Session, err error) {
	r.mu.Lock()
	r.closedOnError = append(r.closedOnError, err)
	r.mu.Unlock()
}

func (r *recorder) SessionError(_ *Session, payload message.ErrorPayload) {
	r.mu.Lock()
	r.errors = append(r.errors, payload)
	r.mu.Unlock()
}

func (r *recorder) SessionMediaReceived(_ *Session, participant string) {
	r.mu.Lock()
	r.received = append(r.received, participant)
	r.mu.Unlock()
}

func (r *recorder) counts() (established, closed, closedOnError int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.established, len(r.closed), len(r.closedOnError)
}

const (
	aliceID = "alice@example.com/a"
	bobID   = "bob@example.com/b"
)

// testManagers returns media managers for kinds sharing one memory
// transport manager.
func testManagers(kind nat.Kind, firstPort int, network *nat.MemoryNetwork, kinds ...string) []media.Manager {
	tm := nat.NewMemoryManager(kind, "127.0.0.1", firstPort, 1, network)
	var out []media.Manager
	for _, k := range kinds {
		out = append(out, media.NewStaticManager(media.StaticManagerConfig{Kind: k, Transport: tm}))
	}
	return out
}

// peerCandidate returns a marshaled candidate for the fake peer.
func peerCandidate(t *testing.T, port int) string {
	t.Helper()
	c, err := nat.NewHostCandidate("127.0.0.1", port)
	if err != nil {
		t.Fatalf("NewHostCandidate() error = %v", err)
	}
	return c.Marshal()
}

// fromPeer builds a request from bob to alice in session s.
func fromPeer(s *Session, action message.Action, contents ...message.Content) *message.Message {
	m := message.New(action)
	m.From = s.Peer()
	m.To = s.LocalIdentity()
	m.SessionID = s.SID()
	m.Initiator = s.Initiator()
	m.Responder = s.Responder()
	m.Contents = contents
	return m
}

// ackOf builds the peer's result for a request s sent.
func ackOf(req *message.Message) *message.Message {
	ack := message.NewResult(req)
	return ack
}

// waitIdle waits until the session's event queue has drained.
func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	waitFor(t, "session idle", s.serial.idle)
}
