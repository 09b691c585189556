package jingle

import (
	"sync"

	"github.com/backkem/jingle/pkg/message"
	"github.com/backkem/jingle/pkg/nat"
)

// SessionListener is notified of session lifecycle events. Callbacks run on
// the session's event goroutine; they may call back into the session, and
// such calls are queued behind the current event.
type SessionListener interface {
	// SessionEstablished is called when every content is established.
	SessionEstablished(s *Session)

	// SessionClosed is called on an orderly close with the reason given by
	// whichever side terminated.
	SessionClosed(s *Session, reason string)

	// SessionClosedOnError is called when negotiation failed or the
	// connection was lost.
	SessionClosedOnError(s *Session, err error)

	// SessionError is called for every error reply the peer sends.
	SessionError(s *Session, payload message.ErrorPayload)

	// SessionMediaReceived is called when media from participant arrives.
	SessionMediaReceived(s *Session, participant string)
}

// MediaListener is notified when a content's payload negotiation settles.
type MediaListener interface {
	MediaEstablished(content string, payload message.Payload)
	MediaClosed(content string, payload message.Payload)
}

// TransportListener is notified of a content's connectivity.
type TransportListener interface {
	TransportEstablished(content string, local, remote nat.Candidate)
	TransportClosed(content string)
	TransportClosedOnError(content string, err error)
}

// SessionListenerFuncs adapts functions to SessionListener. Nil fields are
// ignored.
type SessionListenerFuncs struct {
	OnEstablished   func(s *Session)
	OnClosed        func(s *Session, reason string)
	OnClosedOnError func(s *Session, err error)
	OnError         func(s *Session, payload message.ErrorPayload)
	OnMediaReceived func(s *Session, participant string)
}

func (f SessionListenerFuncs) SessionEstablished(s *Session) {
	if f.OnEstablished != nil {
		f.OnEstablished(s)
	}
}

func (f SessionListenerFuncs) SessionClosed(s *Session, reason string) {
	if f.OnClosed != nil {
		f.OnClosed(s, reason)
	}
}

func (f SessionListenerFuncs) SessionClosedOnError(s *Session, err error) {
	if f.OnClosedOnError != nil {
		f.OnClosedOnError(s, err)
	}
}

func (f SessionListenerFuncs) SessionError(s *Session, payload message.ErrorPayload) {
	if f.OnError != nil {
		f.OnError(s, payload)
	}
}

func (f SessionListenerFuncs) SessionMediaReceived(s *Session, participant string) {
	if f.OnMediaReceived != nil {
		f.OnMediaReceived(s, participant)
	}
}

// MediaListenerFuncs adapts functions to MediaListener.
type MediaListenerFuncs struct {
	OnEstablished func(content string, payload message.Payload)
	OnClosed      func(content string, payload message.Payload)
}

func (f MediaListenerFuncs) MediaEstablished(content string, payload message.Payload) {
	if f.OnEstablished != nil {
		f.OnEstablished(content, payload)
	}
}

func (f MediaListenerFuncs) MediaClosed(content string, payload message.Payload) {
	if f.OnClosed != nil {
		f.OnClosed(content, payload)
	}
}

// TransportListenerFuncs adapts functions to TransportListener.
type TransportListenerFuncs struct {
	OnEstablished   func(content string, local, remote nat.Candidate)
	OnClosed        func(content string)
	OnClosedOnError func(content string, err error)
}

func (f TransportListenerFuncs) TransportEstablished(content string, local, remote nat.Candidate) {
	if f.OnEstablished != nil {
		f.OnEstablished(content, local, remote)
	}
}

func (f TransportListenerFuncs) TransportClosed(content string) {
	if f.OnClosed != nil {
		f.OnClosed(content)
	}
}

func (f TransportListenerFuncs) TransportClosedOnError(content string, err error) {
	if f.OnClosedOnError != nil {
		f.OnClosedOnError(content, err)
	}
}

// listenerList is an ordered, concurrently modifiable list of listeners of
// one category. Notification iterates over a snapshot.
type listenerList[L any] struct {
	mu    sync.Mutex
	next  uint64
	items []listenerEntry[L]
}

type listenerEntry[L any] struct {
	id uint64
	l  L
}

func (ll *listenerList[L]) add(l L) func() {
	ll.mu.Lock()
	ll.next++
	id := ll.next
	ll.items = append(ll.items, listenerEntry[L]{id: id, l: l})
	ll.mu.Unlock()

	return func() {
		ll.mu.Lock()
		defer ll.mu.Unlock()
		for i, e := range ll.items {
			if e.id == id {
				ll.items = append(ll.items[:i:i], ll.items[i+1:]...)
				return
			}
		}
	}
}

func (ll *listenerList[L]) snapshot() []L {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	out := make([]L, len(ll.items))
	for i, e := range ll.items {
		out[i] = e.l
	}
	return out
}

func (ll *listenerList[L]) each(fn func(L)) {
	for _, l := range ll.snapshot() {
		fn(l)
	}
}

// listeners groups a session's typed listener lists.
type listeners struct {
	session   listenerList[SessionListener]
	media     listenerList[MediaListener]
	transport listenerList[TransportListener]
}
