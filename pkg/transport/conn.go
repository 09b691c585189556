// Package transport defines the signaling channel a session runs over and
// provides an in-memory implementation for tests and loopback tools.
//
// A Conn delivers whole messages. Inbound messages are handed to
// subscribers whose filter accepts them; subscribers are called on the
// connection's read goroutine in arrival order.
package transport

import "github.com/backkem/jingle/pkg/message"

// Handler receives an inbound message accepted by its filter.
type Handler func(msg *message.Message)

// Filter decides whether a subscriber wants a message.
type Filter func(msg *message.Message) bool

// AcceptAll is a Filter that accepts every message.
func AcceptAll(*message.Message) bool { return true }

// CloseListener is notified when a connection goes away.
type CloseListener interface {
	// ConnectionClosed is called after an orderly local close.
	ConnectionClosed()

	// ConnectionClosedOnError is called when the connection is lost.
	ConnectionClosedOnError(err error)
}

// CloseListenerFuncs adapts plain functions to CloseListener.
// Nil fields are ignored.
type CloseListenerFuncs struct {
	OnClosed        func()
	OnClosedOnError func(err error)
}

// ConnectionClosed implements CloseListener.
func (f CloseListenerFuncs) ConnectionClosed() {
	if f.OnClosed != nil {
		f.OnClosed()
	}
}

// ConnectionClosedOnError implements CloseListener.
func (f CloseListenerFuncs) ConnectionClosedOnError(err error) {
	if f.OnClosedOnError != nil {
		f.OnClosedOnError(err)
	}
}

// Conn is an authenticated signaling connection bound to a local identity.
type Conn interface {
	// ID uniquely identifies the connection within the process.
	ID() string

	// LocalIdentity is the address other endpoints use to reach us.
	LocalIdentity() string

	// IsConnected reports whether messages can still be sent.
	IsConnected() bool

	// Send writes a message to the channel.
	Send(msg *message.Message) error

	// Subscribe registers handler for messages accepted by filter.
	// The returned function removes the subscription; it is safe to call
	// more than once.
	Subscribe(filter Filter, handler Handler) (cancel func())

	// AddCloseListener registers l for close notifications.
	// The returned function removes the listener.
	AddCloseListener(l CloseListener) (remove func())
}
