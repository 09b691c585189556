// Package jingle implements peer-to-peer session negotiation.
//
// A Session negotiates one or more named contents with a single peer over a
// signaling connection (transport.Conn). Each content settles two things
// independently: a media payload type (MediaNegotiator) and a transport
// candidate pair (TransportNegotiator). The session is established when
// every content has both.
//
// Flow for an outgoing session:
//  1. StartOutgoing sends session-initiate offering one content per media
//     manager, with the local payload list.
//  2. The peer acknowledges. Both sides resolve candidates, open an echo on
//     each and advertise them in transport-info.
//  3. The initiator selects a pair (directly, or by connectivity checks) and
//     announces it in transport-accept.
//  4. Once all contents are established the responder sends session-accept
//     carrying the chosen payloads; the initiator then establishes too.
//  5. Either side ends the session with session-terminate.
//
// Key concepts:
//   - State: Unknown -> Pending -> Active -> Ended (see transition)
//   - Filter: selects the inbound messages belonging to a session
//   - AckTracker: outgoing requests waiting for a result
//   - Registry: at most one live session per connection
//   - Manager: hands incoming session-initiate requests to an application
//     handler and creates outgoing sessions
//
// All inbound messages and negotiator completions of a session run one at a
// time on its event queue, in arrival order. Listener callbacks run there as
// well and must not block.
package jingle
