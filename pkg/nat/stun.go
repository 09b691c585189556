package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// Default STUN agent timing.
const (
	// DefaultRetransmitInterval is the spacing between binding request
	// retransmissions during a connectivity check.
	DefaultRetransmitInterval = 50 * time.Millisecond

	maxDatagramSize = 1500
)

// Echo is a responder bound to one offered candidate. Closing it releases
// the candidate's socket.
type Echo interface {
	Close() error
}

// Checker answers connectivity checks on offered candidates and probes
// remote candidates.
type Checker interface {
	// Listen starts the echo responder for a local candidate.
	Listen(local Candidate) (Echo, error)

	// Check probes remote from local. It returns nil once remote answered,
	// or an error when ctx ends first.
	Check(ctx context.Context, local, remote Candidate) error

	// Release frees a resolved candidate that never got an echo.
	Release(local Candidate) error
}

// STUNAgentConfig configures a STUNAgent.
type STUNAgentConfig struct {
	// RetransmitInterval is the binding request retransmission interval.
	// Default: DefaultRetransmitInterval
	RetransmitInterval time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// STUNAgent owns the UDP sockets behind local candidates. Each socket
// answers STUN binding requests and carries this side's own checks, so a
// successful check proves the exact pair is reachable.
type STUNAgent struct {
	rto time.Duration
	log logging.LeveledLogger

	mu      sync.Mutex
	sockets map[string]*stunSocket
	closed  bool
}

// NewSTUNAgent creates an agent.
func NewSTUNAgent(config STUNAgentConfig) *STUNAgent {
	a := &STUNAgent{
		rto:     config.RetransmitInterval,
		sockets: make(map[string]*stunSocket),
	}
	if a.rto <= 0 {
		a.rto = DefaultRetransmitInterval
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("stun-echo")
	}
	return a
}

// Allocate binds a fresh UDP socket on ip and returns its host candidate.
// The socket is held until an echo on it is closed or the agent closes.
func (a *STUNAgent) Allocate(ip string) (Candidate, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip)})
	if err != nil {
		return Candidate{}, err
	}
	laddr := conn.LocalAddr().(*net.UDPAddr)
	cand, err := NewHostCandidate(ip, laddr.Port)
	if err != nil {
		conn.Close()
		return Candidate{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		conn.Close()
		return Candidate{}, ErrClosed
	}
	a.sockets[cand.HostPort()] = newSTUNSocket(a, cand.HostPort(), conn)
	return cand, nil
}

// Listen implements Checker. Candidates not created by Allocate get a
// socket bound to their exact address.
func (a *STUNAgent) Listen(local Candidate) (Echo, error) {
	key := local.HostPort()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := a.sockets[key]
	if !ok {
		a.mu.Unlock()
		conn, err := net.ListenUDP("udp", local.UDPAddr())
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		s = newSTUNSocket(a, key, conn)
		a.sockets[key] = s
	}
	if s.serving {
		a.mu.Unlock()
		return nil, ErrEchoExists
	}
	s.serving = true
	a.mu.Unlock()

	if a.log != nil {
		a.log.Debugf("echo listening on %s", key)
	}
	go s.readLoop()
	return s, nil
}

// Release implements Checker. Sockets with a running echo are left to the
// echo's Close.
func (a *STUNAgent) Release(local Candidate) error {
	key := local.HostPort()
	a.mu.Lock()
	s, ok := a.sockets[key]
	if !ok || s.serving {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return s.Close()
}

// Check implements Checker.
func (a *STUNAgent) Check(ctx context.Context, local, remote Candidate) error {
	a.mu.Lock()
	s, ok := a.sockets[local.HostPort()]
	serving := ok && s.serving
	a.mu.Unlock()
	if !serving {
		return ErrNoEcho
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return err
	}
	resp := s.expect(req.TransactionID)
	defer s.forget(req.TransactionID)

	dst := remote.UDPAddr()
	ticker := time.NewTicker(a.rto)
	defer ticker.Stop()

	for {
		if _, err := s.conn.WriteToUDP(req.Raw, dst); err != nil {
			if a.log != nil {
				a.log.Debugf("check %s -> %s write: %v", local.HostPort(), remote.HostPort(), err)
			}
		}
		select {
		case m := <-resp:
			if m.Type != stun.BindingSuccess {
				return fmt.Errorf("%w: %s", ErrUnexpectedResponse, m.Type)
			}
			if a.log != nil {
				a.log.Debugf("check %s -> %s succeeded", local.HostPort(), remote.HostPort())
			}
			return nil
		case <-s.closeCh:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Count returns the number of sockets held by the agent.
func (a *STUNAgent) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sockets)
}

// Close releases every socket.
func (a *STUNAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sockets := make([]*stunSocket, 0, len(a.sockets))
	for _, s := range a.sockets {
		sockets = append(sockets, s)
	}
	a.mu.Unlock()

	for _, s := range sockets {
		s.Close()
	}
	return nil
}

func (a *STUNAgent) release(key string, s *stunSocket) {
	a.mu.Lock()
	if a.sockets[key] == s {
		delete(a.sockets, key)
	}
	a.mu.Unlock()
}

type stunSocket struct {
	agent   *STUNAgent
	key     string
	conn    *net.UDPConn
	closeCh chan struct{}
	serving bool // guarded by agent.mu

	mu      sync.Mutex
	pending map[[stun.TransactionIDSize]byte]chan *stun.Message
	closed  bool
}

func newSTUNSocket(a *STUNAgent, key string, conn *net.UDPConn) *stunSocket {
	return &stunSocket{
		agent:   a,
		key:     key,
		conn:    conn,
		closeCh: make(chan struct{}),
		pending: make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
	}
}

func (s *stunSocket) expect(id [stun.TransactionIDSize]byte) <-chan *stun.Message {
	ch := make(chan *stun.Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *stunSocket) forget(id [stun.TransactionIDSize]byte) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Close implements Echo.
func (s *stunSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()

	s.agent.release(s.key, s)
	if s.agent.log != nil {
		s.agent.log.Debugf("echo on %s closed", s.key)
	}
	return s.conn.Close()
}

func (s *stunSocket) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}

		m := new(stun.Message)
		if err := stun.Decode(buf[:n], m); err != nil {
			continue
		}
		if err := stun.Fingerprint.Check(m); err != nil {
			continue
		}

		switch m.Type {
		case stun.BindingRequest:
			s.answer(m, from)
		default:
			s.mu.Lock()
			ch, ok := s.pending[m.TransactionID]
			s.mu.Unlock()
			if ok {
				select {
				case ch <- m:
				default:
				}
			}
		}
	}
}

func (s *stunSocket) answer(req *stun.Message, from *net.UDPAddr) {
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
		stun.Fingerprint,
	)
	if err != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(resp.Raw, from); err != nil && s.agent.log != nil {
		s.agent.log.Debugf("echo on %s reply failed: %v", s.key, err)
	}
}

// Verify STUNAgent implements Checker.
var _ Checker = (*STUNAgent)(nil)
