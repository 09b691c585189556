package jingle

import (
	"time"

	"github.com/backkem/jingle/pkg/media"
	"github.com/backkem/jingle/pkg/nat"
	"github.com/backkem/jingle/pkg/transport"
	"github.com/pion/logging"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// TestPair provides two Managers connected through a transport.Pipe, each
// offering an audio and a video content over an in-memory candidate
// network. Incoming sessions are accepted automatically and delivered on
// Incoming.
//
// Usage:
//
//	pair, _ := jingle.NewTestPair(jingle.TestPairConfig{})
//	defer pair.Close()
//
//	s, _ := pair.Manager(0).NewOutgoing(pair.Identity(1))
//	s.StartOutgoing()
//	remote := <-pair.Incoming(1)
type TestPair struct {
	pipe     *transport.Pipe
	network  *nat.MemoryNetwork
	managers [2]*Manager
	incoming [2]chan *Session
	requests [2]chan *IncomingRequest
}

// TestPairConfig configures the test pair.
type TestPairConfig struct {
	// Identities of the two endpoints.
	// Default: "alice@example.com/a", "bob@example.com/b"
	Identities [2]string

	// Kind selects the transport strategy. Default: nat.KindDirect
	Kind nat.Kind

	// Candidates per content for candidate checking. Default: 2
	Candidates int

	// MediaKinds lists the contents both sides offer.
	// Default: audio and video.
	MediaKinds []string

	// Listeners are added to every accepted incoming session.
	Listeners []SessionListener

	// Manual disables automatic accept; the handler then only queues the
	// request on Requests.
	Manual bool

	// CheckTimeout bounds each connectivity check. Default: 200ms
	CheckTimeout time.Duration

	// LoggerFactory is passed to every component.
	LoggerFactory logging.LoggerFactory
}

// NewTestPair creates the pair.
func NewTestPair(config TestPairConfig) (*TestPair, error) {
	if config.Identities[0] == "" {
		config.Identities[0] = "alice@example.com/a"
	}
	if config.Identities[1] == "" {
		config.Identities[1] = "bob@example.com/b"
	}
	if config.Kind == "" {
		config.Kind = nat.KindDirect
	}
	if config.Candidates <= 0 {
		config.Candidates = 2
	}
	if len(config.MediaKinds) == 0 {
		config.MediaKinds = []string{media.KindAudio, media.KindVideo}
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 200 * time.Millisecond
	}

	pipeConfig := transport.DefaultPipeConfig(config.Identities[0], config.Identities[1])
	pipeConfig.LoggerFactory = config.LoggerFactory

	pair := &TestPair{
		pipe:    transport.NewPipeWithConfig(pipeConfig),
		network: nat.NewMemoryNetwork(),
		incoming: [2]chan *Session{
			make(chan *Session, 16),
			make(chan *Session, 16),
		},
	}
	pair.requests = [2]chan *IncomingRequest{
		make(chan *IncomingRequest, 16),
		make(chan *IncomingRequest, 16),
	}

	for i := 0; i < 2; i++ {
		idx := i
		// Each side allocates from its own port range.
		transportManager := nat.NewMemoryManager(config.Kind, "127.0.0.1", 10000*(idx+1), config.Candidates, pair.network)

		var managers []media.Manager
		for _, kind := range config.MediaKinds {
			managers = append(managers, media.NewStaticManager(media.StaticManagerConfig{
				Kind:          kind,
				Transport:     transportManager,
				LoggerFactory: config.LoggerFactory,
			}))
		}

		handler := func(req *IncomingRequest) {
			if config.Manual {
				pair.requests[idx] <- req
				return
			}
			s, err := req.Accept(config.Listeners...)
			if err == nil {
				pair.incoming[idx] <- s
			}
		}

		m, err := NewManager(ManagerConfig{
			Conn:          pair.pipe.Conn(idx),
			MediaManagers: managers,
			Handler:       handler,
			CheckTimeout:  config.CheckTimeout,
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			pair.pipe.Close()
			return nil, err
		}
		pair.managers[idx] = m
	}
	return pair, nil
}

// Manager returns the manager at index 0 or 1.
func (p *TestPair) Manager(idx int) *Manager { return p.managers[idx] }

// Identity returns the endpoint identity at index 0 or 1.
func (p *TestPair) Identity(idx int) string {
	return p.pipe.Conn(idx).LocalIdentity()
}

// Pipe returns the signaling pipe.
func (p *TestPair) Pipe() *transport.Pipe { return p.pipe }

// Network returns the in-memory candidate network.
func (p *TestPair) Network() *nat.MemoryNetwork { return p.network }

// Incoming returns the channel of sessions accepted at index idx.
func (p *TestPair) Incoming(idx int) <-chan *Session { return p.incoming[idx] }

// Requests returns the channel of requests queued at index idx in manual mode.
func (p *TestPair) Requests(idx int) <-chan *IncomingRequest { return p.requests[idx] }

// Close closes the managers and the pipe.
func (p *TestPair) Close() error {
	for _, m := range p.managers {
		if m != nil {
			m.Close()
		}
	}
	return p.pipe.Close()
}
