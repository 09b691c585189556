package media

import (
	"sync"

	"github.com/backkem/jingle/pkg/message"
	"github.com/backkem/jingle/pkg/nat"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// ReceiveFunc is called when media from participant starts flowing.
type ReceiveFunc func(participant string)

// Manager offers one content's media capabilities.
type Manager interface {
	// Name is the content name the manager negotiates.
	Name() string

	// Kind is the media kind ("audio" or "video").
	Kind() string

	// Payloads lists supported payloads in preference order.
	Payloads() []message.Payload

	// TransportManager resolves the candidates for this content.
	TransportManager() nat.Manager

	// CreateSession builds the media session for an established content.
	CreateSession(payload message.Payload, local, remote nat.Candidate, participant string, onReceive ReceiveFunc) (Session, error)
}

// Session is a running media stream.
type Session interface {
	Start() error
	Stop() error
	Payload() message.Payload
}

// StaticManagerConfig configures a StaticManager.
type StaticManagerConfig struct {
	// Name is the content name. Default: Kind.
	Name string

	// Kind is "audio" or "video". Required.
	Kind string

	// Payloads in preference order. Default: the kind's catalog.
	Payloads []message.Payload

	// Transport resolves candidates. Required.
	Transport nat.Manager

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// StaticManager offers a fixed payload list and creates in-process
// media sessions.
type StaticManager struct {
	config StaticManagerConfig
	log    logging.LeveledLogger
}

// NewStaticManager creates a manager.
func NewStaticManager(config StaticManagerConfig) *StaticManager {
	if config.Name == "" {
		config.Name = config.Kind
	}
	if len(config.Payloads) == 0 {
		switch config.Kind {
		case KindAudio:
			config.Payloads = Payloads(DefaultAudioCodecs())
		case KindVideo:
			config.Payloads = Payloads(DefaultVideoCodecs())
		}
	}
	m := &StaticManager{config: config}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("media")
	}
	return m
}

// Name implements Manager.
func (m *StaticManager) Name() string { return m.config.Name }

// Kind implements Manager.
func (m *StaticManager) Kind() string { return m.config.Kind }

// Payloads implements Manager.
func (m *StaticManager) Payloads() []message.Payload {
	return append([]message.Payload(nil), m.config.Payloads...)
}

// TransportManager implements Manager.
func (m *StaticManager) TransportManager() nat.Manager { return m.config.Transport }

// CreateSession implements Manager.
func (m *StaticManager) CreateSession(payload message.Payload, local, remote nat.Candidate, participant string, onReceive ReceiveFunc) (Session, error) {
	if !Contains(m.config.Payloads, payload) {
		return nil, ErrUnsupportedPayload
	}
	if m.log != nil {
		m.log.Infof("%s session %s %s <-> %s", m.config.Name, payload, local.HostPort(), remote.HostPort())
	}
	return &LocalSession{
		payload:     payload,
		codec:       ToCodec(m.config.Kind, payload),
		participant: participant,
		onReceive:   onReceive,
	}, nil
}

// LocalSession is an in-process media session. Starting it reports the
// participant's media as received.
type LocalSession struct {
	payload     message.Payload
	codec       webrtc.RTPCodecParameters
	participant string
	onReceive   ReceiveFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// Start implements Session.
func (s *LocalSession) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.onReceive != nil {
		s.onReceive(s.participant)
	}
	return nil
}

// Stop implements Session.
func (s *LocalSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Payload implements Session.
func (s *LocalSession) Payload() message.Payload { return s.payload }

// Codec returns the RTP codec parameters of the negotiated payload.
func (s *LocalSession) Codec() webrtc.RTPCodecParameters { return s.codec }

// Running reports whether the session was started and not yet stopped.
func (s *LocalSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}
