package jingle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backkem/jingle/pkg/media"
	"github.com/backkem/jingle/pkg/message"
	"github.com/backkem/jingle/pkg/nat"
)

func TestNewSessionDefaults(t *testing.T) {
	if _, err := NewSession(Config{}); !errors.Is(err, ErrNoConn) {
		t.Errorf("NewSession(no conn) error = %v, want ErrNoConn", err)
	}
	if _, err := NewSession(Config{Conn: newFakeConn("c", aliceID)}); !errors.Is(err, ErrNoPeer) {
		t.Errorf("NewSession(no responder) error = %v, want ErrNoPeer", err)
	}

	out, err := NewSession(Config{Conn: newFakeConn("c", aliceID), Responder: bobID})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if out.Role() != RoleInitiator || out.Initiator() != aliceID {
		t.Errorf("outgoing role = %v initiator = %q", out.Role(), out.Initiator())
	}
	if out.SID() == "" {
		t.Error("SID should default to a generated id")
	}
	if out.State() != StateUnknown {
		t.Errorf("State() = %v, want Unknown", out.State())
	}
	if !out.IsFullyEstablished() {
		t.Error("a session without contents is fully established")
	}

	// One pending content is enough to flip it.
	audio := testManagers(nat.KindDirect, 10000, nat.NewMemoryNetwork(), media.KindAudio)[0]
	cn, err := NewContentNegotiator(out, message.CreatorInitiator, audio)
	if err != nil {
		t.Fatalf("NewContentNegotiator() error = %v", err)
	}
	if err := out.AddContentNegotiator(cn); err != nil {
		t.Fatalf("AddContentNegotiator() error = %v", err)
	}
	if out.IsFullyEstablished() {
		t.Error("IsFullyEstablished() = true with a pending content")
	}
	if err := out.AddContentNegotiator(cn); !errors.Is(err, ErrDuplicateContent) {
		t.Errorf("AddContentNegotiator(duplicate) error = %v, want ErrDuplicateContent", err)
	}

	in, err := NewSession(Config{Conn: newFakeConn("c", bobID), Initiator: aliceID, SessionID: "sid"})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if in.Role() != RoleResponder || in.Responder() != bobID || in.Peer() != aliceID {
		t.Errorf("incoming role = %v responder = %q peer = %q", in.Role(), in.Responder(), in.Peer())
	}
}

func TestStartOutgoingPreconditions(t *testing.T) {
	network := nat.NewMemoryNetwork()

	s, _ := NewSession(Config{Conn: newFakeConn("c", aliceID), Responder: bobID})
	if err := s.StartOutgoing(); !errors.Is(err, ErrNoMediaManagers) {
		t.Errorf("StartOutgoing(no media) error = %v, want ErrNoMediaManagers", err)
	}

	conn := newFakeConn("c", aliceID)
	conn.closed = true
	s, _ = NewSession(Config{Conn: conn, Responder: bobID, MediaManagers: testManagers(nat.KindDirect, 10000, network, media.KindAudio)})
	if err := s.StartOutgoing(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartOutgoing(disconnected) error = %v, want ErrNotConnected", err)
	}

	s, _ = NewSession(Config{Conn: newFakeConn("c", bobID), Initiator: aliceID, MediaManagers: testManagers(nat.KindDirect, 10100, network, media.KindAudio)})
	if err := s.StartOutgoing(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("StartOutgoing(responder) error = %v, want ErrInvalidState", err)
	}

	s, _ = NewSession(Config{Conn: newFakeConn("c", aliceID), Responder: bobID, MediaManagers: testManagers(nat.KindDirect, 10200, network, media.KindAudio)})
	if err := s.StartOutgoing(); err != nil {
		t.Fatalf("StartOutgoing() error = %v", err)
	}
	if err := s.StartOutgoing(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second StartOutgoing() error = %v, want ErrInvalidState", err)
	}
}

// startOutgoing starts an initiator with audio and video and returns the
// sent session-initiate.
func startOutgoing(t *testing.T, rec *recorder) (*Session, *fakeConn, *message.Message) {
	t.Helper()
	conn := newFakeConn("c", aliceID)
	s, err := NewSession(Config{
		Conn:          conn,
		Responder:     bobID,
		MediaManagers: testManagers(nat.KindDirect, 10000, nat.NewMemoryNetwork(), media.KindAudio, media.KindVideo),
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if rec != nil {
		s.AddListener(rec)
	}
	if err := s.StartOutgoing(); err != nil {
		t.Fatalf("StartOutgoing() error = %v", err)
	}
	initiates := conn.sentAction(message.ActionSessionInitiate)
	if len(initiates) != 1 {
		t.Fatalf("sent %d session-initiate, want 1", len(initiates))
	}
	return s, conn, initiates[0]
}

func TestOutgoingSendsInitiate(t *testing.T) {
	s, conn, initiate := startOutgoing(t, nil)

	if initiate.To != bobID || initiate.From != aliceID {
		t.Errorf("initiate To/From = %q/%q", initiate.To, initiate.From)
	}
	if initiate.SessionID != s.SID() || initiate.Initiator != aliceID || initiate.Responder != bobID {
		t.Errorf("initiate session fields = %q %q %q", initiate.SessionID, initiate.Initiator, initiate.Responder)
	}
	if len(initiate.Contents) != 2 || initiate.Contents[0].Name != "audio" || initiate.Contents[1].Name != "video" {
		t.Fatalf("initiate contents = %+v", initiate.Contents)
	}
	desc := initiate.Contents[0].Description
	if desc == nil || len(desc.Payloads) != len(media.DefaultAudioCodecs()) {
		t.Errorf("audio offer = %+v, want the audio catalog", desc)
	}
	if s.State() != StatePending {
		t.Errorf("State() = %v, want Pending", s.State())
	}
	if s.PendingAcks() != 1 {
		t.Errorf("PendingAcks() = %d, want 1", s.PendingAcks())
	}

	// Negotiators wait for the acknowledgment.
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.sentAction(message.ActionTransportInfo)); n != 0 {
		t.Errorf("transport-info before ack = %d, want 0", n)
	}

	conn.deliver(ackOf(initiate))
	waitIdle(t, s)
	waitFor(t, "transport-info", func() bool {
		return len(conn.sentAction(message.ActionTransportInfo)) == 2
	})

	// A duplicate acknowledgment does not restart anything.
	conn.deliver(ackOf(initiate))
	waitIdle(t, s)
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.sentAction(message.ActionTransportInfo)); n != 2 {
		t.Errorf("transport-info after duplicate ack = %d, want 2", n)
	}
}

func TestOutgoingMixedTransportKinds(t *testing.T) {
	network := nat.NewMemoryNetwork()
	managers := append(
		testManagers(nat.KindCandidateChecking, 10000, network, media.KindAudio),
		testManagers(nat.KindDirect, 11000, network, media.KindVideo)...,
	)
	conn := newFakeConn("c", aliceID)
	s, err := NewSession(Config{Conn: conn, Responder: bobID, MediaManagers: managers})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.StartOutgoing(); err != nil {
		t.Fatalf("StartOutgoing() error = %v", err)
	}

	if n := len(s.Contents()); n != 2 {
		t.Fatalf("contents = %d, want 2", n)
	}
	initiates := conn.sentAction(message.ActionSessionInitiate)
	if len(initiates) != 1 {
		t.Fatalf("sent %d session-initiate, want 1", len(initiates))
	}
	want := map[string]string{"audio": "ice", "video": "raw-udp"}
	for _, c := range initiates[0].Contents {
		if c.Transport == nil || c.Transport.Kind != want[c.Name] {
			t.Errorf("content %s transport = %+v, want kind %s", c.Name, c.Transport, want[c.Name])
		}
	}
	if s.State() != StatePending {
		t.Errorf("State() = %v, want Pending", s.State())
	}
	s.Close()
}

func TestOutgoingEstablishesAndAcceptsOnce(t *testing.T) {
	rec := &recorder{}
	s, conn, initiate := startOutgoing(t, rec)

	var mu sync.Mutex
	var transports []string
	s.AddTransportListener(TransportListenerFuncs{
		OnEstablished: func(content string, local, remote nat.Candidate) {
			mu.Lock()
			transports = append(transports, content)
			mu.Unlock()
		},
	})

	conn.deliver(ackOf(initiate))
	waitIdle(t, s)
	waitFor(t, "transport-info", func() bool {
		return len(conn.sentAction(message.ActionTransportInfo)) == 2
	})

	// Transport first: the initiator selects directly.
	conn.deliver(fromPeer(s, message.ActionTransportInfo,
		message.Content{Name: "audio", Transport: &message.Transport{Kind: "raw-udp", Candidates: []string{peerCandidate(t, 20000)}}},
		message.Content{Name: "video", Transport: &message.Transport{Kind: "raw-udp", Candidates: []string{peerCandidate(t, 20001)}}},
	))
	waitIdle(t, s)

	accepts := conn.sentAction(message.ActionTransportAccept)
	if len(accepts) != 2 {
		t.Fatalf("transport-accept sent = %d, want 2", len(accepts))
	}
	sel := accepts[0].Contents[0].Transport.Selected
	if sel == nil {
		t.Fatal("transport-accept without selection")
	}
	remote, err := nat.ParseCandidate(sel.Remote)
	if err != nil || remote.Port() != 20000 {
		t.Errorf("selected remote = %v (%v), want port 20000", remote, err)
	}
	if s.State() != StatePending {
		t.Errorf("State() before media = %v, want Pending", s.State())
	}
	if n := len(conn.sentAction(message.ActionSessionAccept)); n != 0 {
		t.Errorf("session-accept before media = %d, want 0", n)
	}

	// Then media: the peer's accept names the payloads.
	audio := media.Payloads(media.DefaultAudioCodecs())[0]
	video := media.Payloads(media.DefaultVideoCodecs())[0]
	accept := fromPeer(s, message.ActionSessionAccept,
		message.Content{Name: "audio", Description: &message.Description{Media: "audio", Payloads: []message.Payload{audio}}},
		message.Content{Name: "video", Description: &message.Description{Media: "video", Payloads: []message.Payload{video}}},
	)
	conn.deliver(accept)
	waitIdle(t, s)

	if s.State() != StateActive {
		t.Fatalf("State() = %v, want Active", s.State())
	}
	if n := len(conn.sentAction(message.ActionSessionAccept)); n != 1 {
		t.Errorf("session-accept sent = %d, want 1", n)
	}
	if established, _, _ := rec.counts(); established != 1 {
		t.Errorf("SessionEstablished calls = %d, want 1", established)
	}
	if p, ok := s.Content("audio").Media().Payload(); !ok || !p.Matches(audio) {
		t.Errorf("audio payload = %v, %v", p, ok)
	}

	ms, ok := s.MediaSession("audio")
	if !ok {
		t.Fatal("audio media session missing")
	}
	if !ms.(*media.LocalSession).Running() {
		t.Error("audio media session should be running")
	}
	rec.mu.Lock()
	received := len(rec.received)
	rec.mu.Unlock()
	if received != 2 {
		t.Errorf("media received = %d, want 2", received)
	}
	mu.Lock()
	if len(transports) != 2 {
		t.Errorf("TransportEstablished calls = %d, want 2", len(transports))
	}
	mu.Unlock()

	// A second accept is acknowledged but changes nothing.
	conn.deliver(fromPeer(s, message.ActionSessionAccept, accept.Contents...))
	waitIdle(t, s)
	if n := len(conn.sentAction(message.ActionSessionAccept)); n != 1 {
		t.Errorf("session-accept sent after duplicate = %d, want 1", n)
	}
	if established, _, _ := rec.counts(); established != 1 {
		t.Errorf("SessionEstablished calls after duplicate = %d, want 1", established)
	}

	// Every content succeeded; one more pending content flips it.
	if !s.IsFullyEstablished() {
		t.Fatal("IsFullyEstablished() = false with every content succeeded")
	}
	screen := media.NewStaticManager(media.StaticManagerConfig{
		Name:      "screen",
		Kind:      media.KindVideo,
		Transport: nat.NewMemoryManager(nat.KindDirect, "127.0.0.1", 12000, 1, nat.NewMemoryNetwork()),
	})
	cn, err := NewContentNegotiator(s, message.CreatorInitiator, screen)
	if err != nil {
		t.Fatalf("NewContentNegotiator() error = %v", err)
	}
	if err := s.AddContentNegotiator(cn); err != nil {
		t.Fatalf("AddContentNegotiator() error = %v", err)
	}
	if s.IsFullyEstablished() {
		t.Error("IsFullyEstablished() = true after adding a pending content")
	}

	if err := s.Terminate(""); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	waitIdle(t, s)
	if ms.(*media.LocalSession).Running() {
		t.Error("media session should be stopped after terminate")
	}
}

// startIncoming creates a responder for an initiate offering contents.
func startIncoming(t *testing.T, managers []media.Manager, rec *recorder, contents ...message.Content) (*Session, *fakeConn, *message.Message, error) {
	t.Helper()
	conn := newFakeConn("c", bobID)
	s, err := NewSession(Config{Conn: conn, Initiator: aliceID, SessionID: "sid-r", MediaManagers: managers})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if rec != nil {
		s.AddListener(rec)
	}
	initiate := fromPeer(s, message.ActionSessionInitiate, contents...)
	return s, conn, initiate, s.StartIncoming(initiate)
}

func audioOffer(payloads ...message.Payload) message.Content {
	return message.Content{
		Creator:     message.CreatorInitiator,
		Name:        "audio",
		Description: &message.Description{Media: "audio", Payloads: payloads},
		Transport:   &message.Transport{Kind: "raw-udp"},
	}
}

// offeredCandidate returns the candidate the session advertised for content.
func offeredCandidate(t *testing.T, conn *fakeConn, content string) string {
	t.Helper()
	var line string
	waitFor(t, "transport-info for "+content, func() bool {
		for _, m := range conn.sentAction(message.ActionTransportInfo) {
			if c, ok := m.Content(content); ok && c.Transport != nil && len(c.Transport.Candidates) > 0 {
				line = c.Transport.Candidates[0]
				return true
			}
		}
		return false
	})
	return line
}

func TestIncomingAcceptsOnce(t *testing.T) {
	network := nat.NewMemoryNetwork()
	rec := &recorder{}
	pcmu := media.Payloads(media.DefaultAudioCodecs())[1]
	opus := media.Payloads(media.DefaultAudioCodecs())[0]

	s, conn, initiate, err := startIncoming(t, testManagers(nat.KindDirect, 10000, network, media.KindAudio), rec, audioOffer(pcmu, opus))
	if err != nil {
		t.Fatalf("StartIncoming() error = %v", err)
	}

	results := conn.sentType(message.TypeResult)
	if len(results) != 1 || results[0].ID != initiate.ID || results[0].From != bobID {
		t.Fatalf("initiate ack = %+v", results)
	}
	if p, ok := s.Content("audio").Media().Payload(); !ok || !p.Matches(pcmu) {
		t.Errorf("chosen payload = %v, %v; want the first offered", p, ok)
	}

	// Media first, then transport.
	local := offeredCandidate(t, conn, "audio")
	sel := &message.Selection{Local: peerCandidate(t, 20000), Remote: local}
	conn.deliver(fromPeer(s, message.ActionTransportAccept, message.Content{
		Name: "audio", Transport: &message.Transport{Kind: "raw-udp", Selected: sel},
	}))
	waitIdle(t, s)

	if s.State() != StateActive {
		t.Fatalf("State() = %v, want Active", s.State())
	}
	accepts := conn.sentAction(message.ActionSessionAccept)
	if len(accepts) != 1 {
		t.Fatalf("session-accept sent = %d, want 1", len(accepts))
	}
	desc := accepts[0].Contents[0].Description
	if desc == nil || len(desc.Payloads) != 1 || !desc.Payloads[0].Matches(pcmu) {
		t.Errorf("accepted description = %+v", desc)
	}

	conn.deliver(fromPeer(s, message.ActionTransportAccept, message.Content{
		Name: "audio", Transport: &message.Transport{Kind: "raw-udp", Selected: sel},
	}))
	waitIdle(t, s)
	if n := len(conn.sentAction(message.ActionSessionAccept)); n != 1 {
		t.Errorf("session-accept after repeat = %d, want 1", n)
	}
	if established, _, _ := rec.counts(); established != 1 {
		t.Errorf("SessionEstablished calls = %d, want 1", established)
	}
}

func TestIncomingNoCommonPayload(t *testing.T) {
	rec := &recorder{}
	bogus := message.Payload{ID: 120, Name: "speex", ClockRate: 16000}

	s, conn, _, err := startIncoming(t, testManagers(nat.KindDirect, 10000, nat.NewMemoryNetwork(), media.KindAudio), rec, audioOffer(bogus))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("StartIncoming() error = %v, want ErrSessionClosed", err)
	}
	errs := conn.sentType(message.TypeError)
	if len(errs) != 1 || errs[0].Error.Condition != message.ConditionNoCommonPayload {
		t.Fatalf("error replies = %+v", errs)
	}
	if _, _, onErr := rec.counts(); onErr != 1 {
		t.Errorf("SessionClosedOnError calls = %d, want 1", onErr)
	}
	if s.State() != StateEnded {
		t.Errorf("State() = %v, want Ended", s.State())
	}
}

func TestIncomingUnsupportedContent(t *testing.T) {
	video := message.Content{Name: "video", Description: &message.Description{Media: "video"}, Transport: &message.Transport{Kind: "raw-udp"}}

	_, conn, _, err := startIncoming(t, testManagers(nat.KindDirect, 10000, nat.NewMemoryNetwork(), media.KindAudio), nil, video)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("StartIncoming() error = %v, want ErrSessionClosed", err)
	}
	errs := conn.sentType(message.TypeError)
	if len(errs) != 1 || errs[0].Error.Condition != message.ConditionUnsupportedContent {
		t.Errorf("error replies = %+v", errs)
	}
	if n := len(conn.sentType(message.TypeResult)); n != 0 {
		t.Errorf("acks sent = %d, want 0", n)
	}
}

func TestIncomingTransportKindMismatch(t *testing.T) {
	offer := audioOffer(media.Payloads(media.DefaultAudioCodecs())...)
	offer.Transport.Kind = "ice"

	_, conn, _, err := startIncoming(t, testManagers(nat.KindDirect, 10000, nat.NewMemoryNetwork(), media.KindAudio), nil, offer)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("StartIncoming() error = %v, want ErrSessionClosed", err)
	}
	errs := conn.sentType(message.TypeError)
	if len(errs) != 1 || errs[0].Error.Condition != message.ConditionUnsupportedTransports {
		t.Errorf("error replies = %+v", errs)
	}
}

// noCandidates hands out resolvers that never find a candidate.
type noCandidates struct {
	network *nat.MemoryNetwork
}

func (m noCandidates) Resolver(string) (nat.Resolver, error) {
	return nat.NewStaticResolver(nat.KindDirect), nil
}

func (m noCandidates) Checker() nat.Checker { return m.network }

func TestTransportFailureBlocksAccept(t *testing.T) {
	network := nat.NewMemoryNetwork()
	rec := &recorder{}
	managers := append(
		testManagers(nat.KindDirect, 10000, network, media.KindAudio),
		media.NewStaticManager(media.StaticManagerConfig{Kind: media.KindVideo, Transport: noCandidates{network}}),
	)
	video := message.Content{
		Creator:     message.CreatorInitiator,
		Name:        "video",
		Description: &message.Description{Media: "video", Payloads: media.Payloads(media.DefaultVideoCodecs())},
		Transport:   &message.Transport{Kind: "raw-udp"},
	}

	conn := newFakeConn("c", bobID)
	s, err := NewSession(Config{Conn: conn, Initiator: aliceID, SessionID: "sid-r", MediaManagers: managers})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	s.AddListener(rec)

	failed := make(chan string, 1)
	s.AddTransportListener(TransportListenerFuncs{
		OnClosedOnError: func(content string, err error) { failed <- content },
	})

	if err := s.StartIncoming(fromPeer(s, message.ActionSessionInitiate,
		audioOffer(media.Payloads(media.DefaultAudioCodecs())...), video)); err != nil {
		t.Fatalf("StartIncoming() error = %v", err)
	}

	select {
	case content := <-failed:
		if content != "video" {
			t.Errorf("failed content = %q, want video", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("video transport did not fail")
	}

	local := offeredCandidate(t, conn, "audio")
	conn.deliver(fromPeer(s, message.ActionTransportAccept, message.Content{
		Name: "audio", Transport: &message.Transport{Kind: "raw-udp", Selected: &message.Selection{Local: peerCandidate(t, 20000), Remote: local}},
	}))
	waitIdle(t, s)

	if !s.Content("audio").IsFullyEstablished() {
		t.Error("audio should be established")
	}
	if s.IsFullyEstablished() {
		t.Error("session should not be fully established")
	}
	if s.Content("video").State() != NegotiatorFailed {
		t.Errorf("video state = %v, want Failed", s.Content("video").State())
	}
	if s.State() != StatePending {
		t.Errorf("State() = %v, want Pending", s.State())
	}
	if n := len(conn.sentAction(message.ActionSessionAccept)); n != 0 {
		t.Errorf("session-accept sent = %d, want 0", n)
	}

	if err := s.Terminate("giving up"); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	waitIdle(t, s)
	if s.State() != StateEnded {
		t.Errorf("State() after terminate = %v, want Ended", s.State())
	}
	if network.EchoCount() != 0 {
		t.Errorf("open echoes = %d, want 0", network.EchoCount())
	}
}

func TestTransportReleasesUnusedCandidates(t *testing.T) {
	agent := nat.NewSTUNAgent(nat.STUNAgentConfig{})
	defer agent.Close()
	hosts := nat.NewHostManager(nat.HostManagerConfig{Kind: nat.KindCandidateChecking, Agent: agent})

	newSession := func() (*Session, *TransportNegotiator) {
		s, err := NewSession(Config{
			Conn:          newFakeConn("c", aliceID),
			Responder:     bobID,
			MediaManagers: []media.Manager{media.NewStaticManager(media.StaticManagerConfig{Kind: media.KindAudio, Transport: hosts})},
		})
		if err != nil {
			t.Fatalf("NewSession() error = %v", err)
		}
		if err := s.StartOutgoing(); err != nil {
			t.Fatalf("StartOutgoing() error = %v", err)
		}
		return s, s.Content("audio").Transport()
	}
	allocate := func(n int) []nat.Candidate {
		var out []nat.Candidate
		for i := 0; i < n; i++ {
			c, err := agent.Allocate("127.0.0.1")
			if err != nil {
				t.Fatalf("Allocate() error = %v", err)
			}
			out = append(out, c)
		}
		return out
	}

	// Resolution finishing after the session closed.
	s, tn := newSession()
	cands := allocate(2)
	if err := s.Terminate(""); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	s.post(func() { tn.onResolved(cands, nil) })
	waitIdle(t, s)
	if n := agent.Count(); n != 0 {
		t.Errorf("sockets after late resolution = %d, want 0", n)
	}

	// An echo failing part way releases the remaining candidates and
	// closes the echoes already opened.
	s, tn = newSession()
	cands = allocate(3)
	taken, err := agent.Listen(cands[1])
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s.post(func() { tn.onResolved(cands, nil) })
	waitIdle(t, s)
	if tn.State() != NegotiatorFailed {
		t.Errorf("transport state = %v, want Failed", tn.State())
	}
	if n := agent.Count(); n != 1 {
		t.Errorf("sockets after failed echo = %d, want 1", n)
	}
	taken.Close()
	s.Close()
	if n := agent.Count(); n != 0 {
		t.Errorf("sockets after close = %d, want 0", n)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	rec := &recorder{}
	s, conn, _ := startOutgoing(t, rec)

	if err := s.Terminate(""); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	waitIdle(t, s)
	if err := s.Terminate("again"); err != nil {
		t.Fatalf("second Terminate() error = %v", err)
	}

	terms := conn.sentAction(message.ActionSessionTerminate)
	if len(terms) != 1 {
		t.Fatalf("session-terminate sent = %d, want 1", len(terms))
	}
	if terms[0].Reason != ReasonClosedLocally {
		t.Errorf("reason = %q, want %q", terms[0].Reason, ReasonClosedLocally)
	}
	rec.mu.Lock()
	closed := append([]string(nil), rec.closed...)
	rec.mu.Unlock()
	if len(closed) != 1 || closed[0] != ReasonClosedLocally {
		t.Errorf("SessionClosed reasons = %v", closed)
	}
	if !s.IsClosed() || s.State() != StateEnded {
		t.Errorf("closed = %v state = %v", s.IsClosed(), s.State())
	}
	if conn.subscriberCount() != 0 || conn.listenerCount() != 0 {
		t.Errorf("subscriptions = %d listeners = %d, want 0", conn.subscriberCount(), conn.listenerCount())
	}
	if s.PendingAcks() != 0 {
		t.Errorf("PendingAcks() = %d, want 0", s.PendingAcks())
	}
}

func TestRemoteTerminate(t *testing.T) {
	rec := &recorder{}
	s, conn, _ := startOutgoing(t, rec)

	// Listeners run before teardown, so Ended is not visible yet.
	var during State
	s.AddListener(SessionListenerFuncs{
		OnClosed: func(s *Session, _ string) { during = s.State() },
	})

	term := fromPeer(s, message.ActionSessionTerminate)
	term.Reason = "bye"
	conn.deliver(term)
	waitIdle(t, s)

	if during != StatePending {
		t.Errorf("State() inside SessionClosed = %v, want Pending", during)
	}
	if s.State() != StateEnded || !s.IsClosed() {
		t.Errorf("State() = %v closed = %v, want Ended and closed", s.State(), s.IsClosed())
	}
	if conn.subscriberCount() != 0 || conn.listenerCount() != 0 {
		t.Errorf("subscriptions = %d listeners = %d after remote terminate, want 0", conn.subscriberCount(), conn.listenerCount())
	}
	acked := false
	for _, r := range conn.sentType(message.TypeResult) {
		if r.ID == term.ID {
			acked = true
		}
	}
	if !acked {
		t.Error("session-terminate was not acknowledged")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.closed) != 1 || rec.closed[0] != "bye" {
		t.Errorf("SessionClosed reasons = %v, want [bye]", rec.closed)
	}
}

func TestSecondInitiateIsOutOfOrder(t *testing.T) {
	s, conn, _ := startOutgoing(t, nil)

	dup := fromPeer(s, message.ActionSessionInitiate)
	conn.deliver(dup)
	waitIdle(t, s)

	errs := conn.sentType(message.TypeError)
	if len(errs) != 1 || errs[0].ID != dup.ID || errs[0].Error.Condition != message.ConditionOutOfOrder {
		t.Fatalf("error replies = %+v", errs)
	}
	if s.State() != StatePending || s.IsClosed() {
		t.Errorf("session should stay pending, state = %v", s.State())
	}
}

func TestRefusedInitiate(t *testing.T) {
	rec := &recorder{}
	s, conn, initiate := startOutgoing(t, rec)

	conn.deliver(message.NewError(initiate, message.ErrorPayload{Condition: message.ConditionNegotiationError, Text: "busy"}))
	waitIdle(t, s)

	if !s.IsClosed() {
		t.Fatal("session should be closed")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 1 || rec.errors[0].Text != "busy" {
		t.Errorf("SessionError payloads = %v", rec.errors)
	}
	if len(rec.closedOnError) != 1 || !errors.Is(rec.closedOnError[0], ErrSessionRefused) {
		t.Errorf("SessionClosedOnError = %v, want ErrSessionRefused", rec.closedOnError)
	}
	var remote *RemoteError
	if len(rec.closedOnError) == 1 && !errors.As(rec.closedOnError[0], &remote) {
		t.Error("error should carry the RemoteError")
	}
}

func TestConnectionLost(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry()
	conn := newFakeConn("c", aliceID)
	s, err := NewSession(Config{
		Conn:          conn,
		Registry:      r,
		Responder:     bobID,
		MediaManagers: testManagers(nat.KindDirect, 10000, nat.NewMemoryNetwork(), media.KindAudio),
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	s.AddListener(rec)
	if err := s.StartOutgoing(); err != nil {
		t.Fatalf("StartOutgoing() error = %v", err)
	}

	conn.closeWith(errors.New("reset"))

	if !s.IsClosed() {
		t.Fatal("session should be closed")
	}
	if r.Find("c") != nil {
		t.Error("registry entry should be removed")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.closedOnError) != 1 || !errors.Is(rec.closedOnError[0], ErrConnectionClosed) {
		t.Errorf("SessionClosedOnError = %v, want ErrConnectionClosed", rec.closedOnError)
	}
}

func TestLearnsFullPeerIdentity(t *testing.T) {
	conn := newFakeConn("c", aliceID)
	s, err := NewSession(Config{
		Conn:          conn,
		Responder:     "bob@example.com",
		MediaManagers: testManagers(nat.KindDirect, 10000, nat.NewMemoryNetwork(), media.KindAudio),
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.StartOutgoing(); err != nil {
		t.Fatalf("StartOutgoing() error = %v", err)
	}
	initiate := conn.sentAction(message.ActionSessionInitiate)[0]
	if initiate.To != "bob@example.com" {
		t.Errorf("initiate To = %q, want bare identity", initiate.To)
	}

	ack := ackOf(initiate)
	ack.From = bobID
	conn.deliver(ack)
	waitIdle(t, s)

	if s.Responder() != bobID {
		t.Errorf("Responder() = %q, want %q", s.Responder(), bobID)
	}
	if s.Filter().Peer() != bobID {
		t.Errorf("filter peer = %q, want %q", s.Filter().Peer(), bobID)
	}
	waitFor(t, "transport-info to the full identity", func() bool {
		infos := conn.sentAction(message.ActionTransportInfo)
		return len(infos) == 1 && infos[0].To == bobID
	})
}

func TestSendFormattedDropsAckOnFailure(t *testing.T) {
	conn := newFakeConn("c", aliceID)
	s, _ := NewSession(Config{Conn: conn, Responder: bobID, SessionID: "sid"})

	conn.setSendErr(errors.New("down"))
	if err := s.SendFormatted(nil, message.New(message.ActionSessionInfo)); err == nil {
		t.Fatal("SendFormatted() error = nil, want failure")
	}
	if s.PendingAcks() != 0 {
		t.Errorf("PendingAcks() = %d, want 0", s.PendingAcks())
	}

	conn.setSendErr(nil)
	if err := s.SendFormatted(nil, message.New(message.ActionSessionInfo)); err != nil {
		t.Fatalf("SendFormatted() error = %v", err)
	}
	if s.PendingAcks() != 1 {
		t.Errorf("PendingAcks() = %d, want 1", s.PendingAcks())
	}
	sent := conn.messages()[0]
	if sent.SessionID != "sid" || sent.To != bobID || sent.From != aliceID {
		t.Errorf("sent = %s", sent)
	}
}

func TestCreateAck(t *testing.T) {
	s, _ := NewSession(Config{Conn: newFakeConn("c", bobID), Initiator: aliceID})

	req := &message.Message{ID: "1", Type: message.TypeRequest, To: "bob@example.com", From: aliceID}
	ack := s.CreateAck(req)
	if ack == nil {
		t.Fatal("CreateAck(request) = nil")
	}
	if ack.From != bobID || ack.To != aliceID || ack.ID != "1" {
		t.Errorf("ack = %s", ack)
	}
	if s.CreateAck(ack) != nil {
		t.Error("CreateAck(result) should be nil")
	}

	e := s.CreateError(req, message.ErrorPayload{Condition: message.ConditionUnknownSession})
	if e.Type != message.TypeError || e.Error.Condition != message.ConditionUnknownSession {
		t.Errorf("error = %s", e)
	}
}
