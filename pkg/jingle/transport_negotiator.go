package jingle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/jingle/pkg/message"
	"github.com/backkem/jingle/pkg/nat"
)

// TransportNegotiator settles the candidate pair of one content.
//
// Both strategies share one lifecycle: start resolves local candidates,
// opens an echo on each and advertises them in transport-info. The session
// initiator controls the selection. With KindDirect it takes the first
// remote candidate; with KindCandidateChecking it probes remote candidates
// in priority order and keeps the first pair that answers. The controlling
// side announces its pair in transport-accept and the controlled side adopts
// it.
type TransportNegotiator struct {
	content  *ContentNegotiator
	kind     nat.Kind
	resolver nat.Resolver
	checker  nat.Checker
	ctx      context.Context
	cancel   context.CancelFunc

	// Touched only from the session's event goroutine.
	offered     []nat.Candidate
	echoes      []nat.Echo
	remote      []nat.Candidate
	checking    bool
	established bool
	closed      bool

	mu       sync.RWMutex
	state    NegotiatorState
	selected [2]nat.Candidate
}

func newTransportNegotiator(cn *ContentNegotiator, resolver nat.Resolver, checker nat.Checker) *TransportNegotiator {
	ctx, cancel := context.WithCancel(cn.session.ctx)
	return &TransportNegotiator{
		content:  cn,
		kind:     resolver.Kind(),
		resolver: resolver,
		checker:  checker,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Kind returns the negotiation strategy.
func (t *TransportNegotiator) Kind() nat.Kind { return t.kind }

// State returns the negotiation state.
func (t *TransportNegotiator) State() NegotiatorState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Selected returns the chosen (local, remote) pair once succeeded.
func (t *TransportNegotiator) Selected() (local, remote nat.Candidate, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selected[0], t.selected[1], t.state == NegotiatorSucceeded
}

func (t *TransportNegotiator) setState(st NegotiatorState) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
}

func (t *TransportNegotiator) controlling() bool {
	return t.content.session.Role() == RoleInitiator
}

// start resolves candidates in the background.
func (t *TransportNegotiator) start() {
	s := t.content.session
	go func() {
		cands, err := t.resolver.Resolve(t.ctx)
		s.post(func() { t.onResolved(cands, err) })
	}()
}

func (t *TransportNegotiator) onResolved(cands []nat.Candidate, err error) {
	if t.closed || t.content.session.closed || t.State() == NegotiatorFailed {
		t.release(cands)
		return
	}
	if err != nil {
		t.release(cands)
		t.fail(fmt.Errorf("jingle: resolve candidates: %w", err))
		return
	}
	if len(cands) == 0 {
		t.fail(nat.ErrNoCandidates)
		return
	}

	for i, c := range cands {
		echo, err := t.checker.Listen(c)
		if err != nil {
			t.release(cands[i:])
			t.fail(fmt.Errorf("jingle: echo on %s: %w", c.HostPort(), err))
			return
		}
		t.offered = append(t.offered, c)
		t.echoes = append(t.echoes, echo)
	}
	t.setState(NegotiatorActive)

	s := t.content.session
	lines := make([]string, len(t.offered))
	for i, c := range t.offered {
		lines[i] = c.Marshal()
	}
	draft := message.New(message.ActionTransportInfo)
	draft.Contents = []message.Content{{
		Creator:   t.content.creator,
		Name:      t.content.name,
		Transport: &message.Transport{Kind: string(t.kind), Candidates: lines},
	}}
	if err := s.SendFormatted(nil, draft); err != nil && s.log != nil {
		s.log.Warnf("%s: transport-info for %s: %v", s.sid, t.content.name, err)
	}

	t.maybeSelect()
}

func (t *TransportNegotiator) handle(action message.Action, frag *message.Content) error {
	tr := frag.Transport
	if tr == nil || t.closed {
		return nil
	}
	if tr.Kind != "" && tr.Kind != string(t.kind) {
		t.setState(NegotiatorFailed)
		return negotiationError(message.ConditionUnsupportedTransports, tr.Kind)
	}

	if action == message.ActionTransportAccept && tr.Selected != nil {
		return t.adopt(tr.Selected)
	}

	for _, line := range tr.Candidates {
		c, err := nat.ParseCandidate(line)
		if err != nil {
			return &NegotiationError{
				Payload: &message.ErrorPayload{Condition: message.ConditionMalformedStanza, Text: "candidate"},
				Err:     err,
			}
		}
		if !containsCandidate(t.remote, c) {
			t.remote = append(t.remote, c)
		}
	}
	t.maybeSelect()
	return nil
}

// adopt applies the pair chosen by the controlling side. The selection is
// expressed from the sender's point of view.
func (t *TransportNegotiator) adopt(sel *message.Selection) error {
	if t.controlling() || t.State() == NegotiatorSucceeded {
		return nil
	}
	local, err := nat.ParseCandidate(sel.Remote)
	if err != nil {
		return &NegotiationError{
			Payload: &message.ErrorPayload{Condition: message.ConditionMalformedStanza, Text: "selection"},
			Err:     err,
		}
	}
	remote, err := nat.ParseCandidate(sel.Local)
	if err != nil {
		return &NegotiationError{
			Payload: &message.ErrorPayload{Condition: message.ConditionMalformedStanza, Text: "selection"},
			Err:     err,
		}
	}
	if !containsCandidate(t.offered, local) {
		t.setState(NegotiatorFailed)
		return negotiationError(message.ConditionNegotiationError, "selected candidate was not offered")
	}
	t.succeed(local, remote)
	return nil
}

// maybeSelect starts the selection once the controlling side has both
// its own echoes and remote candidates.
func (t *TransportNegotiator) maybeSelect() {
	if !t.controlling() || t.checking || t.State() != NegotiatorActive || len(t.remote) == 0 {
		return
	}

	if t.kind == nat.KindDirect {
		t.selectPair(t.offered[0], t.remote[0])
		return
	}

	t.checking = true
	remotes := append([]nat.Candidate(nil), t.remote...)
	nat.SortByPriority(remotes)
	locals := append([]nat.Candidate(nil), t.offered...)
	s := t.content.session
	timeout := s.checkTimeout

	go func() {
		var lastErr error
		for _, r := range remotes {
			for _, l := range locals {
				if t.ctx.Err() != nil {
					return
				}
				ctx, cancel := context.WithTimeout(t.ctx, timeout)
				err := t.checker.Check(ctx, l, r)
				cancel()
				if err == nil {
					s.post(func() { t.onChecked(l, r, nil) })
					return
				}
				lastErr = err
			}
		}
		if t.ctx.Err() != nil {
			return
		}
		s.post(func() { t.onChecked(nat.Candidate{}, nat.Candidate{}, errors.Join(ErrChecksFailed, lastErr)) })
	}()
}

func (t *TransportNegotiator) onChecked(local, remote nat.Candidate, err error) {
	t.checking = false
	if t.closed || t.content.session.closed {
		return
	}
	if err != nil {
		t.fail(err)
		return
	}
	t.selectPair(local, remote)
}

func (t *TransportNegotiator) selectPair(local, remote nat.Candidate) {
	s := t.content.session
	draft := message.New(message.ActionTransportAccept)
	draft.Contents = []message.Content{{
		Creator: t.content.creator,
		Name:    t.content.name,
		Transport: &message.Transport{
			Kind:     string(t.kind),
			Selected: &message.Selection{Local: local.Marshal(), Remote: remote.Marshal()},
		},
	}}
	if err := s.SendFormatted(nil, draft); err != nil {
		if s.log != nil {
			s.log.Warnf("%s: transport-accept for %s: %v", s.sid, t.content.name, err)
		}
	}
	t.succeed(local, remote)
}

func (t *TransportNegotiator) succeed(local, remote nat.Candidate) {
	t.mu.Lock()
	t.selected = [2]nat.Candidate{local, remote}
	t.state = NegotiatorSucceeded
	t.mu.Unlock()

	if t.established {
		return
	}
	t.established = true

	s := t.content.session
	if s.log != nil {
		s.log.Infof("%s: content %s transport %s <-> %s", s.sid, t.content.name, local.HostPort(), remote.HostPort())
	}
	name := t.content.name
	s.listeners.transport.each(func(l TransportListener) { l.TransportEstablished(name, local, remote) })
	cn := t.content
	s.post(func() { s.onTransportEstablished(cn) })
}

// release frees resolved candidates that have no echo.
func (t *TransportNegotiator) release(cands []nat.Candidate) {
	for _, c := range cands {
		if err := t.checker.Release(c); err != nil && t.content.session.log != nil {
			t.content.session.log.Debugf("%s: release %s: %v", t.content.session.sid, c.HostPort(), err)
		}
	}
}

// stop cancels in-flight work and closes every echo.
func (t *TransportNegotiator) stop() {
	t.cancel()
	for _, e := range t.echoes {
		e.Close()
	}
	t.echoes = nil
}

// fail marks the transport failed and releases its echoes. The session
// keeps running; without this content it can never be accepted.
func (t *TransportNegotiator) fail(err error) {
	t.setState(NegotiatorFailed)
	t.stop()
	s := t.content.session
	if s.log != nil {
		s.log.Warnf("%s: content %s transport failed: %v", s.sid, t.content.name, err)
	}
	name := t.content.name
	s.listeners.transport.each(func(l TransportListener) { l.TransportClosedOnError(name, err) })
}

// fragment is the wire form: kind and offered candidates.
func (t *TransportNegotiator) fragment() *message.Transport {
	tr := &message.Transport{Kind: string(t.kind)}
	for _, c := range t.offered {
		tr.Candidates = append(tr.Candidates, c.Marshal())
	}
	return tr
}

// close cancels in-flight checks and closes every offered candidate's echo.
func (t *TransportNegotiator) close() {
	if t.closed {
		return
	}
	t.closed = true
	t.stop()

	if t.State() != NegotiatorFailed {
		name := t.content.name
		t.content.session.listeners.transport.each(func(l TransportListener) { l.TransportClosed(name) })
	}
}

func containsCandidate(list []nat.Candidate, c nat.Candidate) bool {
	for _, x := range list {
		if x.Equal(c) {
			return true
		}
	}
	return false
}
