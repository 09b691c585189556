package nat

import (
	"context"
	"sort"
)

// Resolver produces the local candidates a transport negotiator offers.
type Resolver interface {
	// Kind selects the negotiation strategy used with these candidates.
	Kind() Kind

	// Resolve gathers local candidates. It may block until ctx ends.
	Resolve(ctx context.Context) ([]Candidate, error)
}

// Manager hands out a resolver per session and the checker used for echoes
// and connectivity checks.
type Manager interface {
	Resolver(sessionID string) (Resolver, error)
	Checker() Checker
}

// StaticResolver returns a fixed candidate list.
type StaticResolver struct {
	kind       Kind
	candidates []Candidate
}

// NewStaticResolver creates a resolver that always yields candidates.
func NewStaticResolver(kind Kind, candidates ...Candidate) *StaticResolver {
	return &StaticResolver{kind: kind, candidates: candidates}
}

// Kind implements Resolver.
func (r *StaticResolver) Kind() Kind { return r.kind }

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return append([]Candidate(nil), r.candidates...), nil
}

// HostResolver allocates fresh host candidates from a STUNAgent.
type HostResolver struct {
	kind  Kind
	ip    string
	count int
	agent *STUNAgent
}

// Kind implements Resolver.
func (r *HostResolver) Kind() Kind { return r.kind }

// Resolve implements Resolver. Direct transports get a single candidate.
func (r *HostResolver) Resolve(ctx context.Context) ([]Candidate, error) {
	n := r.count
	if r.kind == KindDirect || n <= 0 {
		n = 1
	}

	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		err := ctx.Err()
		var c Candidate
		if err == nil {
			c, err = r.agent.Allocate(r.ip)
		}
		if err != nil {
			for _, allocated := range out {
				r.agent.Release(allocated)
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// HostManagerConfig configures a HostManager.
type HostManagerConfig struct {
	// Kind is the strategy every resolver reports.
	Kind Kind

	// IP is the address candidates are allocated on.
	// Default: 127.0.0.1
	IP string

	// Candidates is the number of candidates offered per content for
	// candidate-checking transports.
	// Default: 1
	Candidates int

	// Agent owns the candidate sockets. Required.
	Agent *STUNAgent
}

// HostManager is a Manager backed by local UDP sockets.
type HostManager struct {
	config HostManagerConfig
}

// NewHostManager creates a host manager.
func NewHostManager(config HostManagerConfig) *HostManager {
	if config.IP == "" {
		config.IP = "127.0.0.1"
	}
	if config.Kind == "" {
		config.Kind = KindCandidateChecking
	}
	if config.Candidates <= 0 {
		config.Candidates = 1
	}
	return &HostManager{config: config}
}

// Resolver implements Manager.
func (m *HostManager) Resolver(string) (Resolver, error) {
	if m.config.Agent == nil {
		return nil, ErrClosed
	}
	return &HostResolver{
		kind:  m.config.Kind,
		ip:    m.config.IP,
		count: m.config.Candidates,
		agent: m.config.Agent,
	}, nil
}

// Checker implements Manager.
func (m *HostManager) Checker() Checker { return m.config.Agent }

// SortByPriority orders candidates highest priority first. Ties keep their
// advertised order.
func SortByPriority(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority() > candidates[j].Priority()
	})
}
