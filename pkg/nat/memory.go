package nat

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork is an in-process Checker. Echoes are registered by
// address; a check succeeds when both ends of the pair are listening and
// the remote address is not blocked.
type MemoryNetwork struct {
	mu      sync.Mutex
	echoes  map[string]bool
	blocked map[string]bool
	checks  int
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		echoes:  make(map[string]bool),
		blocked: make(map[string]bool),
	}
}

// Listen implements Checker.
func (n *MemoryNetwork) Listen(local Candidate) (Echo, error) {
	key := local.HostPort()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.echoes[key] {
		return nil, ErrEchoExists
	}
	n.echoes[key] = true
	return &memoryEcho{network: n, key: key}, nil
}

// Release implements Checker. Memory candidates hold nothing until an echo
// is opened.
func (n *MemoryNetwork) Release(Candidate) error { return nil }

// Check implements Checker.
func (n *MemoryNetwork) Check(ctx context.Context, local, remote Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checks++
	if !n.echoes[local.HostPort()] {
		return ErrNoEcho
	}
	if n.blocked["*"] || n.blocked[remote.HostPort()] || !n.echoes[remote.HostPort()] {
		return fmt.Errorf("nat: %s unreachable", remote.HostPort())
	}
	return nil
}

// Block makes checks toward address fail.
func (n *MemoryNetwork) Block(c Candidate) {
	n.mu.Lock()
	n.blocked[c.HostPort()] = true
	n.mu.Unlock()
}

// BlockAll makes every check fail.
func (n *MemoryNetwork) BlockAll() {
	n.mu.Lock()
	n.blocked["*"] = true
	n.mu.Unlock()
}

// Listening reports whether an echo is registered for c.
func (n *MemoryNetwork) Listening(c Candidate) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.echoes[c.HostPort()]
}

// EchoCount returns the number of open echoes.
func (n *MemoryNetwork) EchoCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.echoes)
}

// Checks returns how many checks were attempted.
func (n *MemoryNetwork) Checks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.checks
}

type memoryEcho struct {
	network *MemoryNetwork
	key     string
	once    sync.Once
}

func (e *memoryEcho) Close() error {
	e.once.Do(func() {
		e.network.mu.Lock()
		delete(e.network.echoes, e.key)
		e.network.mu.Unlock()
	})
	return nil
}

// MemoryManager is a Manager handing out sequential candidates on one
// address, checked through a MemoryNetwork.
type MemoryManager struct {
	kind       Kind
	ip         string
	candidates int
	network    *MemoryNetwork

	mu   sync.Mutex
	next int
}

// NewMemoryManager creates a manager allocating ports from firstPort.
func NewMemoryManager(kind Kind, ip string, firstPort, candidates int, network *MemoryNetwork) *MemoryManager {
	if candidates <= 0 {
		candidates = 1
	}
	return &MemoryManager{
		kind:       kind,
		ip:         ip,
		candidates: candidates,
		network:    network,
		next:       firstPort,
	}
}

// Resolver implements Manager.
func (m *MemoryManager) Resolver(string) (Resolver, error) {
	n := m.candidates
	if m.kind == KindDirect {
		n = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		c, err := NewHostCandidate(m.ip, m.next)
		if err != nil {
			return nil, err
		}
		m.next++
		list = append(list, c)
	}
	return NewStaticResolver(m.kind, list...), nil
}

// Checker implements Manager.
func (m *MemoryManager) Checker() Checker { return m.network }
