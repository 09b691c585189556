// Package nat resolves local transport candidates and checks connectivity
// between candidate pairs.
//
// Candidates are ICE candidates (github.com/pion/ice/v4) and travel in
// transport fragments as candidate lines. Connectivity checks and the
// per-candidate echo responders use STUN binding transactions
// (github.com/pion/stun/v3).
package nat

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/ice/v4"
)

// Kind selects the transport negotiation strategy for a content.
type Kind string

const (
	// KindDirect uses a single advertised endpoint without connectivity checks.
	KindDirect Kind = "raw-udp"

	// KindCandidateChecking probes candidate pairs and selects the first
	// pair that answers.
	KindCandidateChecking Kind = "ice"
)

// String returns the wire name of the kind.
func (k Kind) String() string { return string(k) }

// IsValid returns true if the kind is a defined value.
func (k Kind) IsValid() bool {
	return k == KindDirect || k == KindCandidateChecking
}

// ParseKind converts a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Candidate is a transport address offered for a content.
type Candidate struct {
	c ice.Candidate
}

// NewHostCandidate creates a UDP host candidate for address:port.
func NewHostCandidate(address string, port int) (Candidate, error) {
	c, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   address,
		Port:      port,
		Component: 1,
	})
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return Candidate{c: c}, nil
}

// WithPriority returns a copy of a host candidate with an explicit priority.
func WithPriority(c Candidate, priority uint32) (Candidate, error) {
	out, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   c.Address(),
		Port:      c.Port(),
		Component: 1,
		Priority:  priority,
	})
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return Candidate{c: out}, nil
}

// ParseCandidate decodes a candidate line produced by Marshal.
func ParseCandidate(line string) (Candidate, error) {
	c, err := ice.UnmarshalCandidate(line)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return Candidate{c: c}, nil
}

// Marshal encodes the candidate as a candidate line.
func (c Candidate) Marshal() string {
	if c.c == nil {
		return ""
	}
	return c.c.Marshal()
}

// IsZero reports whether the candidate is unset.
func (c Candidate) IsZero() bool { return c.c == nil }

// Address returns the candidate IP address.
func (c Candidate) Address() string {
	if c.c == nil {
		return ""
	}
	return c.c.Address()
}

// Port returns the candidate port.
func (c Candidate) Port() int {
	if c.c == nil {
		return 0
	}
	return c.c.Port()
}

// Priority returns the ICE priority.
func (c Candidate) Priority() uint32 {
	if c.c == nil {
		return 0
	}
	return c.c.Priority()
}

// Type returns the ICE candidate type.
func (c Candidate) Type() ice.CandidateType {
	if c.c == nil {
		return ice.CandidateTypeUnspecified
	}
	return c.c.Type()
}

// HostPort returns "address:port".
func (c Candidate) HostPort() string {
	return net.JoinHostPort(c.Address(), strconv.Itoa(c.Port()))
}

// UDPAddr returns the candidate as a UDP address.
func (c Candidate) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Address()), Port: c.Port()}
}

// Equal reports whether two candidates name the same transport address.
func (c Candidate) Equal(other Candidate) bool {
	return c.Address() == other.Address() && c.Port() == other.Port()
}

// String returns the transport address with the candidate type.
func (c Candidate) String() string {
	if c.c == nil {
		return "<none>"
	}
	return c.HostPort() + " " + c.c.Type().String()
}
