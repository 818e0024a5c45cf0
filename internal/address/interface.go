package address

import (
	"context"
	"fmt"
	"net/netip"
)

type Family int

const (
	IPv4 Family = iota + 1
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Candidate is an external address observed during one cycle.
type Candidate struct {
	Address string
	Family  Family
}

func ParseCandidate(s string) (Candidate, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Candidate{}, err
	}
	// No zones on public addresses.
	if addr.Zone() != "" {
		return Candidate{}, fmt.Errorf("unexpected zone in address %q", s)
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return Candidate{Address: addr.String(), Family: IPv4}, nil
	}
	return Candidate{Address: addr.String(), Family: IPv6}, nil
}

// Resolver discovers the host's current external address.
type Resolver interface {
	Fetch(ctx context.Context) (Candidate, error)
}

type ResolutionError struct {
	Source string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("couldn't resolve external address from %s: %s", e.Source, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// wants reports whether a candidate of family f satisfies the filter.
// The zero filter accepts any family.
func wants(filter, f Family) bool {
	return filter == 0 || filter == f
}
