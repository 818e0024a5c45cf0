package reconcile

import (
	"github.com/uintptr/udyndns/internal/address"
	"github.com/uintptr/udyndns/internal/state"
)

type Decision int

const (
	Skip Decision = iota
	Apply
)

func (d Decision) String() string {
	if d == Apply {
		return "apply"
	}
	return "skip"
}

// Decide only asks for an update when the candidate differs from what was
// last published, or when forced.
func Decide(s state.State, candidate address.Candidate, force bool) Decision {
	if force || state.Changed(s, candidate) {
		return Apply
	}
	return Skip
}
