package nameserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/uintptr/udyndns/internal/address"
)

type RecordType = string

const (
	A    RecordType = "A"
	AAAA RecordType = "AAAA"
)

func RecordTypeFor(family address.Family) RecordType {
	if family == address.IPv6 {
		return AAAA
	}
	return A
}

// CanonicalName returns name in its fully qualified, trailing dot form.
func CanonicalName(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

type Nameserver interface {
	Init(ctx context.Context) error
	// UpdateRecord points the record of the given type at address. name is
	// canonical.
	UpdateRecord(ctx context.Context, name string, recordType RecordType, address string) error
}

// ProviderError is a non-success answer from a DNS provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.Status)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

// AuthError means the provider credentials couldn't be loaded or were refused.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
