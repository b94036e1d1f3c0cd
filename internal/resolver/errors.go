package resolver

import (
	"fmt"
	"strings"
)

// ChainResolutionError reports a jump-host chain that cannot be turned into
// a hop list: a referenced host is missing, or the references form a cycle
// (in which case Err is a *CyclicChainError).
type ChainResolutionError struct {
	HostID    string
	MissingID string
	Err       error
}

func (e *ChainResolutionError) Error() string {
	if e.MissingID != "" {
		return fmt.Sprintf("resolve chain for %s: jump host %q not found", e.HostID, e.MissingID)
	}
	return fmt.Sprintf("resolve chain for %s: %v", e.HostID, e.Err)
}

func (e *ChainResolutionError) Unwrap() error { return e.Err }

// CyclicChainError names the host ids forming a ProxyJump cycle. Path starts
// and ends with the same id.
type CyclicChainError struct {
	Path []string
}

func (e *CyclicChainError) Error() string {
	return "cyclic jump-host chain: " + strings.Join(e.Path, " -> ")
}

// KeyNotFoundError is returned when a hop uses key auth and its key id does
// not resolve to stored key material.
type KeyNotFoundError struct {
	HostID string
	KeyID  string
	Err    error
}

func (e *KeyNotFoundError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("host %s uses key auth but has no key id", e.HostID)
	}
	return fmt.Sprintf("key %q for host %s not found", e.KeyID, e.HostID)
}

func (e *KeyNotFoundError) Unwrap() error { return e.Err }
