// Package resolver turns a saved host, possibly behind a chain of jump hosts,
// into the ordered list of hops a connection attempt dials, with per-hop
// authentication material written to ephemeral key files.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rermius/connmgr/internal/hosts"
)

// MaxHops bounds the expanded chain length.
const MaxHops = 32

// targetNode stands in for a target host without an id in the host graph.
const targetNode = "\x00target"

// Materializer writes key bytes to a file for the duration of an attempt.
type Materializer interface {
	Materialize(keyBytes []byte) (string, error)
	Release(paths ...string)
}

// ConnectionAttempt is the resolved path for one connect call: jump hosts
// nearest the client first, the target last.
type ConnectionAttempt struct {
	Hops     []hosts.HopConfig
	KeyPaths []string
}

// Target returns the final hop.
func (a *ConnectionAttempt) Target() hosts.HopConfig {
	return a.Hops[len(a.Hops)-1]
}

// Jumps returns the hops before the target.
func (a *ConnectionAttempt) Jumps() []hosts.HopConfig {
	return a.Hops[:len(a.Hops)-1]
}

// Resolver expands hosts into connection attempts.
type Resolver struct {
	hosts hosts.HostSource
	keys  hosts.KeySource
	creds Materializer
}

// New returns a Resolver reading hosts and keys from the given sources.
func New(hostSource hosts.HostSource, keySource hosts.KeySource, creds Materializer) *Resolver {
	return &Resolver{hosts: hostSource, keys: keySource, creds: creds}
}

// Resolve builds the hop list for target. The caller owns the returned
// KeyPaths and must Release them on every exit path. On error no key files
// remain allocated.
func (r *Resolver) Resolve(ctx context.Context, target hosts.HostConfig) (*ConnectionAttempt, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	graph, err := r.loadGraph(ctx, target)
	if err != nil {
		return nil, err
	}

	chain := expand(graph, nodeID(target), make(map[string]bool), nil)
	if len(chain) > MaxHops {
		return nil, &ChainResolutionError{HostID: target.ID, Err: fmt.Errorf("chain has %d hops, limit is %d", len(chain), MaxHops)}
	}

	// Look up every key before writing any of them, so a missing key
	// leaves nothing on disk.
	material := make(map[string]*hosts.Key)
	for i, h := range chain {
		if !needsKey(h, i == len(chain)-1) {
			continue
		}
		if h.KeyID == "" {
			return nil, &KeyNotFoundError{HostID: h.ID}
		}
		if _, ok := material[h.KeyID]; ok {
			continue
		}
		k, err := r.keys.GetKey(ctx, h.KeyID)
		if err != nil {
			if errors.Is(err, hosts.ErrKeyNotFound) {
				return nil, &KeyNotFoundError{HostID: h.ID, KeyID: h.KeyID, Err: err}
			}
			return nil, fmt.Errorf("load key %s: %w", h.KeyID, err)
		}
		material[h.KeyID] = k
	}

	attempt := &ConnectionAttempt{Hops: make([]hosts.HopConfig, 0, len(chain))}
	paths := make(map[string]string, len(material))
	for i, h := range chain {
		isTarget := i == len(chain)-1
		hop := hosts.HopConfig{
			HostID:     h.ID,
			Label:      h.DisplayName(),
			Hostname:   h.Hostname,
			Port:       hopPort(h, isTarget),
			Username:   h.Username,
			AuthMethod: h.AuthMethod,
		}
		switch {
		case needsKey(h, isTarget):
			k := material[h.KeyID]
			path, ok := paths[h.KeyID]
			if !ok {
				path, err = r.creds.Materialize(k.PrivateKey)
				if err != nil {
					r.creds.Release(attempt.KeyPaths...)
					return nil, fmt.Errorf("materialize key %s: %w", h.KeyID, err)
				}
				paths[h.KeyID] = path
				attempt.KeyPaths = append(attempt.KeyPaths, path)
			}
			hop.KeyPath = path
			hop.Passphrase = k.Passphrase
		case h.AuthMethod == hosts.AuthPassword || !h.ConnectionType.UsesSSH() && isTarget:
			hop.Password = h.Password
		}
		attempt.Hops = append(attempt.Hops, hop)
	}
	return attempt, nil
}

// loadGraph fetches every host reachable through ProxyJump references and
// rejects missing references and cycles with a depth-first search. Hosts are
// visited once; a host on the current DFS stack seen again closes a cycle.
func (r *Resolver) loadGraph(ctx context.Context, target hosts.HostConfig) (map[string]hosts.HostConfig, error) {
	const (
		onStack = 1
		done    = 2
	)
	graph := map[string]hosts.HostConfig{nodeID(target): target}
	state := make(map[string]int)
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		state[id] = onStack
		stack = append(stack, id)

		for _, next := range graph[id].ProxyJump {
			switch state[next] {
			case done:
				continue
			case onStack:
				return &ChainResolutionError{HostID: target.ID, Err: &CyclicChainError{Path: cyclePath(stack, next)}}
			}
			if _, ok := graph[next]; !ok {
				h, err := r.hosts.GetHost(ctx, next)
				if err != nil {
					if errors.Is(err, hosts.ErrHostNotFound) {
						return &ChainResolutionError{HostID: target.ID, MissingID: next, Err: err}
					}
					return fmt.Errorf("load jump host %s: %w", next, err)
				}
				if h.ConnectionType != "" && !h.ConnectionType.UsesSSH() {
					return &ChainResolutionError{HostID: target.ID, Err: fmt.Errorf("jump host %s is %s, not ssh", next, h.ConnectionType)}
				}
				graph[next] = *h
			}
			if err := visit(next); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	if err := visit(nodeID(target)); err != nil {
		return nil, err
	}
	return graph, nil
}

// expand returns the hosts needed to reach id followed by id itself. A
// jump host's own ProxyJump precedes it. Each host is emitted once, at its
// first position, so a shared jump host is dialed a single time. The graph
// must be acyclic.
func expand(graph map[string]hosts.HostConfig, id string, emitted map[string]bool, out []hosts.HostConfig) []hosts.HostConfig {
	if emitted[id] {
		return out
	}
	h := graph[id]
	for _, j := range h.ProxyJump {
		out = expand(graph, j, emitted, out)
	}
	emitted[id] = true
	return append(out, h)
}

func cyclePath(stack []string, repeat string) []string {
	start := 0
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, id := range stack[start:] {
		path = append(path, displayID(id))
	}
	return append(path, displayID(repeat))
}

func nodeID(h hosts.HostConfig) string {
	if h.ID == "" {
		return targetNode
	}
	return h.ID
}

func displayID(id string) string {
	if id == targetNode {
		return "(target)"
	}
	return id
}

// needsKey reports whether the hop authenticates with a stored key. Jump
// hosts always speak SSH; a non-SSH target never uses key auth.
func needsKey(h hosts.HostConfig, isTarget bool) bool {
	if h.AuthMethod != hosts.AuthKey {
		return false
	}
	return !isTarget || h.ConnectionType.UsesSSH()
}

func hopPort(h hosts.HostConfig, isTarget bool) int {
	if h.Port > 0 {
		return h.Port
	}
	if isTarget {
		return h.EffectivePort()
	}
	return 22
}
