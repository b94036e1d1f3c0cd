package hosts

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory HostSource and KeySource.
type MemoryStore struct {
	mu    sync.RWMutex
	hosts map[string]HostConfig
	keys  map[string]Key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hosts: make(map[string]HostConfig),
		keys:  make(map[string]Key),
	}
}

func (s *MemoryStore) PutHost(h HostConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[h.ID] = h.Clone()
}

func (s *MemoryStore) PutKey(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.PrivateKey = append([]byte(nil), k.PrivateKey...)
	s.keys[k.ID] = k
}

func (s *MemoryStore) DeleteHost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, id)
}

func (s *MemoryStore) DeleteKey(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
}

func (s *MemoryStore) GetHost(_ context.Context, id string) (*HostConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	c := h.Clone()
	return &c, nil
}

func (s *MemoryStore) GetKey(_ context.Context, id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	k.PrivateKey = append([]byte(nil), k.PrivateKey...)
	return &k, nil
}

// ListHosts returns all hosts sorted by id.
func (s *MemoryStore) ListHosts() []HostConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HostConfig, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load adds every host and key from an imported inventory.
func (s *MemoryStore) Load(inv *Inventory) {
	for _, k := range inv.Keys {
		s.PutKey(k)
	}
	for _, h := range inv.Hosts {
		s.PutHost(h)
	}
}
