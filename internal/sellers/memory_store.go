package sellers

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation for testing and single-node use.
type MemoryStore struct {
	mu      sync.RWMutex
	sellers map[string]*Seller
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sellers: make(map[string]*Seller)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sellers[s.AgentName]; ok {
		return ErrSellerExists
	}
	cp := *s
	m.sellers[s.AgentName] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, agentName string) (*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sellers[agentName]
	if !ok {
		return nil, ErrSellerNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sellers[s.AgentName]; !ok {
		return ErrSellerNotFound
	}
	cp := *s
	m.sellers[s.AgentName] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Seller, 0, len(m.sellers))
	for _, s := range m.sellers {
		cp := *s
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
