package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexusans/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.escrows[e.ID]; exists {
		return fmt.Errorf("escrow %s already exists", e.ID)
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) UpdateIf(_ context.Context, e *Escrow, expected ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	matched := false
	for _, st := range expected {
		if stored.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("%w: have %s", ErrStatusConflict, stored.Status)
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) ListByWallet(_ context.Context, wallet string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerWallet != wallet && e.SellerWallet != wallet {
			continue
		}
		if cursor != nil && !beforeCursor(e, cursor) {
			continue
		}
		result = append(result, copyEscrow(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether e sorts after the cursor position in the
// newest-first ordering (created_at DESC, id DESC).
func beforeCursor(e *Escrow, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ListExpired(_ context.Context, status Status, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status && e.ExpiresAt.Before(before) {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyEscrow(e *Escrow) *Escrow {
	c := *e
	c.ServiceDetails = copyMap(e.ServiceDetails)
	c.ProofOfDelivery = copyMap(e.ProofOfDelivery)
	c.VerificationData = copyMap(e.VerificationData)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
