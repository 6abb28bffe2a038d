package pickup

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/ecollect/internal/apperr"
)

// MemoryStore is an in-memory pickup store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	pickups map[string]*Pickup
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pickups: make(map[string]*Pickup)}
}

func (m *MemoryStore) Create(_ context.Context, p *Pickup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Version == 0 {
		p.Version = 1
	}
	m.pickups[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Pickup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pickups[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, p *Pickup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.pickups[p.ID]
	if !ok {
		return notFound(p.ID)
	}
	if cur.Version != p.Version {
		return apperr.Conflict("pickup", p.ID)
	}
	p.Version++
	m.pickups[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pickups[id]; !ok {
		return notFound(id)
	}
	delete(m.pickups, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]*Pickup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Pickup
	for _, p := range m.pickups {
		if q.RequesterID != "" && p.RequesterID != q.RequesterID {
			continue
		}
		if q.RecyclerID != "" && p.RecyclerID != q.RecyclerID {
			continue
		}
		if q.AgentID != "" && p.AgentID != q.AgentID {
			continue
		}
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		if !q.After.Before(p.CreatedAt, p.ID) {
			continue
		}
		out = append(out, p.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
