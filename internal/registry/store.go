package registry

import (
	"context"
	"sort"
	"sync"
)

// Store persists participants.
type Store interface {
	Create(ctx context.Context, p *Participant) error
	Get(ctx context.Context, id string) (*Participant, error)
	List(ctx context.Context, kind Kind, activeOnly bool) ([]*Participant, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// MemoryStore is a thread-safe in-memory implementation.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{participants: make(map[string]*Participant)}
}

func (m *MemoryStore) Create(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.participants[p.ID]; ok {
		return errExists(p.ID)
	}
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[id]
	if !ok {
		return nil, notFound("", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, kind Kind, activeOnly bool) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Participant
	for _, p := range m.participants {
		if kind != "" && p.Kind != kind {
			continue
		}
		if activeOnly && !p.Active {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.participants[id]
	if !ok {
		return notFound("", id)
	}
	p.Active = active
	return nil
}
