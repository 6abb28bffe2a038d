package inspection

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/ecollect/internal/apperr"
)

// MemoryStore is an in-memory inspection store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byPickup map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		byPickup: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPickup[r.PickupID]; ok {
		return apperr.Conflict("inspection for pickup", r.PickupID)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.records[r.ID] = r.clone()
	m.byPickup[r.PickupID] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, notFound(id)
	}
	return r.clone(), nil
}

func (m *MemoryStore) GetByPickup(_ context.Context, pickupID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPickup[pickupID]
	if !ok {
		return nil, apperr.NotFound("inspection for pickup", pickupID)
	}
	return m.records[id].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[r.ID]
	if !ok {
		return notFound(r.ID)
	}
	if cur.Version != r.Version {
		return apperr.Conflict("inspection", r.ID)
	}
	r.Version++
	m.records[r.ID] = r.clone()
	return nil
}

func (m *MemoryStore) ListByRecycler(_ context.Context, recyclerID string, limit int) ([]*Record, error) {
	return m.list(limit, func(r *Record) bool { return r.RecyclerID == recyclerID }), nil
}

func (m *MemoryStore) ListByPaymentStatus(_ context.Context, status SettlementStatus, limit int) ([]*Record, error) {
	return m.list(limit, func(r *Record) bool { return r.PaymentStatus == status }), nil
}

func (m *MemoryStore) list(limit int, match func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if match(r) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
