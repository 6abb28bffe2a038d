package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for development and tests.
// Resolve runs under the store mutex, which gives it the same
// compare-and-set semantics as the conditional UPDATE in PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Payment
	byOrder map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Payment),
		byOrder: make(map[string]string),
	}
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		cp.ResolvedAt = &t
	}
	if p.Refund != nil {
		r := *p.Refund
		cp.Refund = &r
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[p.GatewayOrderID]; ok {
		return errDuplicateOrder
	}
	m.byID[p.ID] = clonePayment(p)
	m.byOrder[p.GatewayOrderID] = p.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetByGatewayOrder(_ context.Context, gatewayOrderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[gatewayOrderID]
	if !ok {
		return nil, notFound(gatewayOrderID)
	}
	return clonePayment(m.byID[id]), nil
}

func (m *MemoryStore) ListByPickup(_ context.Context, pickupID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.byID {
		if p.PickupID == pickupID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPendingBefore(_ context.Context, t time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.byID {
		if p.Status == StatusPending && !p.WebhookProcessed && p.CreatedAt.Before(t) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListSucceededSince(_ context.Context, t time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.byID {
		if p.Status == StatusSuccess && p.ResolvedAt != nil && !p.ResolvedAt.Before(t) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.Before(*out[j].ResolvedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, r Resolution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return false, notFound(id)
	}
	if p.Status != StatusPending || p.WebhookProcessed {
		return false, nil
	}

	at := r.At
	p.Status = r.Status
	p.WebhookProcessed = true
	p.ResolvedBy = r.ResolvedBy
	p.ResolvedAt = &at
	p.FailureReason = r.FailureReason
	if r.GatewayPaymentID != "" {
		p.GatewayPaymentID = r.GatewayPaymentID
	}
	if r.Signature != "" {
		p.Signature = r.Signature
	}
	p.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, id string, refund RefundRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return false, notFound(id)
	}
	if p.Status != StatusSuccess {
		return false, nil
	}
	p.Status = StatusRefunded
	p.Refund = &refund
	p.UpdatedAt = refund.At
	return true, nil
}

// MemoryEventLog is an in-memory EventLog.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string]*GatewayEvent
}

var _ EventLog = (*MemoryEventLog)(nil)

// NewMemoryEventLog creates an empty log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[string]*GatewayEvent)}
}

func (l *MemoryEventLog) Record(_ context.Context, ev *GatewayEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.events[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	l.events[ev.EventID] = &cp
	return true, nil
}

func (l *MemoryEventLog) SetOutcome(_ context.Context, eventID, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev, ok := l.events[eventID]; ok {
		ev.Outcome = outcome
	}
	return nil
}

func (l *MemoryEventLog) Forget(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.events, eventID)
	return nil
}

// Get returns a recorded event. Used by tests.
func (l *MemoryEventLog) Get(eventID string) (*GatewayEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}
