package ledger

import (
	"context"
	"sync"

	"github.com/mbd888/ecollect/internal/apperr"
)

// MemoryStore is an in-memory chain for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Tail(_ context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	cp := *m.entries[len(m.entries)-1]
	return &cp, nil
}

// Insert compares the tail under the write lock, making check and append atomic.
func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tailHash := Genesis
	if n := len(m.entries); n > 0 {
		tailHash = m.entries[n-1].Hash
	}
	if e.PreviousHash != tailHash {
		return apperr.ChainConflict(e.PreviousHash)
	}

	e.Seq = int64(len(m.entries) + 1)
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.SubjectID == subjectID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// tamper rewrites a stored field in place. Tests only.
func (m *MemoryStore) tamper(seq int64, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.entries[seq-1])
}
