// Package auth resolves API keys to actors.
//
// Every key belongs to exactly one actor (a requester, recycler, delivery
// agent, or operator). Handlers read the Actor the middleware stored and pass
// it explicitly into service calls; services never read identity from context.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidRole   = errors.New("invalid role")
)

// Role is what an actor may do.
type Role string

const (
	RoleRequester Role = "requester" // submits pickups, receives settlement
	RoleRecycler  Role = "recycler"  // inspects devices and proposes payment
	RoleAgent     Role = "agent"     // delivery partner moving the device
	RoleOperator  Role = "operator"  // assigns recyclers/agents, issues refunds
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleRequester, RoleRecycler, RoleAgent, RoleOperator:
		return r, nil
	}
	return "", ErrInvalidRole
}

// Actor is the authenticated principal behind a request.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor used by background jobs (reconciliation, webhooks).
var System = Actor{ID: "system", Role: RoleOperator}

// IsOperator reports whether a holds operator privileges.
func (a Actor) IsOperator() bool { return a.Role == RoleOperator }

// APIKey is a stored key. The raw key is only returned once, at creation.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	ActorID   string     `json:"actorId"`
	Role      Role       `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Actor returns the principal the key authenticates.
func (k *APIKey) Actor() Actor {
	return Actor{ID: k.ActorID, Role: k.Role}
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByActor(ctx context.Context, actorID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager issues and validates keys
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a key for actorID with role.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, actorID string, role Role, name string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey := "sk_" + hex.EncodeToString(b)

	key, err := m.persist(ctx, rawKey, actorID, role, name, "ak_"+hex.EncodeToString(b[:8]))
	if err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Seed registers a caller-supplied raw key, used to bootstrap the first
// operator from configuration. Seeding an existing key is a no-op.
func (m *Manager) Seed(ctx context.Context, rawKey, actorID string, role Role, name string) error {
	if !strings.HasPrefix(rawKey, "sk_") || len(rawKey) < 24 {
		return ErrInvalidAPIKey
	}
	if _, err := m.store.GetByHash(ctx, hashKey(rawKey)); err == nil {
		return nil
	}
	h := hashKey(rawKey)
	_, err := m.persist(ctx, rawKey, actorID, role, name, "ak_"+h[:16])
	return err
}

func (m *Manager) persist(ctx context.Context, rawKey, actorID string, role Role, name, id string) (*APIKey, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	key := &APIKey{
		ID:        id,
		Hash:      hashKey(rawKey),
		ActorID:   actorID,
		Role:      role,
		Name:      name,
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed).
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	at := m.now()
	go func() { _ = m.store.Touch(context.Background(), key.ID, at) }()

	return key, nil
}

// ListKeys returns all keys of an actor
func (m *Manager) ListKeys(ctx context.Context, actorID string) ([]*APIKey, error) {
	return m.store.GetByActor(ctx, actorID)
}

// RevokeKey revokes one of actorID's keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, actorID string) error {
	keys, err := m.store.GetByActor(ctx, actorID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByActor(_ context.Context, actorID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.ActorID == actorID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsed = at
	}
	return nil
}
