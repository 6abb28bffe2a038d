package registry

import (
	"context"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/mbd888/ecollect/internal/validation"
)

func errExists(id string) error {
	return &apperr.Error{Kind: apperr.ErrConflict, Message: "participant " + id + " already exists"}
}

// Service manages participants and answers assignment lookups.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a registry service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Register adds an active participant.
func (s *Service) Register(ctx context.Context, req CreateRequest) (*Participant, error) {
	kind, err := ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if err := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.MaxLength("id", req.ID, 64),
	).Err(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		prefix := "rc_"
		if kind == KindAgent {
			prefix = "ag_"
		}
		id = idgen.WithPrefix(prefix)
	}
	p := &Participant{
		ID:        id,
		Kind:      kind,
		Name:      validation.SanitizeString(req.Name, 200),
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a participant of any kind.
func (s *Service) Get(ctx context.Context, id string) (*Participant, error) {
	return s.store.Get(ctx, id)
}

// List returns participants, optionally filtered by kind.
func (s *Service) List(ctx context.Context, kind Kind, activeOnly bool) ([]*Participant, error) {
	return s.store.List(ctx, kind, activeOnly)
}

// Deactivate stops a participant from receiving new assignments.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.SetActive(ctx, id, false)
}

// Lookup returns an active participant of the given kind. A missing,
// inactive, or wrong-kind participant is reported as not found.
func (s *Service) Lookup(ctx context.Context, kind Kind, id string) (*Participant, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, notFound(kind, id)
	}
	if p.Kind != kind || !p.Active {
		return nil, notFound(kind, id)
	}
	return p, nil
}

// RecyclerExists implements the pickup package's participant lookup.
func (s *Service) RecyclerExists(ctx context.Context, id string) error {
	_, err := s.Lookup(ctx, KindRecycler, id)
	return err
}

// AgentExists implements the pickup package's participant lookup.
func (s *Service) AgentExists(ctx context.Context, id string) error {
	_, err := s.Lookup(ctx, KindAgent, id)
	return err
}
