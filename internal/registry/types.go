// Package registry keeps the participants a pickup can be assigned to:
// recyclers who buy and inspect devices and delivery agents who move them.
package registry

import (
	"strings"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
)

// Kind of participant.
type Kind string

const (
	KindRecycler Kind = "recycler"
	KindAgent    Kind = "agent"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindRecycler, KindAgent:
		return k, nil
	}
	return "", apperr.Validation("kind", "must be recycler or agent")
}

// Participant is a recycler or delivery agent.
type Participant struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateRequest registers a participant. ID is optional; it lets an operator
// reuse the actor id of an existing API key.
type CreateRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind" binding:"required"`
	Name string `json:"name" binding:"required"`
}

func notFound(kind Kind, id string) error {
	if kind == "" {
		return apperr.NotFound("participant", id)
	}
	return apperr.NotFound(string(kind), id)
}
