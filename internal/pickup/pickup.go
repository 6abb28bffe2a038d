// Package pickup owns the pickup request and its lifecycle.
//
// Statuses move strictly forward along
//
//	Pending → Scheduled → InTransit → Collected → Delivered → Verified
//
// with Cancelled reachable only from Pending or Scheduled. No operation skips
// a status or moves backward.
package pickup

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/pagination"
)

// Status of a pickup.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusScheduled Status = "Scheduled"
	StatusInTransit Status = "InTransit"
	StatusCollected Status = "Collected"
	StatusDelivered Status = "Delivered"
	StatusVerified  Status = "Verified"
	StatusCancelled Status = "Cancelled"
)

var allStatuses = []Status{
	StatusPending, StatusScheduled, StatusInTransit, StatusCollected,
	StatusDelivered, StatusVerified, StatusCancelled,
}

// forward holds the single legal successor of each non-terminal status.
var forward = map[Status]Status{
	StatusPending:   StatusScheduled,
	StatusScheduled: StatusInTransit,
	StatusInTransit: StatusCollected,
	StatusCollected: StatusDelivered,
	StatusDelivered: StatusVerified,
}

// ParseStatus rejects anything that is not an exact status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	for _, known := range allStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", apperr.Validation("status", "unknown pickup status "+s)
}

// Next returns the forward successor of s, if any.
func (s Status) Next() (Status, bool) {
	n, ok := forward[s]
	return n, ok
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from == StatusPending || from == StatusScheduled
	}
	n, ok := forward[from]
	return ok && n == to
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusCancelled
}

// Condition of a device as reported by the requester.
type Condition string

const (
	ConditionWorking          Condition = "Working"
	ConditionPartiallyWorking Condition = "PartiallyWorking"
	ConditionNotWorking       Condition = "NotWorking"
	ConditionScrap            Condition = "Scrap"
)

// Device describes the item to collect.
type Device struct {
	Type      string    `json:"type"`
	Brand     string    `json:"brand"`
	Model     string    `json:"model"`
	Condition Condition `json:"condition"`
}

// Address is where the device is collected from.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
}

// Media is an uploaded artifact held by the object store.
type Media struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Transition is one entry of a pickup's status history.
type Transition struct {
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	ActorID string    `json:"actorId"`
	At      time.Time `json:"at"`
}

// Pickup is a requester's collection request.
type Pickup struct {
	ID                  string       `json:"id"`
	RequesterID         string       `json:"requesterId"`
	Device              Device       `json:"device"`
	Address             Address      `json:"address"`
	PreferredPickupDate time.Time    `json:"preferredPickupDate"`
	Status              Status       `json:"status"`
	RecyclerID          string       `json:"recyclerId,omitempty"`
	AgentID             string       `json:"agentId,omitempty"`
	CancellationReason  string       `json:"cancellationReason,omitempty"`
	Media               []Media      `json:"media"`
	StatusHistory       []Transition `json:"statusHistory"`
	Version             int64        `json:"version"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

func (p *Pickup) clone() *Pickup {
	cp := *p
	cp.Media = append([]Media(nil), p.Media...)
	cp.StatusHistory = append([]Transition(nil), p.StatusHistory...)
	return &cp
}

// Query filters List. Empty fields match everything.
type Query struct {
	RequesterID string
	RecyclerID  string
	AgentID     string
	Status      Status
	After       *pagination.Cursor // newest first; entries strictly older than the cursor
	Limit       int
}

// Store persists pickups.
type Store interface {
	Create(ctx context.Context, p *Pickup) error
	Get(ctx context.Context, id string) (*Pickup, error)
	// Update writes p if the stored version is still p.Version, then
	// increments p.Version. A stale version returns a conflict error.
	Update(ctx context.Context, p *Pickup) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, q Query) ([]*Pickup, error)
}

// Participants checks assignment targets against the registry.
type Participants interface {
	RecyclerExists(ctx context.Context, id string) error
	AgentExists(ctx context.Context, id string) error
}

// MediaReleaser frees uploaded artifacts when a pickup is deleted.
type MediaReleaser interface {
	Release(ctx context.Context, actor auth.Actor, pickupID string, media []Media) error
}

// MediaEvents releases media by announcing it on the event stream. Storage
// workers subscribed to pickup.media_released delete the objects.
type MediaEvents struct {
	Emitter events.Emitter
}

// Release emits one pickup.media_released event for the batch.
func (m MediaEvents) Release(ctx context.Context, actor auth.Actor, pickupID string, media []Media) error {
	if len(media) == 0 {
		return nil
	}
	ids := make([]string, len(media))
	urls := make([]string, len(media))
	for i, item := range media {
		ids[i] = item.ID
		urls[i] = item.URL
	}
	m.Emitter.Emit(ctx, events.Event{
		Type:     events.TypePickupMediaReleased,
		PickupID: pickupID,
		ActorID:  actor.ID,
		Data:     map[string]any{"mediaIds": ids, "urls": urls},
	})
	return nil
}

func notFound(id string) error {
	return apperr.NotFound("pickup", id)
}
