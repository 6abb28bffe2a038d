package pickup

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/mbd888/ecollect/internal/logging"
	"github.com/mbd888/ecollect/internal/pagination"
	"github.com/mbd888/ecollect/internal/syncutil"
	"github.com/mbd888/ecollect/internal/traces"
	"github.com/mbd888/ecollect/internal/validation"
)

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecollect",
	Name:      "pickup_transitions_total",
	Help:      "Pickup status transitions by from and to status.",
}, []string{"from", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

const (
	maxMediaPerCall = 20
	maxMediaTotal   = 100
)

// CreateRequest is the intake form for a pickup. RequesterID is only honored
// for operators creating on someone's behalf.
type CreateRequest struct {
	RequesterID         string    `json:"requesterId"`
	Device              Device    `json:"device"`
	Address             Address   `json:"address"`
	PreferredPickupDate time.Time `json:"preferredPickupDate"`
	Media               []Media   `json:"media"`
}

// Page is one page of List results.
type Page struct {
	Pickups    []*Pickup `json:"pickups"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// Service implements the pickup lifecycle.
type Service struct {
	store        Store
	participants Participants
	media        MediaReleaser
	emitter      events.Emitter
	locks        syncutil.ShardedMutex
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a pickup service.
func NewService(store Store, participants Participants, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		participants: participants,
		emitter:      events.Nop{},
		logger:       logger,
		now:          time.Now,
	}
}

// WithEmitter sets where pickup.status_changed events go.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithMediaReleaser sets the object-store hook used on Delete.
func (s *Service) WithMediaReleaser(m MediaReleaser) *Service {
	s.media = m
	return s
}

func validateMedia(field string, media []Media) validation.ValidationErrors {
	var errs validation.ValidationErrors
	for _, m := range media {
		errs = append(errs, validation.Validate(
			validation.Required(field+".id", m.ID),
			validation.Required(field+".url", m.URL),
			validation.MaxLength(field+".url", m.URL, 2048),
		)...)
	}
	return errs
}

// Create validates the request and stores a Pending pickup.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Pickup, error) {
	if actor.Role != auth.RoleRequester && !actor.IsOperator() {
		return nil, apperr.Forbidden("only requesters may submit pickups")
	}
	requesterID := actor.ID
	if actor.IsOperator() && req.RequesterID != "" {
		requesterID = req.RequesterID
	}

	now := s.now().UTC()
	errs := validation.Validate(
		validation.Required("device.type", req.Device.Type),
		validation.Required("device.brand", req.Device.Brand),
		validation.Required("device.model", req.Device.Model),
		validation.MaxLength("device.type", req.Device.Type, 100),
		validation.MaxLength("device.brand", req.Device.Brand, 100),
		validation.MaxLength("device.model", req.Device.Model, 100),
		validation.OneOf("device.condition", string(req.Device.Condition),
			string(ConditionWorking), string(ConditionPartiallyWorking),
			string(ConditionNotWorking), string(ConditionScrap)),
		validation.Required("address.street", req.Address.Street),
		validation.Required("address.city", req.Address.City),
		validation.Required("address.state", req.Address.State),
		validation.MaxLength("address.street", req.Address.Street, 300),
		validation.PostalCode("address.postalCode", req.Address.PostalCode),
		validation.FutureTime("preferredPickupDate", req.PreferredPickupDate, now),
	)
	errs = append(errs, validateMedia("media", req.Media)...)
	if len(req.Media) > maxMediaPerCall {
		errs = append(errs, validation.ValidationError{Field: "media", Message: "too many items"})
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	p := &Pickup{
		ID:                  idgen.WithPrefix("pk_"),
		RequesterID:         requesterID,
		Device:              req.Device,
		Address:             req.Address,
		PreferredPickupDate: req.PreferredPickupDate.UTC(),
		Status:              StatusPending,
		Media:               append([]Media{}, req.Media...),
		StatusHistory:       []Transition{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("pickup created", "pickupId", p.ID, "requesterId", p.RequesterID)
	return p, nil
}

// Get returns a pickup the actor is party to.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Pickup, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !involved(actor, p) {
		return nil, apperr.Forbidden("not a party to this pickup")
	}
	return p, nil
}

// Authorize reports whether actor may see pickup id and what hangs off it,
// such as its payments.
func (s *Service) Authorize(ctx context.Context, actor auth.Actor, id string) error {
	_, err := s.Get(ctx, actor, id)
	return err
}

// List returns a page of pickups, newest first. Non-operators only see
// pickups they are party to.
func (s *Service) List(ctx context.Context, actor auth.Actor, q Query, cursor string) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.Validation("cursor", "is invalid")
	}
	q.After = after

	switch actor.Role {
	case auth.RoleRequester:
		q.RequesterID = actor.ID
	case auth.RoleRecycler:
		q.RecyclerID = actor.ID
	case auth.RoleAgent:
		q.AgentID = actor.ID
	}

	limit := pagination.ClampLimit(q.Limit)
	q.Limit = limit + 1
	items, err := s.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(p *Pickup) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	if items == nil {
		items = []*Pickup{}
	}
	return &Page{Pickups: items, NextCursor: next, HasMore: more}, nil
}

// AssignRecycler schedules a Pending pickup with a registered recycler.
func (s *Service) AssignRecycler(ctx context.Context, actor auth.Actor, id, recyclerID string) (*Pickup, error) {
	if !actor.IsOperator() {
		return nil, apperr.Forbidden("only operators may assign recyclers")
	}
	if err := validation.Validate(validation.Required("recyclerId", recyclerID)).Err(); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(p *Pickup) error {
		if p.Status != StatusPending {
			return apperr.InvalidState("pickup", string(p.Status), "a recycler can only be assigned while Pending")
		}
		if err := s.participants.RecyclerExists(ctx, recyclerID); err != nil {
			return err
		}
		p.RecyclerID = recyclerID
		p.Status = StatusScheduled
		return nil
	})
}

// AssignAgent hands a Scheduled pickup to a delivery agent.
func (s *Service) AssignAgent(ctx context.Context, actor auth.Actor, id, agentID string) (*Pickup, error) {
	if err := validation.Validate(validation.Required("agentId", agentID)).Err(); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(p *Pickup) error {
		if !actor.IsOperator() && !(actor.Role == auth.RoleRecycler && actor.ID == p.RecyclerID) {
			return apperr.Forbidden("only an operator or the assigned recycler may assign an agent")
		}
		if p.Status != StatusScheduled {
			return apperr.InvalidState("pickup", string(p.Status), "an agent can only be assigned while Scheduled")
		}
		if err := s.participants.AgentExists(ctx, agentID); err != nil {
			return err
		}
		p.AgentID = agentID
		p.Status = StatusInTransit
		return nil
	})
}

// Advance moves a pickup along its single forward edge.
func (s *Service) Advance(ctx context.Context, actor auth.Actor, id string, next Status) (*Pickup, error) {
	if _, err := ParseStatus(string(next)); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(p *Pickup) error {
		if !involved(actor, p) {
			return apperr.Forbidden("not a party to this pickup")
		}
		if next == StatusCancelled || !CanTransition(p.Status, next) {
			return apperr.InvalidTransition("pickup", string(p.Status), string(next))
		}
		if !canAdvance(actor, p, next) {
			return apperr.Forbidden("actor may not advance this pickup to " + string(next))
		}
		switch next {
		case StatusScheduled:
			if p.RecyclerID == "" {
				return apperr.InvalidState("pickup", string(p.Status), "assign a recycler before scheduling")
			}
		case StatusInTransit:
			if p.AgentID == "" {
				return apperr.InvalidState("pickup", string(p.Status), "assign an agent before dispatch")
			}
		}
		p.Status = next
		return nil
	})
}

// canAdvance: operators may do anything; assigned parties may move the
// device along (Collected, Delivered); Verified is reserved for operators
// and the settlement flow.
func canAdvance(actor auth.Actor, p *Pickup, next Status) bool {
	if actor.IsOperator() {
		return true
	}
	switch next {
	case StatusCollected, StatusDelivered:
		return (actor.Role == auth.RoleAgent && actor.ID == p.AgentID) ||
			(actor.Role == auth.RoleRecycler && actor.ID == p.RecyclerID)
	default:
		return false
	}
}

// Cancel cancels a pickup that has not been dispatched.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id, reason string) (*Pickup, error) {
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 500),
	).Err(); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(p *Pickup) error {
		if !actor.IsOperator() && actor.ID != p.RequesterID {
			return apperr.Forbidden("only the requester may cancel")
		}
		if !CanTransition(p.Status, StatusCancelled) {
			return apperr.InvalidState("pickup", string(p.Status), "only Pending or Scheduled pickups can be cancelled")
		}
		p.Status = StatusCancelled
		p.CancellationReason = validation.SanitizeString(reason, 500)
		return nil
	})
}

// AttachMedia appends artifacts to a live pickup.
func (s *Service) AttachMedia(ctx context.Context, actor auth.Actor, id string, media []Media) (*Pickup, error) {
	errs := validateMedia("media", media)
	if len(media) == 0 || len(media) > maxMediaPerCall {
		errs = append(errs, validation.ValidationError{Field: "media", Message: "must contain 1 to 20 items"})
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(p *Pickup) error {
		if !involved(actor, p) {
			return apperr.Forbidden("not a party to this pickup")
		}
		if p.Status.IsTerminal() {
			return apperr.InvalidState("pickup", string(p.Status), "media cannot be added to a closed pickup")
		}
		if len(p.Media)+len(media) > maxMediaTotal {
			return apperr.Validation("media", "pickup media limit reached")
		}
		p.Media = append(p.Media, media...)
		return nil
	})
}

// Delete removes a Pending or Cancelled pickup and releases its media.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !actor.IsOperator() && actor.ID != p.RequesterID {
		return apperr.Forbidden("only the requester may delete")
	}
	if p.Status != StatusPending && p.Status != StatusCancelled {
		return apperr.InvalidState("pickup", string(p.Status), "only Pending or Cancelled pickups can be deleted")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	log := logging.L(ctx)
	if s.media != nil && len(p.Media) > 0 {
		if err := s.media.Release(ctx, actor, id, p.Media); err != nil {
			// The record is gone; orphaned objects are swept by storage lifecycle rules.
			log.Warn("media release failed", "pickupId", id, "count", len(p.Media), "error", err)
		}
	}
	log.Info("pickup deleted", "pickupId", id, "actorId", actor.ID)
	return nil
}

// update serializes a read-modify-write on one pickup. fn mutates p in place;
// a status change is recorded in the history and announced.
func (s *Service) update(ctx context.Context, actor auth.Actor, id string, fn func(p *Pickup) error) (*Pickup, error) {
	ctx, span := traces.StartSpan(ctx, "pickup.update", traces.PickupID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	old := p.Status
	if err := fn(p); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p.UpdatedAt = now
	if p.Status != old {
		p.StatusHistory = append(p.StatusHistory, Transition{From: old, To: p.Status, ActorID: actor.ID, At: now})
	}
	if err := s.store.Update(ctx, p); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	if p.Status != old {
		span.SetAttributes(traces.Status(string(p.Status)))
		transitionsTotal.WithLabelValues(string(old), string(p.Status)).Inc()
		logging.L(ctx).Info("pickup status changed",
			"pickupId", p.ID, "from", old, "to", p.Status, "actorId", actor.ID)
		s.emitter.Emit(ctx, events.Event{
			Type:       events.TypePickupStatusChanged,
			PickupID:   p.ID,
			OldStatus:  string(old),
			NewStatus:  string(p.Status),
			ActorID:    actor.ID,
			Recipients: recipients(p),
		})
	}
	return p, nil
}

func involved(actor auth.Actor, p *Pickup) bool {
	if actor.IsOperator() {
		return true
	}
	switch actor.Role {
	case auth.RoleRequester:
		return actor.ID == p.RequesterID
	case auth.RoleRecycler:
		return actor.ID == p.RecyclerID
	case auth.RoleAgent:
		return actor.ID == p.AgentID
	}
	return false
}

func recipients(p *Pickup) []string {
	out := []string{p.RequesterID}
	if p.RecyclerID != "" {
		out = append(out, p.RecyclerID)
	}
	if p.AgentID != "" {
		out = append(out, p.AgentID)
	}
	return out
}
