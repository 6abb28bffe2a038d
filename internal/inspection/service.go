package inspection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/mbd888/ecollect/internal/logging"
	"github.com/mbd888/ecollect/internal/payments"
	"github.com/mbd888/ecollect/internal/pickup"
	"github.com/mbd888/ecollect/internal/syncutil"
	"github.com/mbd888/ecollect/internal/traces"
	"github.com/mbd888/ecollect/internal/validation"
)

var settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecollect",
	Name:      "settlement_transitions_total",
	Help:      "Settlement status changes by resulting status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(settlementsTotal)
}

// errUnchanged lets an update callback finish without writing.
var errUnchanged = errors.New("unchanged")

// maxAmount keeps amounts inside NUMERIC(14,2).
var maxAmount = decimal.New(1, 12)

const (
	defaultListLimit = 50
	maxReportMedia   = 50
)

// ReportUpdate carries the fields of a condition report. Media is appended
// to what the record already holds.
type ReportUpdate struct {
	PhysicalDamagePct        float64         `json:"physicalDamagePct"`
	WorkingComponents        []string        `json:"workingComponents"`
	ReusableSemiconductorPct float64         `json:"reusableSemiconductorPct"`
	ScrapValueEstimate       decimal.Decimal `json:"scrapValueEstimate"`
	Media                    []pickup.Media  `json:"media"`
}

// Service implements the inspection and settlement workflow.
type Service struct {
	store    Store
	pickups  Pickups
	payments Payments
	audit    AuditLog
	emitter  events.Emitter
	locks    syncutil.ShardedMutex
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an inspection service.
func NewService(store Store, pickups Pickups, pay Payments, audit AuditLog, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		pickups:  pickups,
		payments: pay,
		audit:    audit,
		emitter:  events.Nop{},
		currency: "INR",
		logger:   logger,
		now:      time.Now,
	}
}

// WithEmitter sets where inspection.updated events go.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithCurrency sets the currency of payment orders.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = c
	}
	return s
}

// PaymentSucceeded implements payments.OutcomeHandler.
func (s *Service) PaymentSucceeded(ctx context.Context, p *payments.Payment) error {
	_, err := s.MarkPaid(ctx, p.ID)
	return err
}

// ConfirmReceived opens the inspection record for a delivered device. The
// pickup is walked forward to Delivered one edge at a time. Calling it again
// returns the existing record.
func (s *Service) ConfirmReceived(ctx context.Context, actor auth.Actor, pickupID string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "inspection.confirm_received", traces.PickupID(pickupID))
	defer span.End()

	unlock := s.locks.Lock("pickup:" + pickupID)
	defer unlock()

	p, err := s.pickups.Get(ctx, auth.System, pickupID)
	if err != nil {
		return nil, err
	}
	if actor.Role != auth.RoleRecycler || actor.ID != p.RecyclerID {
		return nil, apperr.Forbidden("only the assigned recycler may confirm receipt")
	}
	switch p.Status {
	case pickup.StatusInTransit, pickup.StatusCollected, pickup.StatusDelivered:
	default:
		if existing, err := s.store.GetByPickup(ctx, pickupID); err == nil {
			return existing, nil
		}
		return nil, apperr.InvalidState("pickup", string(p.Status), "device can only be received once it is in transit")
	}

	for p.Status != pickup.StatusDelivered {
		next, _ := p.Status.Next()
		if p, err = s.pickups.Advance(ctx, actor, pickupID, next); err != nil {
			traces.RecordError(span, err)
			return nil, err
		}
	}

	if existing, err := s.store.GetByPickup(ctx, pickupID); err == nil {
		return existing, nil
	}

	now := s.now().UTC()
	rec := &Record{
		ID:               idgen.WithPrefix("insp_"),
		PickupID:         pickupID,
		RecyclerID:       p.RecyclerID,
		RequesterID:      p.RequesterID,
		Report:           Report{WorkingComponents: []string{}, Media: []pickup.Media{}},
		InspectionStatus: StatusPending,
		ProposedPayment:  decimal.Zero,
		FinalPayment:     decimal.Zero,
		PaymentStatus:    SettlementPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("device received", "pickupId", pickupID, "inspectionId", rec.ID, "recyclerId", actor.ID)
	s.emit(ctx, actor, rec, "", string(rec.InspectionStatus))
	return rec, nil
}

// RecordInspection stores the condition report. Each media item not already
// on the record is appended and written to the audit chain.
func (s *Service) RecordInspection(ctx context.Context, actor auth.Actor, id string, upd ReportUpdate) (*Record, error) {
	errs := validation.Validate(
		validation.Percentage("physicalDamagePct", upd.PhysicalDamagePct),
		validation.Percentage("reusableSemiconductorPct", upd.ReusableSemiconductorPct),
	)
	for _, m := range upd.Media {
		errs = append(errs, validation.Validate(
			validation.Required("media.id", m.ID),
			validation.Required("media.url", m.URL),
			validation.MaxLength("media.url", m.URL, 2048),
		)...)
	}
	if len(upd.Media) > maxReportMedia {
		errs = append(errs, validation.ValidationError{Field: "media", Message: "too many items"})
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if err := checkAmount("scrapValueEstimate", upd.ScrapValueEstimate); err != nil {
		return nil, err
	}

	var added []pickup.Media
	rec, err := s.update(ctx, actor, id, func(r *Record) error {
		if r.InspectionStatus == StatusCompleted {
			return apperr.InvalidState("inspection", string(r.InspectionStatus), "report is closed")
		}
		seen := make(map[string]bool, len(r.Report.Media))
		for _, m := range r.Report.Media {
			seen[m.ID] = true
		}
		added = added[:0]
		for _, m := range upd.Media {
			if !seen[m.ID] {
				seen[m.ID] = true
				added = append(added, m)
			}
		}

		components := upd.WorkingComponents
		if components == nil {
			components = []string{}
		}
		r.Report = Report{
			PhysicalDamagePct:        upd.PhysicalDamagePct,
			WorkingComponents:        components,
			ReusableSemiconductorPct: upd.ReusableSemiconductorPct,
			ScrapValueEstimate:       upd.ScrapValueEstimate.Round(2),
			Media:                    append(r.Report.Media, added...),
		}
		r.InspectionStatus = StatusUnderInspection
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The record is committed; a chain failure is surfaced but does not undo it.
	for _, m := range added {
		if _, err := s.audit.Append(ctx, rec.PickupID, m.URL); err != nil {
			logging.L(ctx).Error("audit append failed", "pickupId", rec.PickupID, "mediaId", m.ID, "error", err)
			return rec, err
		}
	}
	return rec, nil
}

// CompleteInspection closes the report.
func (s *Service) CompleteInspection(ctx context.Context, actor auth.Actor, id, notes string) (*Record, error) {
	if err := validation.Validate(validation.MaxLength("notes", notes, 2000)).Err(); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(r *Record) error {
		if r.InspectionStatus != StatusUnderInspection {
			return apperr.InvalidState("inspection", string(r.InspectionStatus), "only a report under inspection can be completed")
		}
		r.InspectionStatus = StatusCompleted
		if notes != "" {
			r.InspectionNotes = validation.SanitizeString(notes, 2000)
		}
		return nil
	})
}

// ProposePayment offers a payout. A rejected settlement can be proposed again.
func (s *Service) ProposePayment(ctx context.Context, actor auth.Actor, id string, amount decimal.Decimal) (*Record, error) {
	if err := checkAmount("amount", amount); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(r *Record) error {
		if r.PaymentStatus != SettlementPending && r.PaymentStatus != SettlementRejected {
			return apperr.InvalidState("settlement", string(r.PaymentStatus), "payment can no longer be proposed")
		}
		r.ProposedPayment = amount
		r.HasProposal = true
		r.PaymentStatus = SettlementPending
		return nil
	})
}

// FinalizePayment creates the payment order and approves the settlement.
// If the order cannot be created the record is left unchanged.
func (s *Service) FinalizePayment(ctx context.Context, actor auth.Actor, id string, amount decimal.Decimal) (*Record, error) {
	if err := checkAmount("amount", amount); err != nil {
		return nil, err
	}
	minor := amount.Shift(2).IntPart()
	if minor < 1 {
		return nil, apperr.Validation("amount", "must be at least one minor unit")
	}

	return s.update(ctx, actor, id, func(r *Record) error {
		if !r.HasProposal {
			return apperr.InvalidState("settlement", string(r.PaymentStatus), "no payment has been proposed")
		}
		if r.PaymentStatus != SettlementPending {
			return apperr.InvalidState("settlement", string(r.PaymentStatus), "only a pending settlement can be finalized")
		}
		pay, err := s.payments.CreateOrder(ctx, payments.CreateOrderRequest{
			PickupID:     r.PickupID,
			InspectionID: r.ID,
			Amount:       minor,
			Currency:     s.currency,
		})
		if err != nil {
			return err
		}
		r.FinalPayment = amount
		r.PaymentStatus = SettlementApproved
		r.PaymentID = pay.ID
		return nil
	})
}

// Reject declines the settlement. Only a pending settlement can be rejected.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, id, reason string) (*Record, error) {
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 2000),
	).Err(); err != nil {
		return nil, err
	}
	return s.update(ctx, actor, id, func(r *Record) error {
		if r.PaymentStatus != SettlementPending {
			return apperr.InvalidState("settlement", string(r.PaymentStatus), "only a pending settlement can be rejected")
		}
		r.PaymentStatus = SettlementRejected
		r.InspectionNotes = validation.SanitizeString(reason, 2000)
		return nil
	})
}

// MarkPaid settles the record once its payment succeeded and verifies the
// pickup. Safe to call repeatedly.
func (s *Service) MarkPaid(ctx context.Context, paymentID string) (*Record, error) {
	pay, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if pay.Status != payments.StatusSuccess {
		return nil, apperr.InvalidState("payment", string(pay.Status), "payment has not succeeded")
	}
	existing, err := s.store.GetByPickup(ctx, pay.PickupID)
	if err != nil {
		return nil, err
	}

	rec, err := s.update(ctx, auth.System, existing.ID, func(r *Record) error {
		if r.PaymentID != pay.ID || r.PickupID != pay.PickupID {
			return apperr.InvalidState("settlement", string(r.PaymentStatus), "payment does not belong to this settlement")
		}
		switch r.PaymentStatus {
		case SettlementPaid:
			return errUnchanged
		case SettlementApproved:
			r.PaymentStatus = SettlementPaid
			return nil
		}
		return apperr.InvalidState("settlement", string(r.PaymentStatus), "settlement is not approved")
	})
	if err != nil {
		return nil, err
	}

	p, err := s.pickups.Get(ctx, auth.System, rec.PickupID)
	if err != nil {
		return rec, err
	}
	if p.Status == pickup.StatusDelivered {
		if _, err := s.pickups.Advance(ctx, auth.System, rec.PickupID, pickup.StatusVerified); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Get returns a record the actor may see.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Record, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.canView(actor) {
		return nil, apperr.Forbidden("not a party to this inspection")
	}
	return r, nil
}

// GetByPickup returns the record opened for a pickup.
func (s *Service) GetByPickup(ctx context.Context, actor auth.Actor, pickupID string) (*Record, error) {
	r, err := s.store.GetByPickup(ctx, pickupID)
	if err != nil {
		return nil, err
	}
	if !r.canView(actor) {
		return nil, apperr.Forbidden("not a party to this inspection")
	}
	return r, nil
}

// ListByRecycler returns a recycler's records, newest first.
func (s *Service) ListByRecycler(ctx context.Context, actor auth.Actor, recyclerID string, limit int) ([]*Record, error) {
	if !actor.IsOperator() && actor.ID != recyclerID {
		return nil, apperr.Forbidden("recyclers may only list their own inspections")
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.store.ListByRecycler(ctx, recyclerID, limit)
}

// ListApproved returns settlements waiting on their payment.
func (s *Service) ListApproved(ctx context.Context, limit int) ([]*Record, error) {
	return s.store.ListByPaymentStatus(ctx, SettlementApproved, limit)
}

// update serializes a read-modify-write on one record.
func (s *Service) update(ctx context.Context, actor auth.Actor, id string, fn func(r *Record) error) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "inspection.update", traces.InspectionID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.canManage(actor) {
		return nil, apperr.Forbidden("only the assigned recycler may change this inspection")
	}
	before := *r
	if err := fn(r); err != nil {
		if errors.Is(err, errUnchanged) {
			return r, nil
		}
		return nil, err
	}

	r.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, r); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	if r.PaymentStatus != before.PaymentStatus {
		settlementsTotal.WithLabelValues(string(r.PaymentStatus)).Inc()
		logging.L(ctx).Info("settlement status changed",
			"inspectionId", r.ID, "pickupId", r.PickupID, "from", before.PaymentStatus, "to", r.PaymentStatus)
		s.emit(ctx, actor, r, string(before.PaymentStatus), string(r.PaymentStatus))
	} else if r.InspectionStatus != before.InspectionStatus {
		s.emit(ctx, actor, r, string(before.InspectionStatus), string(r.InspectionStatus))
	}
	return r, nil
}

func (s *Service) emit(ctx context.Context, actor auth.Actor, r *Record, oldStatus, newStatus string) {
	s.emitter.Emit(ctx, events.Event{
		Type:         events.TypeInspectionUpdated,
		PickupID:     r.PickupID,
		InspectionID: r.ID,
		PaymentID:    r.PaymentID,
		OldStatus:    oldStatus,
		NewStatus:    newStatus,
		ActorID:      actor.ID,
		Recipients:   []string{r.RequesterID, r.RecyclerID},
		Data: map[string]any{
			"inspectionStatus": r.InspectionStatus,
			"paymentStatus":    r.PaymentStatus,
		},
	})
}

// checkAmount accepts non-negative amounts with at most two decimal places.
func checkAmount(field string, amount decimal.Decimal) error {
	switch {
	case amount.IsNegative():
		return apperr.Validation(field, "must not be negative")
	case !amount.Equal(amount.Round(2)):
		return apperr.Validation(field, "must have at most two decimal places")
	case amount.GreaterThanOrEqual(maxAmount):
		return apperr.Validation(field, "is too large")
	}
	return nil
}
