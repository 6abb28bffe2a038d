package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/gateway"
	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/mbd888/ecollect/internal/logging"
	"github.com/mbd888/ecollect/internal/signature"
	"github.com/mbd888/ecollect/internal/syncutil"
	"github.com/mbd888/ecollect/internal/traces"
	"github.com/mbd888/ecollect/internal/validation"
)

// Webhook event types acted on. Everything else is logged and ignored.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// CreateOrderRequest opens a gateway order for an approved settlement.
type CreateOrderRequest struct {
	PickupID     string
	InspectionID string
	Amount       int64 // minor units
	Currency     string
}

// ConfirmRequest is the interactive checkout callback.
type ConfirmRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId" binding:"required"`
	GatewayPaymentID string `json:"gatewayPaymentId" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

// ConfirmResult reports the payment after a callback. Applied is false when
// the callback changed nothing: the payment was already resolved, or the
// gateway has not captured it yet.
type ConfirmResult struct {
	Payment *Payment `json:"payment"`
	Applied bool     `json:"applied"`
}

// WebhookResult reports what a webhook delivery did.
type WebhookResult struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
}

// RefundRequest refunds a successful payment. Zero Amount means in full.
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason" binding:"required"`
}

// PickupAccess reports whether an actor is a party to a pickup. A nil error
// means access is allowed.
type PickupAccess interface {
	Authorize(ctx context.Context, actor auth.Actor, pickupID string) error
}

// Service reconciles gateway payments.
type Service struct {
	store    Store
	eventLog EventLog
	gw       gateway.Client
	verifier *signature.Verifier
	locker   syncutil.KeyLocker
	emitter  events.Emitter
	outcome  OutcomeHandler
	access   PickupAccess
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a payment service. Refunds are serialized with an
// in-process lock unless WithLocker supplies a shared one.
func NewService(store Store, eventLog EventLog, gw gateway.Client, verifier *signature.Verifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		eventLog: eventLog,
		gw:       gw,
		verifier: verifier,
		locker:   syncutil.NewContextShardedMutex(),
		emitter:  events.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithLocker replaces the refund lock, e.g. with a RedisLocker.
func (s *Service) WithLocker(l syncutil.KeyLocker) *Service {
	s.locker = l
	return s
}

// WithEmitter sets where payment.resolved events go.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithOutcomeHandler sets the callback for successful payments.
func (s *Service) WithOutcomeHandler(h OutcomeHandler) *Service {
	s.outcome = h
	return s
}

// WithPickupAccess sets who may see a pickup's payments. Without it only
// operators can.
func (s *Service) WithPickupAccess(a PickupAccess) *Service {
	s.access = a
	return s
}

// CreateOrder opens an order at the gateway and records it as Pending.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Payment, error) {
	if err := validation.Validate(
		validation.Required("pickupId", req.PickupID),
		validation.Required("inspectionId", req.InspectionID),
		validation.PositiveMinor("amount", req.Amount),
		validation.Required("currency", req.Currency),
	).Err(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "payments.CreateOrder", traces.PickupID(req.PickupID))
	defer span.End()

	id := idgen.OrderID()
	order, err := s.gw.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   req.Amount,
		Currency: strings.ToUpper(req.Currency),
		Receipt:  id,
		Notes:    map[string]string{"pickupId": req.PickupID, "inspectionId": req.InspectionID},
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	now := s.now().UTC()
	p := &Payment{
		ID:             id,
		GatewayOrderID: order.ID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		PickupID:       req.PickupID,
		InspectionID:   req.InspectionID,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		// The gateway order is orphaned; nothing was charged against it.
		s.logger.Error("gateway order created but not recorded",
			"gatewayOrderId", order.ID, "pickupId", req.PickupID, "error", err)
		traces.RecordError(span, err)
		return nil, fmt.Errorf("record payment: %w", err)
	}

	span.SetAttributes(traces.PaymentID(p.ID), traces.GatewayOrderID(order.ID))
	logging.L(ctx).Info("payment order created",
		"paymentId", p.ID, "gatewayOrderId", order.ID, "pickupId", p.PickupID, "amount", p.Amount)
	return p, nil
}

// ConfirmInteractive handles the checkout callback. A bad signature fails the
// payment and returns a signature error. A good one defers to the gateway's
// own view of the payment before resolving anything.
func (s *Service) ConfirmInteractive(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if err := validation.Validate(
		validation.Required("gatewayOrderId", req.GatewayOrderID),
		validation.Required("gatewayPaymentId", req.GatewayPaymentID),
		validation.Required("signature", req.Signature),
	).Err(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "payments.ConfirmInteractive", traces.GatewayOrderID(req.GatewayOrderID))
	defer span.End()

	p, err := s.store.GetByGatewayOrder(ctx, req.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.PaymentID(p.ID))
	log := logging.L(ctx).With("paymentId", p.ID, "gatewayOrderId", p.GatewayOrderID)

	if !s.verifier.VerifyPayment(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		signatureRejectionsTotal.WithLabelValues("interactive").Inc()
		log.Warn("interactive callback signature mismatch", "gatewayPaymentId", req.GatewayPaymentID)
		if _, _, err := s.apply(ctx, p, Resolution{
			Status:           StatusFailed,
			GatewayPaymentID: req.GatewayPaymentID,
			FailureReason:    InvalidSignatureReason,
			ResolvedBy:       ResolvedInteractive,
		}); err != nil {
			log.Error("failed to record signature failure", "error", err)
		}
		return nil, apperr.SignatureMismatch("payment")
	}

	if p.IsResolved() {
		return &ConfirmResult{Payment: p}, nil
	}

	info, err := s.gw.FetchPayment(ctx, req.GatewayOrderID, req.GatewayPaymentID)
	if err != nil {
		traces.RecordError(span, err)
		log.Warn("gateway fetch failed, payment stays pending", "error", err)
		return nil, err
	}

	r, ok := resolutionFor(p, info)
	if !ok {
		log.Info("gateway has not settled payment yet", "gatewayStatus", info.Status)
		return &ConfirmResult{Payment: p}, nil
	}
	r.Signature = req.Signature
	r.ResolvedBy = ResolvedInteractive

	updated, applied, err := s.apply(ctx, p, r)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return &ConfirmResult{Payment: updated, Applied: applied}, nil
}

// resolutionFor maps the gateway's status onto a resolution. ok is false
// while the gateway still reports the payment as in flight.
func resolutionFor(p *Payment, info *gateway.PaymentInfo) (Resolution, bool) {
	r := Resolution{GatewayPaymentID: info.ID}
	switch info.Status {
	case gateway.StatusCaptured:
		if info.Amount != 0 && info.Amount != p.Amount {
			r.Status = StatusFailed
			r.FailureReason = fmt.Sprintf("captured amount %d does not match order amount %d", info.Amount, p.Amount)
			return r, true
		}
		r.Status = StatusSuccess
		return r, true
	case gateway.StatusFailed:
		r.Status = StatusFailed
		r.FailureReason = info.ErrorDescription
		if r.FailureReason == "" {
			r.FailureReason = "payment failed at gateway"
		}
		return r, true
	default:
		return r, false
	}
}

// apply runs the compare-and-set and, if it won, announces the outcome.
func (s *Service) apply(ctx context.Context, p *Payment, r Resolution) (*Payment, bool, error) {
	if r.At.IsZero() {
		r.At = s.now().UTC()
	}
	won, err := s.store.Resolve(ctx, p.ID, r)
	if err != nil {
		return nil, false, err
	}
	updated, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	if !won {
		return updated, false, nil
	}

	resolutionsTotal.WithLabelValues(string(r.Status), string(r.ResolvedBy)).Inc()
	logging.L(ctx).Info("payment resolved",
		"paymentId", updated.ID, "status", updated.Status, "resolvedBy", r.ResolvedBy,
		"failureReason", updated.FailureReason)

	s.emitter.Emit(ctx, events.Event{
		Type:         events.TypePaymentResolved,
		PickupID:     updated.PickupID,
		InspectionID: updated.InspectionID,
		PaymentID:    updated.ID,
		OldStatus:    string(StatusPending),
		NewStatus:    string(updated.Status),
		ActorID:      string(r.ResolvedBy),
		Data:         map[string]any{"amount": updated.Amount, "currency": updated.Currency},
	})

	if updated.Status == StatusSuccess && s.outcome != nil {
		// The sweeper re-drives this if it fails.
		if err := s.outcome.PaymentSucceeded(ctx, updated); err != nil {
			logging.L(ctx).Error("settlement hand-off failed", "paymentId", updated.ID, "error", err)
		}
	}
	return updated, true, nil
}

type webhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity gateway.PaymentInfo `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// HandleWebhook processes one gateway webhook delivery. The signature covers
// the raw body exactly as received. Redeliveries of an event id are no-ops.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sig, eventID string) (*WebhookResult, error) {
	ctx, span := traces.StartSpan(ctx, "payments.HandleWebhook")
	defer span.End()

	if !s.verifier.VerifyWebhook(body, sig) {
		signatureRejectionsTotal.WithLabelValues("webhook").Inc()
		webhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		logging.L(ctx).Warn("webhook signature mismatch", "eventId", eventID, "bytes", len(body))
		return nil, apperr.SignatureMismatch("webhook")
	}

	var wp webhookPayload
	if err := json.Unmarshal(body, &wp); err != nil {
		return nil, apperr.Validation("body", "must be a JSON webhook payload")
	}
	if eventID == "" {
		sum := sha256.Sum256(body)
		eventID = hex.EncodeToString(sum[:])
	}
	entity := wp.Payload.Payment.Entity
	log := logging.L(ctx).With("eventId", eventID, "event", wp.Event, "gatewayOrderId", entity.OrderID)

	fresh, err := s.eventLog.Record(ctx, &GatewayEvent{
		EventID:        eventID,
		Type:           wp.Event,
		GatewayOrderID: entity.OrderID,
		Payload:        body,
		SignatureValid: true,
		ReceivedAt:     s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	if !fresh {
		webhookEventsTotal.WithLabelValues(wp.Event, "duplicate").Inc()
		log.Info("duplicate webhook delivery")
		return &WebhookResult{EventID: eventID, Duplicate: true, Outcome: OutcomeNoop}, nil
	}

	outcome, err := s.processWebhook(ctx, wp.Event, entity)
	if err != nil {
		// Let the gateway's redelivery try again.
		if ferr := s.eventLog.Forget(ctx, eventID); ferr != nil {
			log.Error("failed to release webhook event after error", "error", ferr)
		}
		traces.RecordError(span, err)
		return nil, err
	}
	if err := s.eventLog.SetOutcome(ctx, eventID, outcome); err != nil {
		log.Warn("failed to store webhook outcome", "error", err)
	}

	webhookEventsTotal.WithLabelValues(wp.Event, outcome).Inc()
	log.Info("webhook processed", "outcome", outcome)
	return &WebhookResult{EventID: eventID, Outcome: outcome}, nil
}

func (s *Service) processWebhook(ctx context.Context, eventType string, entity gateway.PaymentInfo) (string, error) {
	switch eventType {
	case EventPaymentCaptured:
		entity.Status = gateway.StatusCaptured
	case EventPaymentFailed:
		entity.Status = gateway.StatusFailed
	default:
		return OutcomeIgnored, nil
	}

	p, err := s.store.GetByGatewayOrder(ctx, entity.OrderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", err
	}
	if p.IsResolved() {
		return OutcomeNoop, nil
	}

	r, _ := resolutionFor(p, &entity)
	r.ResolvedBy = ResolvedWebhook
	_, applied, err := s.apply(ctx, p, r)
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}

// Reconcile asks the gateway about a payment still Pending and resolves it
// if the gateway has settled it. Used by the reconciliation sweeper, which
// covers callbacks and webhooks that never arrived.
func (s *Service) Reconcile(ctx context.Context, p *Payment) (bool, error) {
	if p.IsResolved() {
		return false, nil
	}
	var (
		info *gateway.PaymentInfo
		err  error
	)
	if p.GatewayPaymentID != "" {
		info, err = s.gw.FetchPayment(ctx, p.GatewayOrderID, p.GatewayPaymentID)
	} else {
		info, err = s.gw.LatestPayment(ctx, p.GatewayOrderID)
	}
	if err != nil || info == nil {
		return false, err
	}
	r, ok := resolutionFor(p, info)
	if !ok {
		return false, nil
	}
	r.ResolvedBy = ResolvedReconciler
	_, applied, err := s.apply(ctx, p, r)
	return applied, err
}

// Refund returns money for a successful payment. Operators only.
func (s *Service) Refund(ctx context.Context, actor auth.Actor, id string, req RefundRequest) (*Payment, error) {
	if !actor.IsOperator() {
		return nil, apperr.Forbidden("only operators may issue refunds")
	}
	if err := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 500),
	).Err(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.LockContext(ctx, "refund:"+id)
	if err != nil {
		return nil, fmt.Errorf("acquire refund lock: %w", err)
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusSuccess {
		refundsTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.InvalidState("payment", string(p.Status), "only successful payments can be refunded")
	}

	amount := req.Amount
	if amount == 0 {
		amount = p.Amount
	}
	if amount < 1 || amount > p.Amount {
		return nil, apperr.Validation("amount", fmt.Sprintf("must be between 1 and %d", p.Amount))
	}

	ctx, span := traces.StartSpan(ctx, "payments.Refund", traces.PaymentID(p.ID))
	defer span.End()

	gwRefund, err := s.gw.Refund(ctx, gateway.RefundRequest{
		PaymentID:      p.GatewayPaymentID,
		Amount:         amount,
		Notes:          map[string]string{"paymentId": p.ID, "reason": req.Reason},
		IdempotencyKey: "refund_" + p.ID,
	})
	if err != nil {
		refundsTotal.WithLabelValues("gateway_error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}

	rec := RefundRecord{ID: gwRefund.ID, Amount: amount, Reason: req.Reason, At: s.now().UTC()}
	won, err := s.store.MarkRefunded(ctx, p.ID, rec)
	if err != nil {
		s.logger.Error("refund issued at gateway but not recorded",
			"paymentId", p.ID, "refundId", gwRefund.ID, "error", err)
		return nil, fmt.Errorf("record refund: %w", err)
	}
	if !won {
		return nil, apperr.Conflict("payment", p.ID)
	}
	refundsTotal.WithLabelValues("refunded").Inc()

	updated, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payment refunded",
		"paymentId", p.ID, "refundId", rec.ID, "amount", amount, "actorId", actor.ID)
	s.emitter.Emit(ctx, events.Event{
		Type:         events.TypePaymentResolved,
		PickupID:     updated.PickupID,
		InspectionID: updated.InspectionID,
		PaymentID:    updated.ID,
		OldStatus:    string(StatusSuccess),
		NewStatus:    string(StatusRefunded),
		ActorID:      actor.ID,
		Data:         map[string]any{"refundAmount": amount, "reason": req.Reason},
	})
	return updated, nil
}

// Get returns a payment by internal id.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// GetFor returns a payment if actor is a party to its pickup.
func (s *Service) GetFor(ctx context.Context, actor auth.Actor, id string) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, p.PickupID); err != nil {
		return nil, err
	}
	return p, nil
}

// ListForPickup lists a pickup's payments if actor is a party to it.
func (s *Service) ListForPickup(ctx context.Context, actor auth.Actor, pickupID string) ([]*Payment, error) {
	if err := s.authorize(ctx, actor, pickupID); err != nil {
		return nil, err
	}
	return s.store.ListByPickup(ctx, pickupID)
}

// ConfirmFor runs ConfirmInteractive after checking that actor is a party to
// the order's pickup.
func (s *Service) ConfirmFor(ctx context.Context, actor auth.Actor, req ConfirmRequest) (*ConfirmResult, error) {
	if req.GatewayOrderID != "" {
		p, err := s.store.GetByGatewayOrder(ctx, req.GatewayOrderID)
		if err != nil {
			return nil, err
		}
		if err := s.authorize(ctx, actor, p.PickupID); err != nil {
			return nil, err
		}
	}
	return s.ConfirmInteractive(ctx, req)
}

func (s *Service) authorize(ctx context.Context, actor auth.Actor, pickupID string) error {
	if actor.IsOperator() {
		return nil
	}
	if s.access == nil {
		return apperr.Forbidden("not a party to this pickup")
	}
	return s.access.Authorize(ctx, actor, pickupID)
}

// GetByGatewayOrder returns the payment for a gateway order id.
func (s *Service) GetByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error) {
	return s.store.GetByGatewayOrder(ctx, gatewayOrderID)
}

// ListByPickup returns every payment opened for a pickup, oldest first.
func (s *Service) ListByPickup(ctx context.Context, pickupID string) ([]*Payment, error) {
	return s.store.ListByPickup(ctx, pickupID)
}

// ListPendingBefore exposes stale Pending payments to the sweeper.
func (s *Service) ListPendingBefore(ctx context.Context, t time.Time, limit int) ([]*Payment, error) {
	return s.store.ListPendingBefore(ctx, t, limit)
}

// ListSucceededSince exposes recent successes to the sweeper.
func (s *Service) ListSucceededSince(ctx context.Context, t time.Time, limit int) ([]*Payment, error) {
	return s.store.ListSucceededSince(ctx, t, limit)
}
