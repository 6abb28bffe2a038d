// Package payments records gateway payments and reconciles their outcome.
//
// A payment leaves Pending exactly once. Three paths race to resolve it: the
// interactive checkout callback, the gateway webhook, and the reconciliation
// sweeper. All of them go through Store.Resolve, a single compare-and-set on
// (status = Pending AND NOT webhook_processed); the winner flips
// webhookProcessed with the status and every later attempt is a no-op.
package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
)

// Status of a payment.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusSuccess  Status = "Success"
	StatusFailed   Status = "Failed"
	StatusRefunded Status = "Refunded"
)

// ParseStatus validates a status string at the boundary.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.TrimSpace(s)); st {
	case StatusPending, StatusSuccess, StatusFailed, StatusRefunded:
		return st, nil
	}
	return "", apperr.Validation("status", "must be one of Pending, Success, Failed, Refunded")
}

// ResolvedBy names the path that moved a payment out of Pending.
type ResolvedBy string

const (
	ResolvedInteractive ResolvedBy = "interactive"
	ResolvedWebhook     ResolvedBy = "webhook"
	ResolvedReconciler  ResolvedBy = "reconciler"
)

// InvalidSignatureReason is recorded on payments failed by a forged callback.
const InvalidSignatureReason = "Invalid payment signature"

// RefundRecord is present only on Refunded payments.
type RefundRecord struct {
	ID     string    `json:"id"`
	Amount int64     `json:"amount"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Payment is a gateway order and its outcome. Amount is in minor units.
type Payment struct {
	ID               string        `json:"id"`
	GatewayOrderID   string        `json:"gatewayOrderId"`
	GatewayPaymentID string        `json:"gatewayPaymentId,omitempty"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	PickupID         string        `json:"pickupId"`
	InspectionID     string        `json:"inspectionId"`
	Status           Status        `json:"status"`
	Signature        string        `json:"-"`
	WebhookProcessed bool          `json:"webhookProcessed"`
	FailureReason    string        `json:"failureReason,omitempty"`
	ResolvedBy       ResolvedBy    `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time    `json:"resolvedAt,omitempty"`
	Refund           *RefundRecord `json:"refund,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// IsResolved reports whether the payment has left Pending.
func (p *Payment) IsResolved() bool {
	return p.Status != StatusPending || p.WebhookProcessed
}

// Resolution is the outcome applied by Store.Resolve.
type Resolution struct {
	Status           Status // StatusSuccess or StatusFailed
	GatewayPaymentID string
	Signature        string
	FailureReason    string
	ResolvedBy       ResolvedBy
	At               time.Time
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error)
	ListByPickup(ctx context.Context, pickupID string) ([]*Payment, error)
	// ListPendingBefore returns Pending payments created before t, oldest first.
	ListPendingBefore(ctx context.Context, t time.Time, limit int) ([]*Payment, error)
	// ListSucceededSince returns Success payments resolved at or after t.
	ListSucceededSince(ctx context.Context, t time.Time, limit int) ([]*Payment, error)

	// Resolve applies r if and only if the payment is still Pending and
	// unprocessed, reporting whether this call won.
	Resolve(ctx context.Context, id string, r Resolution) (bool, error)
	// MarkRefunded moves a Success payment to Refunded, reporting whether it did.
	MarkRefunded(ctx context.Context, id string, refund RefundRecord) (bool, error)
}

// GatewayEvent is one inbound webhook delivery.
type GatewayEvent struct {
	EventID        string    `json:"eventId"`
	Type           string    `json:"type"`
	GatewayOrderID string    `json:"gatewayOrderId,omitempty"`
	Payload        []byte    `json:"-"`
	SignatureValid bool      `json:"signatureValid"`
	Outcome        string    `json:"outcome"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Webhook outcomes stored on GatewayEvent.
const (
	OutcomeApplied      = "applied"
	OutcomeNoop         = "noop"
	OutcomeIgnored      = "ignored"
	OutcomeUnknownOrder = "unknown_order"
	OutcomeNotCaptured  = "not_captured"
)

// EventLog deduplicates webhook deliveries by event id.
type EventLog interface {
	// Record stores ev, reporting false if its EventID was already seen.
	Record(ctx context.Context, ev *GatewayEvent) (bool, error)
	SetOutcome(ctx context.Context, eventID, outcome string) error
	// Forget removes an event whose processing failed so a redelivery is retried.
	Forget(ctx context.Context, eventID string) error
}

// OutcomeHandler is told about payments that succeeded. The inspection
// workflow implements it to mark the settlement Paid.
type OutcomeHandler interface {
	PaymentSucceeded(ctx context.Context, p *Payment) error
}

// OutcomeHandlerFunc adapts a function to OutcomeHandler.
type OutcomeHandlerFunc func(ctx context.Context, p *Payment) error

func (f OutcomeHandlerFunc) PaymentSucceeded(ctx context.Context, p *Payment) error {
	return f(ctx, p)
}

var errDuplicateOrder = errors.New("payment for gateway order already exists")

func notFound(id string) error {
	return apperr.NotFound("payment", id)
}
