// Package gateway talks to the external payment gateway: creating orders,
// fetching the authoritative status of a payment, and issuing refunds.
//
// Every implementation reports failures as apperr gateway errors, marked
// retryable when the failure was transient (timeouts, 5xx, rate limiting).
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/ecollect/internal/apperr"
)

// Payment statuses as reported by the gateway. Only StatusCaptured means money moved.
const (
	StatusCreated    = "created"
	StatusAuthorized = "authorized"
	StatusCaptured   = "captured"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
)

// Operation names used in metrics, breaker keys, and errors.
const (
	OpCreateOrder  = "create_order"
	OpFetchPayment = "fetch_payment"
	OpLatest       = "latest_payment"
	OpRefund       = "refund"
)

// CreateOrderRequest describes an order to open at the gateway.
type CreateOrderRequest struct {
	Amount   int64             // minor units
	Currency string            // ISO 4217
	Receipt  string            // our internal order id
	Notes    map[string]string // echoed back by the gateway
}

// Order is the gateway's view of an order.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// PaymentInfo is the gateway's authoritative view of a payment.
type PaymentInfo struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RefundRequest describes a refund. IdempotencyKey makes a retried request
// after a timeout safe: the gateway returns the original refund.
type RefundRequest struct {
	PaymentID      string
	Amount         int64 // minor units
	Notes          map[string]string
	IdempotencyKey string
}

// Refund is the gateway's record of a refund.
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// Client is implemented by every gateway backend.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	// FetchPayment returns paymentID's status. orderID lets implementations
	// reject a payment that belongs to a different order.
	FetchPayment(ctx context.Context, orderID, paymentID string) (*PaymentInfo, error)
	// LatestPayment returns the most relevant payment attempt on an order: a
	// captured one if any, else the newest. It returns nil, nil if the order
	// has no attempts yet.
	LatestPayment(ctx context.Context, orderID string) (*PaymentInfo, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// ErrOrderMismatch means the gateway returned a payment for another order.
var ErrOrderMismatch = errors.New("payment does not belong to order")

func transient(op string, err error) error {
	return apperr.Gateway(op, err, true)
}

func permanent(op string, err error) error {
	return apperr.Gateway(op, err, false)
}

func statusError(op string, code int, body string) error {
	err := fmt.Errorf("HTTP %d: %s", code, truncate(body, 200))
	if code == 429 || code >= 500 {
		return transient(op, err)
	}
	return permanent(op, err)
}

// pickLatest prefers a captured attempt, then the last one listed.
func pickLatest(items []PaymentInfo) *PaymentInfo {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		if items[i].Status == StatusCaptured {
			return &items[i]
		}
	}
	return &items[len(items)-1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
