package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeClient maps orders onto Stripe PaymentIntents. The gateway order id
// is the PaymentIntent id; the payment id is its latest charge.
type StripeClient struct {
	api *client.API
}

var _ Client = (*StripeClient)(nil)

// NewStripeClient creates a Stripe-backed gateway client.
func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

func (c *StripeClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.SetIdempotencyKey("order-" + req.Receipt)
	params.AddMetadata("receipt", req.Receipt)
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe(OpCreateOrder, err)
	}
	return &Order{
		ID:       pi.ID,
		Amount:   pi.Amount,
		Currency: strings.ToUpper(string(pi.Currency)),
		Receipt:  req.Receipt,
		Status:   StatusCreated,
	}, nil
}

func (c *StripeClient) FetchPayment(ctx context.Context, orderID, paymentID string) (*PaymentInfo, error) {
	pi, err := c.api.PaymentIntents.Get(orderID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, classifyStripe(OpFetchPayment, err)
	}

	chargeID := ""
	if pi.LatestCharge != nil {
		chargeID = pi.LatestCharge.ID
	}
	if paymentID != pi.ID && chargeID != "" && paymentID != chargeID {
		return nil, permanent(OpFetchPayment, fmt.Errorf("%w: %s", ErrOrderMismatch, orderID))
	}

	info := &PaymentInfo{
		ID:      paymentID,
		OrderID: pi.ID,
		Amount:  pi.Amount,
		Status:  stripeStatus(pi),
	}
	if pi.LastPaymentError != nil {
		info.ErrorDescription = pi.LastPaymentError.Msg
	}
	return info, nil
}

// LatestPayment reads the PaymentIntent; it is its own single attempt.
func (c *StripeClient) LatestPayment(ctx context.Context, orderID string) (*PaymentInfo, error) {
	pi, err := c.api.PaymentIntents.Get(orderID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, classifyStripe(OpLatest, err)
	}
	if pi.LatestCharge == nil && pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, nil
	}
	info := &PaymentInfo{ID: pi.ID, OrderID: pi.ID, Amount: pi.Amount, Status: stripeStatus(pi)}
	if pi.LatestCharge != nil {
		info.ID = pi.LatestCharge.ID
	}
	if pi.LastPaymentError != nil {
		info.ErrorDescription = pi.LastPaymentError.Msg
	}
	return info, nil
}

func stripeStatus(pi *stripe.PaymentIntent) string {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	case stripe.PaymentIntentStatusRequiresCapture:
		return StatusAuthorized
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return StatusFailed
		}
		return StatusCreated
	default:
		return StatusCreated
	}
}

func (c *StripeClient) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{Context: ctx},
		Amount: stripe.Int64(req.Amount),
	}
	if strings.HasPrefix(req.PaymentID, "pi_") {
		params.PaymentIntent = stripe.String(req.PaymentID)
	} else {
		params.Charge = stripe.String(req.PaymentID)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}

	r, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripe(OpRefund, err)
	}
	return &Refund{
		ID:        r.ID,
		PaymentID: req.PaymentID,
		Amount:    r.Amount,
		Status:    string(r.Status),
	}, nil
}

func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500 {
			return transient(op, err)
		}
		return permanent(op, err)
	}
	// No API response: network failure.
	return transient(op, err)
}
