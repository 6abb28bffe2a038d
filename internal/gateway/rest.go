package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RestClient speaks the orders/payments/refunds REST dialect used by
// Razorpay-style gateways, authenticated with HTTP basic auth (key id + secret).
type RestClient struct {
	http *resty.Client
}

var _ Client = (*RestClient)(nil)

// NewRestClient creates a client for baseURL. timeout bounds each HTTP call.
func NewRestClient(baseURL, keyID, keySecret string, timeout time.Duration) *RestClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetBasicAuth(keyID, keySecret).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &RestClient{http: c}
}

type orderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

func (c *RestClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var out Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(orderBody{Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Notes: req.Notes}).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return nil, transient(OpCreateOrder, err)
	}
	if resp.IsError() {
		return nil, statusError(OpCreateOrder, resp.StatusCode(), resp.String())
	}
	if out.ID == "" {
		return nil, permanent(OpCreateOrder, fmt.Errorf("response missing order id"))
	}
	return &out, nil
}

func (c *RestClient) FetchPayment(ctx context.Context, orderID, paymentID string) (*PaymentInfo, error) {
	var out PaymentInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/payments/" + url.PathEscape(paymentID))
	if err != nil {
		return nil, transient(OpFetchPayment, err)
	}
	if resp.IsError() {
		return nil, statusError(OpFetchPayment, resp.StatusCode(), resp.String())
	}
	if out.OrderID != orderID {
		return nil, permanent(OpFetchPayment, fmt.Errorf("%w: %s", ErrOrderMismatch, orderID))
	}
	return &out, nil
}

type paymentList struct {
	Items []PaymentInfo `json:"items"`
}

// LatestPayment lists the order's payments. The gateway returns them newest
// first, so they are reversed before picking.
func (c *RestClient) LatestPayment(ctx context.Context, orderID string) (*PaymentInfo, error) {
	var out paymentList
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/orders/" + url.PathEscape(orderID) + "/payments")
	if err != nil {
		return nil, transient(OpLatest, err)
	}
	if resp.IsError() {
		return nil, statusError(OpLatest, resp.StatusCode(), resp.String())
	}
	for i, j := 0, len(out.Items)-1; i < j; i, j = i+1, j-1 {
		out.Items[i], out.Items[j] = out.Items[j], out.Items[i]
	}
	return pickLatest(out.Items), nil
}

type refundBody struct {
	Amount int64             `json:"amount"`
	Notes  map[string]string `json:"notes,omitempty"`
}

func (c *RestClient) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var out Refund
	r := c.http.R().
		SetContext(ctx).
		SetBody(refundBody{Amount: req.Amount, Notes: req.Notes}).
		SetResult(&out)
	if req.IdempotencyKey != "" {
		r.SetHeader("X-Refund-Idempotency", req.IdempotencyKey)
	}
	resp, err := r.Post("/payments/" + url.PathEscape(req.PaymentID) + "/refund")
	if err != nil {
		return nil, transient(OpRefund, err)
	}
	if resp.IsError() {
		return nil, statusError(OpRefund, resp.StatusCode(), resp.String())
	}
	return &out, nil
}
