package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/ecollect/internal/idgen"
)

// FakeGateway is an in-memory gateway for development and tests. Orders are
// created immediately; payments report whatever status was last set for them.
type FakeGateway struct {
	mu sync.Mutex

	orders   map[string]*Order
	payments map[string]*PaymentInfo
	refunds  map[string]*Refund // by idempotency key

	// AutoCapture makes unknown payments of a known order report captured.
	AutoCapture bool

	failNext map[string]error
	calls    map[string]int
}

var _ Client = (*FakeGateway)(nil)

// NewFakeGateway creates an empty fake.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		orders:   make(map[string]*Order),
		payments: make(map[string]*PaymentInfo),
		refunds:  make(map[string]*Refund),
		failNext: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetPaymentStatus registers paymentID under orderID with the given status.
func (f *FakeGateway) SetPaymentStatus(orderID, paymentID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount := int64(0)
	if o, ok := f.orders[orderID]; ok {
		amount = o.Amount
	}
	f.payments[paymentID] = &PaymentInfo{ID: paymentID, OrderID: orderID, Status: status, Amount: amount}
}

// FailNext makes the next call to op return err.
func (f *FakeGateway) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// Calls returns how many times op was invoked.
func (f *FakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// caller must hold f.mu
func (f *FakeGateway) begin(op string) error {
	f.calls[op]++
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *FakeGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateOrder); err != nil {
		return nil, err
	}
	if req.Amount < 1 {
		return nil, permanent(OpCreateOrder, fmt.Errorf("amount must be at least 1"))
	}
	o := &Order{
		ID:       "order_" + idgen.Hex(7),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   StatusCreated,
	}
	f.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (f *FakeGateway) FetchPayment(ctx context.Context, orderID, paymentID string) (*PaymentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpFetchPayment); err != nil {
		return nil, err
	}
	p, ok := f.payments[paymentID]
	if !ok {
		o, known := f.orders[orderID]
		if !f.AutoCapture || !known {
			return nil, permanent(OpFetchPayment, fmt.Errorf("HTTP 404: payment %s not found", paymentID))
		}
		p = &PaymentInfo{ID: paymentID, OrderID: orderID, Status: StatusCaptured, Amount: o.Amount}
		f.payments[paymentID] = p
	}
	if p.OrderID != orderID {
		return nil, permanent(OpFetchPayment, fmt.Errorf("%w: %s", ErrOrderMismatch, orderID))
	}
	cp := *p
	return &cp, nil
}

func (f *FakeGateway) LatestPayment(ctx context.Context, orderID string) (*PaymentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpLatest); err != nil {
		return nil, err
	}
	var items []PaymentInfo
	for _, p := range f.payments {
		if p.OrderID == orderID {
			items = append(items, *p)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return pickLatest(items), nil
}

func (f *FakeGateway) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpRefund); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if r, ok := f.refunds[req.IdempotencyKey]; ok {
			cp := *r
			return &cp, nil
		}
	}
	p, ok := f.payments[req.PaymentID]
	if !ok || p.Status != StatusCaptured {
		return nil, permanent(OpRefund, fmt.Errorf("HTTP 400: payment %s is not captured", req.PaymentID))
	}
	p.Status = StatusRefunded
	r := &Refund{ID: "rfnd_" + idgen.Hex(7), PaymentID: req.PaymentID, Amount: req.Amount, Status: "processed"}
	if req.IdempotencyKey != "" {
		f.refunds[req.IdempotencyKey] = r
	}
	cp := *r
	return &cp, nil
}
