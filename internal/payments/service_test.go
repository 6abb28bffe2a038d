package payments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/gateway"
	"github.com/mbd888/ecollect/internal/logging"
	"github.com/mbd888/ecollect/internal/signature"
)

const testSecret = "test-payment-secret-0123456789"

type harness struct {
	svc      *Service
	store    *MemoryStore
	log      *MemoryEventLog
	gw       *gateway.FakeGateway
	verifier *signature.Verifier
	rec      *events.Recorder
	paid     atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		log:      NewMemoryEventLog(),
		gw:       gateway.NewFakeGateway(),
		verifier: signature.NewVerifier(testSecret, ""),
		rec:      &events.Recorder{},
	}
	h.svc = NewService(h.store, h.log, h.gw, h.verifier, logging.Discard()).
		WithEmitter(h.rec).
		WithOutcomeHandler(OutcomeHandlerFunc(func(ctx context.Context, p *Payment) error {
			h.paid.Add(1)
			return nil
		}))
	return h
}

func (h *harness) order(t *testing.T) *Payment {
	t.Helper()
	p, err := h.svc.CreateOrder(context.Background(), CreateOrderRequest{
		PickupID: "pk_1", InspectionID: "insp_1", Amount: 150000, Currency: "inr",
	})
	require.NoError(t, err)
	return p
}

func (h *harness) webhook(t *testing.T, event, orderID, paymentID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": event,
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id": paymentID, "order_id": orderID, "status": "ignored", "amount": 150000,
					"error_description": "card declined",
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)
	p := h.order(t)

	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "INR", p.Currency)
	assert.NotEmpty(t, p.GatewayOrderID)
	assert.False(t, p.WebhookProcessed)

	got, err := h.svc.GetByGatewayOrder(context.Background(), p.GatewayOrderID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestCreateOrder_RejectsNonPositiveAmount(t *testing.T) {
	h := newHarness(t)
	for _, amt := range []int64{0, -5} {
		_, err := h.svc.CreateOrder(context.Background(), CreateOrderRequest{
			PickupID: "pk_1", InspectionID: "insp_1", Amount: amt, Currency: "INR",
		})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}
	assert.Zero(t, h.gw.Calls(gateway.OpCreateOrder), "validation happens before the gateway")
}

func TestCreateOrder_GatewayFailure(t *testing.T) {
	h := newHarness(t)
	h.gw.FailNext(gateway.OpCreateOrder, apperr.Gateway(gateway.OpCreateOrder, errors.New("HTTP 503"), true))

	_, err := h.svc.CreateOrder(context.Background(), CreateOrderRequest{
		PickupID: "pk_1", InspectionID: "insp_1", Amount: 100, Currency: "INR",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))

	list, err := h.svc.ListByPickup(context.Background(), "pk_1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConfirmInteractive_Captured(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusCaptured)

	res, err := h.svc.ConfirmInteractive(ctx, ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusSuccess, res.Payment.Status)
	assert.True(t, res.Payment.WebhookProcessed)
	assert.Equal(t, ResolvedInteractive, res.Payment.ResolvedBy)
	assert.Equal(t, "pay_1", res.Payment.GatewayPaymentID)
	assert.Equal(t, int32(1), h.paid.Load())

	resolved := h.rec.OfType(events.TypePaymentResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "Success", resolved[0].NewStatus)
	assert.Equal(t, "pk_1", resolved[0].PickupID)
}

func TestConfirmInteractive_GatewayFailed(t *testing.T) {
	h := newHarness(t)
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusFailed)

	res, err := h.svc.ConfirmInteractive(context.Background(), ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusFailed, res.Payment.Status)
	assert.NotEmpty(t, res.Payment.FailureReason)
	assert.Zero(t, h.paid.Load())
}

func TestConfirmInteractive_NotYetCaptured(t *testing.T) {
	h := newHarness(t)
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusAuthorized)

	res, err := h.svc.ConfirmInteractive(context.Background(), ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, StatusPending, res.Payment.Status)
	assert.False(t, res.Payment.WebhookProcessed)
}

func TestConfirmInteractive_GatewayUnavailableLeavesPending(t *testing.T) {
	h := newHarness(t)
	p := h.order(t)
	h.gw.FailNext(gateway.OpFetchPayment, apperr.Gateway(gateway.OpFetchPayment, context.DeadlineExceeded, true))

	_, err := h.svc.ConfirmInteractive(context.Background(), ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrGateway)
	assert.True(t, apperr.IsRetryable(err))

	got, err := h.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

// Forged callback: the payment is failed and the caller told why only generically.
func TestConfirmInteractive_ForgedSignature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusCaptured)

	forged := signature.NewVerifier("some-other-secret-abcdef", "").SignPayment(p.GatewayOrderID, "pay_1")
	_, err := h.svc.ConfirmInteractive(ctx, ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        forged,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)
	assert.NotContains(t, err.Error(), h.verifier.SignPayment(p.GatewayOrderID, "pay_1"))
	assert.Zero(t, h.gw.Calls(gateway.OpFetchPayment), "forged callbacks never reach the gateway")

	got, err := h.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, InvalidSignatureReason, got.FailureReason)
	assert.True(t, got.WebhookProcessed)

	// A genuine webhook arriving afterwards changes nothing.
	body := h.webhook(t, EventPaymentCaptured, p.GatewayOrderID, "pay_1")
	res, err := h.svc.HandleWebhook(ctx, body, h.verifier.SignWebhook(body), "evt_after_forgery")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	got, _ = h.svc.Get(ctx, p.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, h.paid.Load())
}

func TestConfirmInteractive_AlreadyResolvedIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusCaptured)
	req := ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	}

	_, err := h.svc.ConfirmInteractive(ctx, req)
	require.NoError(t, err)
	res, err := h.svc.ConfirmInteractive(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, StatusSuccess, res.Payment.Status)
	assert.Equal(t, 1, h.gw.Calls(gateway.OpFetchPayment))
	assert.Len(t, h.rec.OfType(events.TypePaymentResolved), 1)
	assert.Equal(t, int32(1), h.paid.Load())
}

func TestConfirmInteractive_UnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ConfirmInteractive(context.Background(), ConfirmRequest{
		GatewayOrderID: "order_nope", GatewayPaymentID: "pay_1", Signature: "00",
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHandleWebhook_CapturedAndDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)

	body := h.webhook(t, EventPaymentCaptured, p.GatewayOrderID, "pay_9")
	sig := h.verifier.SignWebhook(body)

	res, err := h.svc.HandleWebhook(ctx, body, sig, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.False(t, res.Duplicate)

	got, err := h.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, ResolvedWebhook, got.ResolvedBy)
	assert.Equal(t, "pay_9", got.GatewayPaymentID)

	res, err = h.svc.HandleWebhook(ctx, body, sig, "evt_1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	ev, ok := h.log.Get("evt_1")
	require.True(t, ok)
	assert.Equal(t, OutcomeApplied, ev.Outcome)
	assert.Len(t, h.rec.OfType(events.TypePaymentResolved), 1)
	assert.Equal(t, int32(1), h.paid.Load())
}

func TestHandleWebhook_EventIDDefaultsToBodyHash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)
	body := h.webhook(t, EventPaymentFailed, p.GatewayOrderID, "pay_9")
	sig := h.verifier.SignWebhook(body)

	first, err := h.svc.HandleWebhook(ctx, body, sig, "")
	require.NoError(t, err)
	assert.Len(t, first.EventID, 64)

	second, err := h.svc.HandleWebhook(ctx, body, sig, "")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	got, _ := h.svc.Get(ctx, p.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "card declined", got.FailureReason)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)
	body := h.webhook(t, EventPaymentCaptured, p.GatewayOrderID, "pay_9")

	_, err := h.svc.HandleWebhook(ctx, body, "deadbeef", "evt_bad")
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)

	_, recorded := h.log.Get("evt_bad")
	assert.False(t, recorded, "rejected deliveries must not burn the event id")
	got, _ := h.svc.Get(ctx, p.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestHandleWebhook_IgnoredAndUnknown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	body := h.webhook(t, "order.paid", "order_x", "pay_x")
	res, err := h.svc.HandleWebhook(ctx, body, h.verifier.SignWebhook(body), "evt_a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	body = h.webhook(t, EventPaymentCaptured, "order_unknown", "pay_x")
	res, err = h.svc.HandleWebhook(ctx, body, h.verifier.SignWebhook(body), "evt_b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, res.Outcome)
}

func TestHandleWebhook_MalformedBody(t *testing.T) {
	h := newHarness(t)
	body := []byte("not json")
	_, err := h.svc.HandleWebhook(context.Background(), body, h.verifier.SignWebhook(body), "evt")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) Resolve(ctx context.Context, id string, r Resolution) (bool, error) {
	if f.fail {
		return false, errors.New("connection reset")
	}
	return f.MemoryStore.Resolve(ctx, id, r)
}

func TestHandleWebhook_FailureReleasesEventID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	fs := &failingStore{MemoryStore: h.store, fail: true}
	h.svc.store = fs
	p := h.order(t)

	body := h.webhook(t, EventPaymentCaptured, p.GatewayOrderID, "pay_9")
	sig := h.verifier.SignWebhook(body)
	_, err := h.svc.HandleWebhook(ctx, body, sig, "evt_retry")
	require.Error(t, err)

	fs.fail = false
	res, err := h.svc.HandleWebhook(ctx, body, sig, "evt_retry")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

// The interactive callback and the webhook race; exactly one resolves.
func TestResolution_ConcurrentPathsResolveOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gw.AutoCapture = true
	p := h.order(t)

	body := h.webhook(t, EventPaymentCaptured, p.GatewayOrderID, "pay_1")
	wsig := h.verifier.SignWebhook(body)
	req := ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	}

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := h.svc.ConfirmInteractive(ctx, req)
			if err == nil && res.Applied {
				applied.Add(1)
			}
		}()
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.HandleWebhook(ctx, body, wsig, "evt_"+string(rune('a'+i)))
			if err == nil && res.Outcome == OutcomeApplied {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Len(t, h.rec.OfType(events.TypePaymentResolved), 1)
	assert.Equal(t, int32(1), h.paid.Load())

	got, _ := h.svc.Get(ctx, p.ID)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)

	applied, err := h.svc.Reconcile(ctx, p)
	require.NoError(t, err)
	assert.False(t, applied, "no attempt at the gateway yet")

	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_r", gateway.StatusCaptured)
	applied, err = h.svc.Reconcile(ctx, p)
	require.NoError(t, err)
	assert.True(t, applied)

	got, _ := h.svc.Get(ctx, p.ID)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, ResolvedReconciler, got.ResolvedBy)
	assert.Equal(t, "pay_r", got.GatewayPaymentID)
}

func TestCapturedAmountMismatchFails(t *testing.T) {
	h := newHarness(t)
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusCaptured)

	r, ok := resolutionFor(p, &gateway.PaymentInfo{ID: "pay_1", Status: gateway.StatusCaptured, Amount: p.Amount - 1})
	require.True(t, ok)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.FailureReason, "does not match")
}

func captured(t *testing.T, h *harness) *Payment {
	t.Helper()
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusCaptured)
	res, err := h.svc.ConfirmInteractive(context.Background(), ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Payment.Status)
	return res.Payment
}

var operator = auth.Actor{ID: "op_1", Role: auth.RoleOperator}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := captured(t, h)

	got, err := h.svc.Refund(ctx, operator, p.ID, RefundRequest{Reason: "device returned"})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	require.NotNil(t, got.Refund)
	assert.Equal(t, p.Amount, got.Refund.Amount)
	assert.Equal(t, "device returned", got.Refund.Reason)

	_, err = h.svc.Refund(ctx, operator, p.ID, RefundRequest{Reason: "again"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, 1, h.gw.Calls(gateway.OpRefund))
}

// Refunding a payment that never succeeded is rejected before any gateway call.
func TestRefund_PendingRejectedWithoutGatewayCall(t *testing.T) {
	h := newHarness(t)
	p := h.order(t)

	_, err := h.svc.Refund(context.Background(), operator, p.ID, RefundRequest{Reason: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, "Pending", apperr.CurrentState(err))
	assert.Zero(t, h.gw.Calls(gateway.OpRefund))
}

func TestRefund_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := captured(t, h)

	_, err := h.svc.Refund(ctx, operator, p.ID, RefundRequest{Amount: p.Amount + 1, Reason: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.Refund(ctx, operator, p.ID, RefundRequest{Amount: -1, Reason: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.Refund(ctx, auth.Actor{ID: "r", Role: auth.RoleRecycler}, p.ID, RefundRequest{Reason: "x"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Zero(t, h.gw.Calls(gateway.OpRefund))
}

func TestRefund_ConcurrentRequestsRefundOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := captured(t, h)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Refund(ctx, operator, p.ID, RefundRequest{Reason: "dup"}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, 1, h.gw.Calls(gateway.OpRefund))
}

func TestListPendingBefore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	old := h.order(t)
	resolved := captured(t, h)

	list, err := h.svc.ListPendingBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, old.ID, list[0].ID)

	succ, err := h.svc.ListSucceededSince(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, succ, 1)
	assert.Equal(t, resolved.ID, succ[0].ID)
}

// A valid interactive confirmation followed by the webhook for the same order.
func TestInteractiveThenWebhook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.order(t)
	h.gw.SetPaymentStatus(p.GatewayOrderID, "pay_1", gateway.StatusCaptured)

	res, err := h.svc.ConfirmInteractive(ctx, ConfirmRequest{
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(p.GatewayOrderID, "pay_1"),
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	body := h.webhook(t, EventPaymentCaptured, p.GatewayOrderID, "pay_1")
	wres, err := h.svc.HandleWebhook(ctx, body, h.verifier.SignWebhook(body), "evt_late")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, wres.Outcome)

	got, err := h.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.True(t, got.WebhookProcessed)
	assert.Equal(t, ResolvedInteractive, got.ResolvedBy)
	assert.Len(t, h.rec.OfType(events.TypePaymentResolved), 1)
}
