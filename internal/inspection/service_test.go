package inspection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/gateway"
	"github.com/mbd888/ecollect/internal/ledger"
	"github.com/mbd888/ecollect/internal/logging"
	"github.com/mbd888/ecollect/internal/payments"
	"github.com/mbd888/ecollect/internal/pickup"
	"github.com/mbd888/ecollect/internal/registry"
	"github.com/mbd888/ecollect/internal/signature"
)

var (
	requester = auth.Actor{ID: "usr_req", Role: auth.RoleRequester}
	operator  = auth.Actor{ID: "usr_ops", Role: auth.RoleOperator}
	recycler  = auth.Actor{ID: "rc_green", Role: auth.RoleRecycler}
	agent     = auth.Actor{ID: "ag_ravi", Role: auth.RoleAgent}
)

type harness struct {
	svc      *Service
	store    *MemoryStore
	pickups  *pickup.Service
	payments *payments.Service
	gw       *gateway.FakeGateway
	verifier *signature.Verifier
	ledger   *ledger.Service
	rec      *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewService(registry.NewMemoryStore())
	for _, p := range []registry.CreateRequest{
		{ID: recycler.ID, Kind: "recycler", Name: "GreenCycle"},
		{ID: "rc_other", Kind: "recycler", Name: "BlueCycle"},
		{ID: agent.ID, Kind: "agent", Name: "Ravi"},
	} {
		_, err := reg.Register(ctx, p)
		require.NoError(t, err)
	}

	h := &harness{
		store:    NewMemoryStore(),
		gw:       gateway.NewFakeGateway(),
		verifier: signature.NewVerifier("inspection-test-secret-0123456789", ""),
		ledger:   ledger.NewService(ledger.NewMemoryStore(), logging.Discard()),
		rec:      &events.Recorder{},
	}
	h.pickups = pickup.NewService(pickup.NewMemoryStore(), reg, logging.Discard()).WithEmitter(h.rec)
	h.payments = payments.NewService(payments.NewMemoryStore(), payments.NewMemoryEventLog(), h.gw, h.verifier, logging.Discard()).
		WithEmitter(h.rec)
	h.svc = NewService(h.store, h.pickups, h.payments, h.ledger, logging.Discard()).WithEmitter(h.rec)
	h.payments.WithOutcomeHandler(h.svc)
	return h
}

// inTransit creates a pickup assigned to recycler and agent.
func (h *harness) inTransit(t *testing.T) *pickup.Pickup {
	t.Helper()
	ctx := context.Background()
	p, err := h.pickups.Create(ctx, requester, pickup.CreateRequest{
		Device:              pickup.Device{Type: "Phone", Brand: "Samsung", Model: "S10", Condition: pickup.ConditionNotWorking},
		Address:             pickup.Address{Street: "4 Park St", City: "Kolkata", State: "WB", PostalCode: "700016"},
		PreferredPickupDate: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = h.pickups.AssignRecycler(ctx, operator, p.ID, recycler.ID)
	require.NoError(t, err)
	p, err = h.pickups.AssignAgent(ctx, recycler, p.ID, agent.ID)
	require.NoError(t, err)
	return p
}

func (h *harness) received(t *testing.T) *Record {
	t.Helper()
	p := h.inTransit(t)
	r, err := h.svc.ConfirmReceived(context.Background(), recycler, p.ID)
	require.NoError(t, err)
	return r
}

func (h *harness) approved(t *testing.T) *Record {
	t.Helper()
	ctx := context.Background()
	r := h.received(t)
	_, err := h.svc.ProposePayment(ctx, recycler, r.ID, decimal.RequireFromString("500"))
	require.NoError(t, err)
	r, err = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.RequireFromString("480"))
	require.NoError(t, err)
	return r
}

// capture completes the payment through the interactive callback.
func (h *harness) capture(t *testing.T, paymentID string) {
	t.Helper()
	ctx := context.Background()
	pay, err := h.payments.Get(ctx, paymentID)
	require.NoError(t, err)
	h.gw.SetPaymentStatus(pay.GatewayOrderID, "pay_1", gateway.StatusCaptured)
	res, err := h.payments.ConfirmInteractive(ctx, payments.ConfirmRequest{
		GatewayOrderID:   pay.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        h.verifier.SignPayment(pay.GatewayOrderID, "pay_1"),
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func TestConfirmReceived(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.inTransit(t)

	r, err := h.svc.ConfirmReceived(ctx, recycler, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.InspectionStatus)
	assert.Equal(t, SettlementPending, r.PaymentStatus)
	assert.Equal(t, requester.ID, r.RequesterID)
	assert.True(t, r.ProposedPayment.IsZero())

	got, err := h.pickups.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pickup.StatusDelivered, got.Status)
	require.Len(t, got.StatusHistory, 4)
	assert.Equal(t, pickup.StatusCollected, got.StatusHistory[2].To)
	assert.Equal(t, pickup.StatusDelivered, got.StatusHistory[3].To)

	again, err := h.svc.ConfirmReceived(ctx, recycler, p.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)
}

func TestConfirmReceived_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.inTransit(t)

	_, err := h.svc.ConfirmReceived(ctx, auth.Actor{ID: "rc_other", Role: auth.RoleRecycler}, p.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = h.svc.ConfirmReceived(ctx, agent, p.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	pending, err := h.pickups.Create(ctx, requester, pickup.CreateRequest{
		Device:              pickup.Device{Type: "TV", Brand: "LG", Model: "X", Condition: pickup.ConditionScrap},
		Address:             pickup.Address{Street: "1 A Rd", City: "Goa", State: "GA", PostalCode: "403001"},
		PreferredPickupDate: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = h.pickups.AssignRecycler(ctx, operator, pending.ID, recycler.ID)
	require.NoError(t, err)

	_, err = h.svc.ConfirmReceived(ctx, recycler, pending.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, string(pickup.StatusScheduled), apperr.CurrentState(err))

	_, err = h.svc.ConfirmReceived(ctx, recycler, "pk_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecordInspection_AppendsMediaAndAudits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)

	r, err := h.svc.RecordInspection(ctx, recycler, r.ID, ReportUpdate{
		PhysicalDamagePct:        40,
		WorkingComponents:        []string{"battery", "screen"},
		ReusableSemiconductorPct: 25.5,
		ScrapValueEstimate:       decimal.RequireFromString("120.50"),
		Media: []pickup.Media{
			{ID: "i1", URL: "https://cdn.example.com/i1.jpg"},
			{ID: "i2", URL: "https://cdn.example.com/i2.jpg"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusUnderInspection, r.InspectionStatus)
	assert.Len(t, r.Report.Media, 2)

	// Second report replaces fields, keeps old media, skips repeats.
	r, err = h.svc.RecordInspection(ctx, recycler, r.ID, ReportUpdate{
		PhysicalDamagePct: 45,
		Media: []pickup.Media{
			{ID: "i2", URL: "https://cdn.example.com/i2.jpg"},
			{ID: "i3", URL: "https://cdn.example.com/i3.jpg"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 45.0, r.Report.PhysicalDamagePct)
	assert.Empty(t, r.Report.WorkingComponents)
	require.Len(t, r.Report.Media, 3)
	assert.Equal(t, "i3", r.Report.Media[2].ID)

	entries, err := h.ledger.ListBySubject(ctx, r.PickupID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "https://cdn.example.com/i1.jpg", entries[0].ContentRef)
	assert.Equal(t, "https://cdn.example.com/i3.jpg", entries[2].ContentRef)

	res, err := h.ledger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRecordInspection_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)

	tests := []ReportUpdate{
		{PhysicalDamagePct: 101},
		{ReusableSemiconductorPct: -1},
		{ScrapValueEstimate: decimal.RequireFromString("-3")},
		{ScrapValueEstimate: decimal.RequireFromString("1.005")},
		{Media: []pickup.Media{{ID: "x"}}},
	}
	for _, upd := range tests {
		_, err := h.svc.RecordInspection(ctx, recycler, r.ID, upd)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}

	_, err := h.svc.RecordInspection(ctx, auth.Actor{ID: "rc_other", Role: auth.RoleRecycler}, r.ID, ReportUpdate{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestCompleteInspection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)

	_, err := h.svc.CompleteInspection(ctx, recycler, r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "nothing recorded yet")

	_, err = h.svc.RecordInspection(ctx, recycler, r.ID, ReportUpdate{PhysicalDamagePct: 10})
	require.NoError(t, err)

	r, err = h.svc.CompleteInspection(ctx, recycler, r.ID, "battery swollen")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.InspectionStatus)
	assert.Equal(t, "battery swollen", r.InspectionNotes)

	_, err = h.svc.RecordInspection(ctx, recycler, r.ID, ReportUpdate{PhysicalDamagePct: 20})
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, string(StatusCompleted), apperr.CurrentState(err))
}

func TestProposeFinalize_ThenRejectIsIllegal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)

	r, err := h.svc.ProposePayment(ctx, recycler, r.ID, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.True(t, r.HasProposal)
	assert.True(t, r.ProposedPayment.Equal(decimal.NewFromInt(500)))

	r, err = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.NewFromInt(480))
	require.NoError(t, err)
	assert.Equal(t, SettlementApproved, r.PaymentStatus)
	assert.True(t, r.FinalPayment.Equal(decimal.NewFromInt(480)))
	require.NotEmpty(t, r.PaymentID)

	pay, err := h.payments.Get(ctx, r.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(48000), pay.Amount)
	assert.Equal(t, r.PickupID, pay.PickupID)
	assert.Equal(t, r.ID, pay.InspectionID)
	assert.Equal(t, payments.StatusPending, pay.Status)

	_, err = h.svc.Reject(ctx, recycler, r.ID, "damaged")
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, string(SettlementApproved), apperr.CurrentState(err))

	_, err = h.svc.ProposePayment(ctx, recycler, r.ID, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementApproved, got.PaymentStatus)
}

func TestFinalize_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)

	_, err := h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "no proposal yet")

	_, err = h.svc.ProposePayment(ctx, recycler, r.ID, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.svc.ProposePayment(ctx, recycler, r.ID, decimal.Zero)
	require.NoError(t, err, "a zero proposal is allowed")

	_, err = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.RequireFromString("0.001"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.Zero)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, h.gw.Calls(gateway.OpCreateOrder))

	r, err = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	pay, err := h.payments.Get(ctx, r.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pay.Amount)
}

func TestFinalize_GatewayFailureLeavesRecordUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)
	r, err := h.svc.ProposePayment(ctx, recycler, r.ID, decimal.NewFromInt(500))
	require.NoError(t, err)

	h.gw.FailNext(gateway.OpCreateOrder, apperr.Gateway(gateway.OpCreateOrder, errors.New("HTTP 503"), true))
	_, err = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.NewFromInt(480))
	require.ErrorIs(t, err, apperr.ErrGateway)
	assert.True(t, apperr.IsRetryable(err))

	got, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementPending, got.PaymentStatus)
	assert.Empty(t, got.PaymentID)
	assert.True(t, got.FinalPayment.IsZero())
	assert.Equal(t, r.Version, got.Version)
}

func TestReject_ThenRepropose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)
	_, err := h.svc.ProposePayment(ctx, recycler, r.ID, decimal.NewFromInt(300))
	require.NoError(t, err)

	_, err = h.svc.Reject(ctx, recycler, r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	r, err = h.svc.Reject(ctx, recycler, r.ID, "requester declined")
	require.NoError(t, err)
	assert.Equal(t, SettlementRejected, r.PaymentStatus)
	assert.Equal(t, "requester declined", r.InspectionNotes)

	_, err = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.NewFromInt(300))
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	r, err = h.svc.ProposePayment(ctx, recycler, r.ID, decimal.NewFromInt(350))
	require.NoError(t, err)
	assert.Equal(t, SettlementPending, r.PaymentStatus)
}

func TestMarkPaid_ViaPaymentSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approved(t)

	h.capture(t, r.PaymentID)

	got, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementPaid, got.PaymentStatus)

	p, err := h.pickups.Get(ctx, operator, r.PickupID)
	require.NoError(t, err)
	assert.Equal(t, pickup.StatusVerified, p.Status)
	assert.Equal(t, auth.System.ID, p.StatusHistory[len(p.StatusHistory)-1].ActorID)

	// Re-driving is harmless.
	again, err := h.svc.MarkPaid(ctx, r.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, SettlementPaid, again.PaymentStatus)
	assert.Equal(t, got.Version, again.Version)

	paid := 0
	for _, ev := range h.rec.OfType(events.TypeInspectionUpdated) {
		if ev.NewStatus == string(SettlementPaid) {
			paid++
		}
	}
	assert.Equal(t, 1, paid)
}

func TestMarkPaid_RequiresSuccessfulPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approved(t)

	_, err := h.svc.MarkPaid(ctx, r.PaymentID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, string(payments.StatusPending), apperr.CurrentState(err))

	// A successful payment for another order of the same pickup does not settle it.
	stray, err := h.payments.CreateOrder(ctx, payments.CreateOrderRequest{
		PickupID: r.PickupID, InspectionID: r.ID, Amount: 100, Currency: "INR",
	})
	require.NoError(t, err)
	h.gw.SetPaymentStatus(stray.GatewayOrderID, "pay_stray", gateway.StatusCaptured)
	_, err = h.payments.ConfirmInteractive(ctx, payments.ConfirmRequest{
		GatewayOrderID:   stray.GatewayOrderID,
		GatewayPaymentID: "pay_stray",
		Signature:        h.verifier.SignPayment(stray.GatewayOrderID, "pay_stray"),
	})
	require.NoError(t, err)

	_, err = h.svc.MarkPaid(ctx, stray.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementApproved, got.PaymentStatus)

	_, err = h.svc.MarkPaid(ctx, "order_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentFinalize_OneOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)
	_, err := h.svc.ProposePayment(ctx, recycler, r.ID, decimal.NewFromInt(500))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.FinalizePayment(ctx, recycler, r.ID, decimal.NewFromInt(480))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.gw.Calls(gateway.OpCreateOrder))
	list, err := h.payments.ListByPickup(ctx, r.PickupID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.received(t)

	_, err := h.svc.Get(ctx, requester, r.ID)
	require.NoError(t, err)
	_, err = h.svc.GetByPickup(ctx, recycler, r.PickupID)
	require.NoError(t, err)
	_, err = h.svc.Get(ctx, agent, r.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	list, err := h.svc.ListByRecycler(ctx, recycler, recycler.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	_, err = h.svc.ListByRecycler(ctx, recycler, "rc_other", 0)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	approved, err := h.svc.ListApproved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, approved)
}
