//go:build integration

package inspection

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/pickup"
	"github.com/mbd888/ecollect/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, pickup.NewPostgresStore(db).Create(ctx, &pickup.Pickup{
		ID: "pk_pg", RequesterID: "usr_req", Status: pickup.StatusDelivered,
		RecyclerID: "rc_1", AgentID: "ag_1",
		Device:              pickup.Device{Type: "Phone", Brand: "X", Model: "Y", Condition: pickup.ConditionScrap},
		Address:             pickup.Address{Street: "s", City: "c", State: "st", PostalCode: "123456"},
		PreferredPickupDate: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}))

	store := NewPostgresStore(db)
	r := &Record{
		ID: "insp_pg", PickupID: "pk_pg", RecyclerID: "rc_1", RequesterID: "usr_req",
		Report:           Report{WorkingComponents: []string{}, Media: []pickup.Media{}},
		InspectionStatus: StatusPending, PaymentStatus: SettlementPending,
		ProposedPayment: decimal.Zero, FinalPayment: decimal.Zero,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, r))

	dup := *r
	dup.ID = "insp_pg2"
	assert.ErrorIs(t, store.Create(ctx, &dup), apperr.ErrConflict)

	r.Report.Media = append(r.Report.Media, pickup.Media{ID: "m", URL: "https://cdn.example.com/m.jpg"})
	r.Report.ScrapValueEstimate = decimal.RequireFromString("12.34")
	r.ProposedPayment = decimal.RequireFromString("500.00")
	r.FinalPayment = decimal.RequireFromString("480.50")
	r.HasProposal = true
	r.PaymentStatus = SettlementApproved
	r.PaymentID = "order_1"
	require.NoError(t, store.Update(ctx, r))

	got, err := store.GetByPickup(ctx, "pk_pg")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.FinalPayment.Equal(decimal.RequireFromString("480.5")))
	assert.Equal(t, "order_1", got.PaymentID)
	require.Len(t, got.Report.Media, 1)

	stale := *r
	stale.Version = 1
	assert.ErrorIs(t, store.Update(ctx, &stale), apperr.ErrConflict)

	approved, err := store.ListByPaymentStatus(ctx, SettlementApproved, 10)
	require.NoError(t, err)
	assert.Len(t, approved, 1)
}
