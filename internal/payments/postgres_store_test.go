//go:build integration

package payments

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGPayment(t *testing.T, store *PostgresStore, id, order string) *Payment {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := &Payment{
		ID: id, GatewayOrderID: order, Amount: 5000, Currency: "INR",
		PickupID: "pk_1", InspectionID: "insp_1", Status: StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(context.Background(), p))
	return p
}

func TestPostgresStore_ResolveIsCompareAndSet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	p := newPGPayment(t, store, "order_pg1", "gw_order_1")

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusSuccess
			if i%2 == 1 {
				status = StatusFailed
			}
			ok, err := store.Resolve(ctx, p.ID, Resolution{
				Status: status, GatewayPaymentID: "pay_1", ResolvedBy: ResolvedWebhook, At: time.Now().UTC(),
			})
			assert.NoError(t, err)
			if ok {
				won.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.WebhookProcessed)
	assert.NotEqual(t, StatusPending, got.Status)
	assert.Equal(t, "pay_1", got.GatewayPaymentID)
	require.NotNil(t, got.ResolvedAt)
}

func TestPostgresStore_RefundAndLookups(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	p := newPGPayment(t, store, "order_pg2", "gw_order_2")

	ok, err := store.MarkRefunded(ctx, p.ID, RefundRecord{ID: "rf", Amount: 1, Reason: "x", At: time.Now().UTC()})
	require.NoError(t, err)
	assert.False(t, ok, "pending payments cannot be refunded")

	_, err = store.Resolve(ctx, p.ID, Resolution{Status: StatusSuccess, ResolvedBy: ResolvedInteractive, At: time.Now().UTC()})
	require.NoError(t, err)
	ok, err = store.MarkRefunded(ctx, p.ID, RefundRecord{ID: "rf", Amount: 5000, Reason: "x", At: time.Now().UTC()})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetByGatewayOrder(ctx, "gw_order_2")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	require.NotNil(t, got.Refund)
	assert.Equal(t, int64(5000), got.Refund.Amount)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.Resolve(ctx, "missing", Resolution{Status: StatusSuccess, At: time.Now()})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresEventLog_Dedup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	log := NewPostgresEventLog(db)
	ctx := context.Background()

	ev := &GatewayEvent{EventID: "evt_1", Type: EventPaymentCaptured, Payload: []byte(`{"a":1}`), SignatureValid: true, ReceivedAt: time.Now()}
	fresh, err := log.Record(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = log.Record(ctx, ev)
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, log.Forget(ctx, "evt_1"))
	fresh, err = log.Record(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)
}
