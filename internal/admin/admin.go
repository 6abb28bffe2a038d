// Package admin provides operator-only endpoints for inspecting and repairing
// payment and settlement state between reconciliation runs.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/ecollect/internal/payments"
	"github.com/mbd888/ecollect/internal/reconciliation"
)

// Payments is the slice of the payment service admin handlers use.
type Payments interface {
	Get(ctx context.Context, id string) (*payments.Payment, error)
	ListPendingBefore(ctx context.Context, t time.Time, limit int) ([]*payments.Payment, error)
	Reconcile(ctx context.Context, p *payments.Payment) (bool, error)
}

// Reconciler runs a full reconciliation sweep on demand.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Result, error)
}

// StatsSource reports runtime counters, such as the realtime hub's.
type StatsSource interface {
	Stats() map[string]interface{}
}

// SweepHistory reports the scheduled reconciler's most recent sweep.
type SweepHistory interface {
	LastRun() (*reconciliation.Result, time.Time, error)
}

// BreakerState lists open circuit keys.
type BreakerState interface {
	OpenKeys() []string
}
