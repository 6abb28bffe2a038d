// Package reconciliation sweeps for state the request paths could not finish:
// payments the gateway resolved without telling us, settlements whose
// hand-off failed, and damage to the audit chain.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ecollect/internal/inspection"
	"github.com/mbd888/ecollect/internal/ledger"
	"github.com/mbd888/ecollect/internal/payments"
)

const defaultBatch = 100

// Payments is the slice of the payment service the sweeper needs.
type Payments interface {
	Get(ctx context.Context, id string) (*payments.Payment, error)
	ListPendingBefore(ctx context.Context, t time.Time, limit int) ([]*payments.Payment, error)
	Reconcile(ctx context.Context, p *payments.Payment) (bool, error)
}

// Settlements is the slice of the inspection service the sweeper needs.
type Settlements interface {
	ListApproved(ctx context.Context, limit int) ([]*inspection.Record, error)
	MarkPaid(ctx context.Context, paymentID string) (*inspection.Record, error)
}

// ChainVerifier replays the audit chain.
type ChainVerifier interface {
	VerifyChain(ctx context.Context) (*ledger.VerifyResult, error)
}

// Result summarizes one sweep.
type Result struct {
	PendingChecked int                  `json:"pendingChecked"`
	Resolved       int                  `json:"resolved"`
	Settled        int                  `json:"settled"`
	Errors         int                  `json:"errors"`
	Chain          *ledger.VerifyResult `json:"chain,omitempty"`
	Duration       time.Duration        `json:"duration"`
}

// Runner performs the reconciliation checks.
type Runner struct {
	payments    Payments
	settlements Settlements
	chain       ChainVerifier
	staleAfter  time.Duration
	batch       int
	logger      *slog.Logger
	now         func() time.Time
}

// NewRunner creates a runner. Payments left Pending for longer than
// staleAfter are re-checked against the gateway.
func NewRunner(pay Payments, settlements Settlements, chain ChainVerifier, staleAfter time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		payments:    pay,
		settlements: settlements,
		chain:       chain,
		staleAfter:  staleAfter,
		batch:       defaultBatch,
		logger:      logger,
		now:         time.Now,
	}
}

// RunAll runs every check. A failing check is logged and counted; the
// others still run. The returned error joins the failures.
func (r *Runner) RunAll(ctx context.Context) (*Result, error) {
	start := r.now()
	res := &Result{}
	var errs []error

	if err := r.sweepPending(ctx, res); err != nil {
		errs = append(errs, fmt.Errorf("stale payments: %w", err))
	}
	if err := r.redriveSettlements(ctx, res); err != nil {
		errs = append(errs, fmt.Errorf("settlements: %w", err))
	}
	if err := r.verifyChain(ctx, res); err != nil {
		errs = append(errs, fmt.Errorf("audit chain: %w", err))
	}

	res.Duration = r.now().Sub(start)
	runDuration.Observe(res.Duration.Seconds())
	pendingChecked.Set(float64(res.PendingChecked))
	settledDrift.Set(float64(res.Settled))
	if len(errs) > 0 {
		runErrors.Add(float64(len(errs)))
	}

	r.logger.Info("reconciliation run",
		"pendingChecked", res.PendingChecked, "resolved", res.Resolved,
		"settled", res.Settled, "errors", res.Errors, "duration", res.Duration)
	return res, errors.Join(errs...)
}

func (r *Runner) sweepPending(ctx context.Context, res *Result) error {
	stale, err := r.payments.ListPendingBefore(ctx, r.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return err
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.PendingChecked++
		applied, err := r.payments.Reconcile(ctx, p)
		if err != nil {
			res.Errors++
			r.logger.Warn("payment reconcile failed", "paymentId", p.ID, "error", err)
			continue
		}
		if applied {
			res.Resolved++
		}
	}
	return nil
}

// redriveSettlements finishes settlements whose payment succeeded but whose
// MarkPaid hand-off never landed.
func (r *Runner) redriveSettlements(ctx context.Context, res *Result) error {
	approved, err := r.settlements.ListApproved(ctx, r.batch)
	if err != nil {
		return err
	}
	for _, rec := range approved {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rec.PaymentID == "" {
			continue
		}
		p, err := r.payments.Get(ctx, rec.PaymentID)
		if err != nil {
			res.Errors++
			r.logger.Warn("settlement payment lookup failed", "inspectionId", rec.ID, "paymentId", rec.PaymentID, "error", err)
			continue
		}
		if p.Status != payments.StatusSuccess {
			continue
		}
		if _, err := r.settlements.MarkPaid(ctx, p.ID); err != nil {
			res.Errors++
			r.logger.Warn("settlement re-drive failed", "inspectionId", rec.ID, "paymentId", p.ID, "error", err)
			continue
		}
		res.Settled++
		r.logger.Info("settlement re-driven", "inspectionId", rec.ID, "paymentId", p.ID)
	}
	return nil
}

func (r *Runner) verifyChain(ctx context.Context, res *Result) error {
	if r.chain == nil {
		return nil
	}
	v, err := r.chain.VerifyChain(ctx)
	if err != nil {
		return err
	}
	res.Chain = v
	chainEntries.Set(float64(v.Entries))
	if v.Valid {
		chainValid.Set(1)
	} else {
		chainValid.Set(0)
		r.logger.Error("audit chain verification failed", "brokenAt", v.BrokenAt, "reason", v.Reason)
	}
	return nil
}
