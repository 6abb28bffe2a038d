package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/circuitbreaker"
	"github.com/mbd888/ecollect/internal/retry"
	"github.com/mbd888/ecollect/internal/traces"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Payment gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecollect",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Payment gateway call latency, including retries.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration)
}

// Guarded wraps a Client with a per-attempt timeout, bounded retries of
// transient failures, and a circuit breaker per operation.
type Guarded struct {
	inner    Client
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

var _ Client = (*Guarded)(nil)

// NewGuarded wraps inner. A nil breaker disables circuit breaking.
func NewGuarded(inner Client, breaker *circuitbreaker.Breaker, timeout time.Duration, logger *slog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Guarded{
		inner:    inner,
		breaker:  breaker,
		timeout:  timeout,
		attempts: 3,
		backoff:  200 * time.Millisecond,
		logger:   logger,
	}
}

// WithRetry overrides the retry policy.
func (g *Guarded) WithRetry(attempts int, backoff time.Duration) *Guarded {
	g.attempts = attempts
	g.backoff = backoff
	return g
}

// CountsAsFailure is the breaker classifier for gateway calls: only
// transient failures trip the circuit.
func CountsAsFailure(err error) bool {
	return apperr.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "gateway."+op)
	defer span.End()

	attempt := 0
	err := retry.DoIf(ctx, g.attempts, g.backoff, apperr.IsRetryable, func() error {
		attempt++
		run := func() error {
			cctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			err := fn(cctx)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return transient(op, err)
			}
			return err
		}
		var err error
		if g.breaker != nil {
			err = g.breaker.Execute("gateway:"+op, run)
			if errors.Is(err, circuitbreaker.ErrOpen) {
				return retry.Permanent(transient(op, err))
			}
		} else {
			err = run()
		}
		if err != nil && attempt < g.attempts && apperr.IsRetryable(err) {
			g.logger.Warn("gateway call failed, retrying", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})

	callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "circuit_open"
	case apperr.IsRetryable(err):
		outcome = "transient"
	default:
		outcome = "error"
	}
	callsTotal.WithLabelValues(op, outcome).Inc()
	traces.RecordError(span, err)
	return err
}

func (g *Guarded) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var out *Order
	err := g.call(ctx, OpCreateOrder, func(ctx context.Context) error {
		var err error
		out, err = g.inner.CreateOrder(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) FetchPayment(ctx context.Context, orderID, paymentID string) (*PaymentInfo, error) {
	var out *PaymentInfo
	err := g.call(ctx, OpFetchPayment, func(ctx context.Context) error {
		var err error
		out, err = g.inner.FetchPayment(ctx, orderID, paymentID)
		return err
	})
	return out, err
}

func (g *Guarded) LatestPayment(ctx context.Context, orderID string) (*PaymentInfo, error) {
	var out *PaymentInfo
	err := g.call(ctx, OpLatest, func(ctx context.Context) error {
		var err error
		out, err = g.inner.LatestPayment(ctx, orderID)
		return err
	})
	return out, err
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var out *Refund
	err := g.call(ctx, OpRefund, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Refund(ctx, req)
		return err
	})
	return out, err
}
