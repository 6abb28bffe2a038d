package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, gateway_order_id, gateway_payment_id, amount, currency,
		pickup_id, inspection_id, status, signature, webhook_processed,
		failure_reason, resolved_by, resolved_at,
		refund_id, refund_amount, refund_reason, refunded_at,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, gateway_order_id, amount, currency, pickup_id, inspection_id,
			status, webhook_processed, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.ID, pay.GatewayOrderID, pay.Amount, pay.Currency, pay.PickupID, pay.InspectionID,
		string(pay.Status), pay.WebhookProcessed, pay.CreatedAt, pay.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errDuplicateOrder
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return pay, err
}

func (p *PostgresStore) GetByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_order_id = $1`, gatewayOrderID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(gatewayOrderID)
	}
	return pay, err
}

func (p *PostgresStore) ListByPickup(ctx context.Context, pickupID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE pickup_id = $1
		ORDER BY created_at`, pickupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, t time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'Pending' AND NOT webhook_processed AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListSucceededSince(ctx context.Context, t time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'Success' AND resolved_at >= $1
		ORDER BY resolved_at
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

// Resolve is the single compare-and-set every resolution path goes through.
func (p *PostgresStore) Resolve(ctx context.Context, id string, r Resolution) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1,
			webhook_processed = TRUE,
			gateway_payment_id = COALESCE(NULLIF($2, ''), gateway_payment_id),
			signature = COALESCE(NULLIF($3, ''), signature),
			failure_reason = NULLIF($4, ''),
			resolved_by = $5,
			resolved_at = $6,
			updated_at = $6
		WHERE id = $7 AND status = 'Pending' AND NOT webhook_processed`,
		string(r.Status), r.GatewayPaymentID, r.Signature, r.FailureReason,
		string(r.ResolvedBy), r.At, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Lost the race, or the payment does not exist.
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id string, refund RefundRecord) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = 'Refunded',
			refund_id = $1, refund_amount = $2, refund_reason = $3, refunded_at = $4,
			updated_at = $4
		WHERE id = $5 AND status = 'Success'`,
		refund.ID, refund.Amount, refund.Reason, refund.At, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	var (
		pay                                         Payment
		status                                      string
		gwPaymentID, signature, failure, resolvedBy sql.NullString
		refundID, refundReason                      sql.NullString
		refundAmount                                sql.NullInt64
		resolvedAt, refundedAt                      sql.NullTime
	)
	err := row.Scan(
		&pay.ID, &pay.GatewayOrderID, &gwPaymentID, &pay.Amount, &pay.Currency,
		&pay.PickupID, &pay.InspectionID, &status, &signature, &pay.WebhookProcessed,
		&failure, &resolvedBy, &resolvedAt,
		&refundID, &refundAmount, &refundReason, &refundedAt,
		&pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.Status = Status(status)
	pay.GatewayPaymentID = gwPaymentID.String
	pay.Signature = signature.String
	pay.FailureReason = failure.String
	pay.ResolvedBy = ResolvedBy(resolvedBy.String)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		pay.ResolvedAt = &t
	}
	if refundID.Valid {
		pay.Refund = &RefundRecord{
			ID:     refundID.String,
			Amount: refundAmount.Int64,
			Reason: refundReason.String,
			At:     refundedAt.Time,
		}
	}
	return &pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

// PostgresEventLog stores webhook deliveries in gateway_events.
type PostgresEventLog struct {
	db *sql.DB
}

var _ EventLog = (*PostgresEventLog)(nil)

// NewPostgresEventLog creates a PostgreSQL-backed webhook log.
func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

func (l *PostgresEventLog) Record(ctx context.Context, ev *GatewayEvent) (bool, error) {
	payload := ev.Payload
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(ev.Payload))
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO gateway_events (event_id, event_type, gateway_order_id, payload, signature_valid, outcome, received_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Type, ev.GatewayOrderID, string(payload), ev.SignatureValid, ev.Outcome, ev.ReceivedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *PostgresEventLog) SetOutcome(ctx context.Context, eventID, outcome string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE gateway_events SET outcome = $1 WHERE event_id = $2`, outcome, eventID)
	return err
}

func (l *PostgresEventLog) Forget(ctx context.Context, eventID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM gateway_events WHERE event_id = $1`, eventID)
	return err
}
