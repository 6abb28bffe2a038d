package inspection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/ecollect/internal/apperr"
)

// PostgresStore persists inspection records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed inspection store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, pickup_id, recycler_id, requester_id, report, inspection_status,
		proposed_payment, final_payment, has_proposal, payment_status, payment_id,
		inspection_notes, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	report, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inspections (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.PickupID, r.RecyclerID, r.RequesterID, string(report), string(r.InspectionStatus),
		r.ProposedPayment, r.FinalPayment, r.HasProposal, string(r.PaymentStatus), nullString(r.PaymentID),
		r.InspectionNotes, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.Conflict("inspection for pickup", r.PickupID)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM inspections WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return r, err
}

func (s *PostgresStore) GetByPickup(ctx context.Context, pickupID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM inspections WHERE pickup_id = $1`, pickupID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("inspection for pickup", pickupID)
	}
	return r, err
}

func (s *PostgresStore) Update(ctx context.Context, r *Record) error {
	report, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE inspections SET
			report = $1, inspection_status = $2, proposed_payment = $3, final_payment = $4,
			has_proposal = $5, payment_status = $6, payment_id = $7, inspection_notes = $8,
			updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		string(report), string(r.InspectionStatus), r.ProposedPayment, r.FinalPayment,
		r.HasProposal, string(r.PaymentStatus), nullString(r.PaymentID), r.InspectionNotes,
		r.UpdatedAt, r.ID, r.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return apperr.Conflict("inspection", r.ID)
	}
	r.Version++
	return nil
}

func (s *PostgresStore) ListByRecycler(ctx context.Context, recyclerID string, limit int) ([]*Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM inspections
		WHERE recycler_id = $1 ORDER BY created_at DESC LIMIT $2`, recyclerID, limit)
}

func (s *PostgresStore) ListByPaymentStatus(ctx context.Context, status SettlementStatus, limit int) ([]*Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM inspections
		WHERE payment_status = $1 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r         Record
		report    []byte
		insStatus string
		payStatus string
		paymentID sql.NullString
	)
	err := sc.Scan(
		&r.ID, &r.PickupID, &r.RecyclerID, &r.RequesterID, &report, &insStatus,
		&r.ProposedPayment, &r.FinalPayment, &r.HasProposal, &payStatus, &paymentID,
		&r.InspectionNotes, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(report, &r.Report); err != nil {
		return nil, fmt.Errorf("decode report for %s: %w", r.ID, err)
	}
	r.InspectionStatus = Status(insStatus)
	r.PaymentStatus = SettlementStatus(payStatus)
	r.PaymentID = paymentID.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
