package registry

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists participants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, kind, name, active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, string(p.Kind), p.Name, p.Active, p.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errExists(p.ID)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Participant, error) {
	var (
		p    Participant
		kind string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, active, created_at FROM participants WHERE id = $1`, id,
	).Scan(&p.ID, &kind, &p.Name, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("", id)
	}
	if err != nil {
		return nil, err
	}
	p.Kind = Kind(kind)
	return &p, nil
}

func (s *PostgresStore) List(ctx context.Context, kind Kind, activeOnly bool) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, active, created_at FROM participants
		WHERE ($1 = '' OR kind = $1) AND (NOT $2 OR active)
		ORDER BY name`, string(kind), activeOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Participant
	for rows.Next() {
		var (
			p Participant
			k string
		)
		if err := rows.Scan(&p.ID, &k, &p.Name, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Kind = Kind(k)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE participants SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("", id)
	}
	return nil
}
