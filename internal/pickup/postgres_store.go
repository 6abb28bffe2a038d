package pickup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/ecollect/internal/apperr"
)

// PostgresStore persists pickups in PostgreSQL. Nested values are JSONB.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed pickup store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pickupColumns = `id, requester_id, device, address, preferred_pickup_date, status,
		recycler_id, agent_id, cancellation_reason, media, status_history,
		version, created_at, updated_at`

type jsonFields struct {
	device, address, media, history string
}

func encodeFields(p *Pickup) (jsonFields, error) {
	var (
		f   jsonFields
		err error
		b   []byte
	)
	if b, err = json.Marshal(p.Device); err != nil {
		return f, err
	}
	f.device = string(b)
	if b, err = json.Marshal(p.Address); err != nil {
		return f, err
	}
	f.address = string(b)
	media := p.Media
	if media == nil {
		media = []Media{}
	}
	if b, err = json.Marshal(media); err != nil {
		return f, err
	}
	f.media = string(b)
	history := p.StatusHistory
	if history == nil {
		history = []Transition{}
	}
	if b, err = json.Marshal(history); err != nil {
		return f, err
	}
	f.history = string(b)
	return f, nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Pickup) error {
	f, err := encodeFields(p)
	if err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pickups (`+pickupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.RequesterID, f.device, f.address, p.PreferredPickupDate, string(p.Status),
		nullString(p.RecyclerID), nullString(p.AgentID), nullString(p.CancellationReason),
		f.media, f.history, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Pickup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE id = $1`, id)
	p, err := scanPickup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Pickup) error {
	f, err := encodeFields(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pickups SET
			status = $1, recycler_id = $2, agent_id = $3, cancellation_reason = $4,
			media = $5, status_history = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		string(p.Status), nullString(p.RecyclerID), nullString(p.AgentID), nullString(p.CancellationReason),
		f.media, f.history, p.UpdatedAt, p.ID, p.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, p.ID); err != nil {
			return err
		}
		return apperr.Conflict("pickup", p.ID)
	}
	p.Version++
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pickups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Pickup, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.RequesterID != "" {
		add("requester_id = $%d", q.RequesterID)
	}
	if q.RecyclerID != "" {
		add("recycler_id = $%d", q.RecyclerID)
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.After != nil {
		args = append(args, q.After.CreatedAt, q.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + pickupColumns + ` FROM pickups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Pickup
	for rows.Next() {
		p, err := scanPickup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPickup(row scanner) (*Pickup, error) {
	var (
		p                                 Pickup
		status                            string
		device, address, media, history   []byte
		recyclerID, agentID, cancellation sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.RequesterID, &device, &address, &p.PreferredPickupDate, &status,
		&recyclerID, &agentID, &cancellation, &media, &history,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.RecyclerID = recyclerID.String
	p.AgentID = agentID.String
	p.CancellationReason = cancellation.String
	if err := json.Unmarshal(device, &p.Device); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	if err := json.Unmarshal(address, &p.Address); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if err := json.Unmarshal(media, &p.Media); err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}
	if err := json.Unmarshal(history, &p.StatusHistory); err != nil {
		return nil, fmt.Errorf("decode status history: %w", err)
	}
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
