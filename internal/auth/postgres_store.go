package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, actor_id, role, name, created_at, last_used, expires_at, revoked`

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, actor_id, role, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Hash, key.ActorID, string(key.Role), key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) GetByActor(ctx context.Context, actorID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE actor_id = $1
		ORDER BY created_at DESC`, actorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET name = $1, expires_at = $2, revoked = $3
		WHERE id = $4`,
		key.Name, key.ExpiresAt, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(sc scanner) (*APIKey, error) {
	k := &APIKey{}
	var role string
	var lastUsed, expiresAt sql.NullTime
	if err := sc.Scan(&k.ID, &k.Hash, &k.ActorID, &role, &k.Name,
		&k.CreatedAt, &lastUsed, &expiresAt, &k.Revoked); err != nil {
		return nil, err
	}
	k.Role = Role(role)
	if lastUsed.Valid {
		k.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	return k, nil
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $1 WHERE id = $2`, at, id)
	return err
}
