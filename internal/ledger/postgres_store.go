package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/ecollect/internal/apperr"
)

// PostgresStore persists the chain in the audit_entries table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed chain store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `seq, id, subject_id, content_ref, previous_hash, hash, recorded_at`

func (p *PostgresStore) Tail(ctx context.Context) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Insert writes e only while the tail hash still equals e.PreviousHash.
// Two writers racing past the WHERE check both target the same
// previous_hash, and the UNIQUE constraint rejects the second.
func (p *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO audit_entries (id, subject_id, content_ref, previous_hash, hash, recorded_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE COALESCE(
			(SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1),
			$7
		) = $4
		RETURNING seq`,
		e.ID, e.SubjectID, e.ContentRef, e.PreviousHash, e.Hash, e.Timestamp, Genesis,
	).Scan(&e.Seq)

	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ChainConflict(e.PreviousHash)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.ChainConflict(e.PreviousHash)
	}
	return err
}

func (p *PostgresStore) List(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE subject_id = $1
		ORDER BY seq ASC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	if err := sc.Scan(&e.Seq, &e.ID, &e.SubjectID, &e.ContentRef, &e.PreviousHash, &e.Hash, &e.Timestamp); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
