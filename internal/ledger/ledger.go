// Package ledger keeps the append-only audit chain of inspection artifacts.
//
// Every entry commits to its predecessor:
//
//	hash = hex(SHA256(subjectId + contentRef + previousHash + timestamp))
//
// where the first entry's previousHash is Genesis and timestamp is the
// entry's ISO-8601 UTC time at microsecond precision. Rewriting any entry
// breaks every hash after it, which VerifyChain detects.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Genesis is the previousHash of the first entry.
const Genesis = "GENESIS"

// TimestampLayout is the ISO-8601 form hashed into each entry. Microseconds
// match Postgres timestamptz so a stored entry re-hashes identically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Entry is one link of the chain.
type Entry struct {
	Seq          int64     `json:"seq"`
	ID           string    `json:"id"`
	SubjectID    string    `json:"subjectId"`
	ContentRef   string    `json:"contentRef"`
	PreviousHash string    `json:"previousHash"`
	Hash         string    `json:"hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// FormatTimestamp renders t the way it is hashed.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ComputeHash derives an entry hash from its four committed fields.
func ComputeHash(subjectID, contentRef, previousHash string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(subjectID))
	h.Write([]byte(contentRef))
	h.Write([]byte(previousHash))
	h.Write([]byte(FormatTimestamp(ts)))
	return hex.EncodeToString(h.Sum(nil))
}

// Rehash recomputes e's hash from its stored fields.
func (e *Entry) Rehash() string {
	return ComputeHash(e.SubjectID, e.ContentRef, e.PreviousHash, e.Timestamp)
}

// Store persists the chain.
//
// Insert must be conditional: it succeeds only if e.PreviousHash equals the
// current tail hash (Genesis for an empty chain) and otherwise returns an
// apperr.ErrChainConflict error without writing. It assigns e.Seq.
type Store interface {
	Tail(ctx context.Context) (*Entry, error) // nil, nil when empty
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error)
	ListBySubject(ctx context.Context, subjectID string) ([]*Entry, error)
}
