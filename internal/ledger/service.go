package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/mbd888/ecollect/internal/retry"
	"github.com/mbd888/ecollect/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	appendAttempts  = 10
	appendBaseDelay = 5 * time.Millisecond
	verifyPageSize  = 500
)

var (
	appendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecollect",
		Subsystem: "audit",
		Name:      "appends_total",
		Help:      "Audit chain entries appended.",
	})
	appendConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecollect",
		Subsystem: "audit",
		Name:      "append_conflicts_total",
		Help:      "Appends that lost a race on the chain tail and were retried.",
	})
)

func init() {
	prometheus.MustRegister(appendsTotal, appendConflicts)
}

// VerifyResult reports the outcome of a full chain replay.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	Entries    int64  `json:"entries"`
	TailHash   string `json:"tailHash,omitempty"`
	BrokenAt   int64  `json:"brokenAt,omitempty"` // seq of the first bad entry
	Reason     string `json:"reason,omitempty"`
	VerifiedAt string `json:"verifiedAt"`
}

// Service appends to and verifies the audit chain.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an audit chain service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Append adds an entry for contentRef under subjectID. Losing a race for the
// tail is retried with backoff; after the attempts run out the
// ErrChainConflict error is returned.
func (s *Service) Append(ctx context.Context, subjectID, contentRef string) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Append",
		traces.PickupID(subjectID),
		attribute.String("content_ref", contentRef),
	)
	defer span.End()

	subjectID = strings.TrimSpace(subjectID)
	contentRef = strings.TrimSpace(contentRef)
	if subjectID == "" {
		return nil, apperr.Validation("subjectId", "is required")
	}
	if contentRef == "" {
		return nil, apperr.Validation("contentRef", "is required")
	}

	var entry *Entry
	err := retry.DoIf(ctx, appendAttempts, appendBaseDelay,
		func(err error) bool {
			if errors.Is(err, apperr.ErrChainConflict) {
				appendConflicts.Inc()
				return true
			}
			return false
		},
		func() error {
			e, err := s.tryAppend(ctx, subjectID, contentRef)
			if err != nil {
				return err
			}
			entry = e
			return nil
		})
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	appendsTotal.Inc()
	s.logger.Debug("audit entry appended",
		"seq", entry.Seq, "subjectId", subjectID, "hash", entry.Hash)
	return entry, nil
}

func (s *Service) tryAppend(ctx context.Context, subjectID, contentRef string) (*Entry, error) {
	tail, err := s.store.Tail(ctx)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("read tail: %w", err))
	}

	prev := Genesis
	ts := s.now().UTC().Truncate(time.Microsecond)
	if tail != nil {
		prev = tail.Hash
		// Keep timestamps non-decreasing along the chain even if clocks skew.
		if ts.Before(tail.Timestamp) {
			ts = tail.Timestamp
		}
	}

	e := &Entry{
		ID:           idgen.WithPrefix("aud_"),
		SubjectID:    subjectID,
		ContentRef:   contentRef,
		PreviousHash: prev,
		Timestamp:    ts,
	}
	e.Hash = e.Rehash()

	if err := s.store.Insert(ctx, e); err != nil {
		if errors.Is(err, apperr.ErrChainConflict) {
			return nil, err
		}
		return nil, retry.Permanent(fmt.Errorf("insert: %w", err))
	}
	return e, nil
}

// VerifyChain replays the whole chain in insertion order and re-derives every
// hash. It stops at the first inconsistency.
func (s *Service) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.VerifyChain")
	defer span.End()

	res := &VerifyResult{Valid: true, VerifiedAt: FormatTimestamp(s.now())}
	prevHash := Genesis
	var prevTS time.Time
	var after int64

	for {
		page, err := s.store.List(ctx, after, verifyPageSize)
		if err != nil {
			traces.RecordError(span, err)
			return nil, fmt.Errorf("list audit entries: %w", err)
		}
		for _, e := range page {
			if reason := checkLink(e, prevHash, prevTS); reason != "" {
				res.Valid = false
				res.BrokenAt = e.Seq
				res.Reason = reason
				s.logger.Error("audit chain broken", "seq", e.Seq, "reason", reason)
				return res, nil
			}
			res.Entries++
			prevHash = e.Hash
			prevTS = e.Timestamp
			after = e.Seq
		}
		if len(page) < verifyPageSize {
			break
		}
	}

	if res.Entries > 0 {
		res.TailHash = prevHash
	}
	return res, nil
}

func checkLink(e *Entry, prevHash string, prevTS time.Time) string {
	if e.PreviousHash != prevHash {
		if prevHash == Genesis {
			return "first entry does not link to GENESIS"
		}
		return "previousHash does not match preceding entry"
	}
	if e.Rehash() != e.Hash {
		return "hash does not match entry contents"
	}
	if e.Timestamp.Before(prevTS) {
		return "timestamp precedes preceding entry"
	}
	return ""
}

// ListBySubject returns a subject's entries in chain order.
func (s *Service) ListBySubject(ctx context.Context, subjectID string) ([]*Entry, error) {
	entries, err := s.store.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", subjectID, err)
	}
	return entries, nil
}
