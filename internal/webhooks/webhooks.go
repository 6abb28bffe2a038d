// Package webhooks delivers lifecycle events to URLs registered by
// requesters, recyclers and agents.
//
// Each delivery is a JSON POST signed with the subscription's secret:
//
//	X-Ecollect-Signature: hex(HMAC-SHA256(body, secret))
//
// A subscription that keeps failing is switched off.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/retry"
	"github.com/mbd888/ecollect/internal/security"
)

const (
	HeaderEvent     = "X-Ecollect-Event"
	HeaderTimestamp = "X-Ecollect-Timestamp"
	HeaderSignature = "X-Ecollect-Signature"

	maxConsecutiveFailures = 10
)

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecollect",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Outbound webhook deliveries by event type and outcome.",
}, []string{"event_type", "outcome"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Subscription is a recipient's webhook registration.
type Subscription struct {
	ID                  string        `json:"id"`
	RecipientID         string        `json:"recipientId"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"`
	Events              []events.Type `json:"events"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Wants reports whether sub should receive events of type t.
func (s *Subscription) Wants(t events.Type) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByRecipient(ctx context.Context, recipientID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls per-delivery retries.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

// Dispatcher signs and sends events. It implements events.Publisher.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	urlValidator func(string) error
	logger       *slog.Logger
	now          func() time.Time
}

var _ events.Publisher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with three attempts per delivery.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, RetryConfig{Attempts: 3, Backoff: 500 * time.Millisecond}, logger)
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry settings.
func NewDispatcherWithRetry(store Store, cfg RetryConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Dispatcher{
		store:        store,
		client:       security.SafeClient(10 * time.Second),
		retry:        cfg,
		urlValidator: ValidateURL,
		logger:       logger,
		now:          time.Now,
	}
}

// Publish delivers ev to every active subscription of its recipients.
func (d *Dispatcher) Publish(ctx context.Context, ev events.Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var errs []error
	for _, recipient := range ev.Recipients {
		subs, err := d.store.ListByRecipient(ctx, recipient)
		if err != nil {
			errs = append(errs, fmt.Errorf("list subscriptions for %s: %w", recipient, err))
			continue
		}
		for _, sub := range subs {
			if !sub.Wants(ev.Type) {
				continue
			}
			if err := d.deliver(ctx, sub, ev, payload); err != nil {
				errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev events.Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, err.Error())
		deliveriesTotal.WithLabelValues(string(ev.Type), "rejected").Inc()
		return err
	}

	err := retry.Do(ctx, d.retry.Attempts, d.retry.Backoff, func() error {
		return d.send(ctx, sub, ev, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		deliveriesTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		return err
	}
	d.recordSuccess(ctx, sub)
	deliveriesTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, ev events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.OccurredAt.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := d.now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "subscriptionId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"subscriptionId", sub.ID, "recipientId", sub.RecipientID, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "subscriptionId", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateURL rejects URLs that would make the server call itself or its
// private network.
func ValidateURL(raw string) error {
	if err := security.ValidateEndpointURL(raw); err != nil {
		return apperr.Validation("url", err.Error())
	}
	return nil
}

// MemoryStore is an in-memory implementation for testing.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, apperr.NotFound("subscription", id)
}

func (m *MemoryStore) ListByRecipient(_ context.Context, recipientID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.RecipientID == recipientID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return apperr.NotFound("subscription", sub.ID)
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return apperr.NotFound("subscription", id)
	}
	delete(m.subs, id)
	return nil
}
