// Package events carries lifecycle notifications out of the domain services.
//
// Services call Emitter.Emit and move on: delivery to subscribers (outbound
// webhooks, websocket clients, Kafka, NATS) is fire-and-forget and a failed
// delivery never fails the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

// Type identifies an event.
type Type string

const (
	TypePickupStatusChanged Type = "pickup.status_changed"
	TypeInspectionUpdated   Type = "inspection.updated"
	TypePaymentResolved     Type = "payment.resolved"
	TypePickupMediaReleased Type = "pickup.media_released"
)

// Event is the envelope published to every sink.
type Event struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	PickupID     string         `json:"pickupId"`
	InspectionID string         `json:"inspectionId,omitempty"`
	PaymentID    string         `json:"paymentId,omitempty"`
	OldStatus    string         `json:"oldStatus,omitempty"`
	NewStatus    string         `json:"newStatus"`
	ActorID      string         `json:"actorId,omitempty"`
	Recipients   []string       `json:"recipients,omitempty"` // user ids to notify
	Data         map[string]any `json:"data,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// Key is the partition key: all events of one pickup stay ordered.
func (e Event) Key() string {
	return e.PickupID
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is what domain services depend on.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Publisher is a delivery sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Events emitted by type.",
	}, []string{"event_type"})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Failed deliveries by sink and event type.",
	}, []string{"sink", "event_type"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a sink queue was full or the bus was closed.",
	}, []string{"sink", "event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, publishErrors, droppedTotal)
}

const (
	publishTimeout = 30 * time.Second

	// QueueSize bounds each subscriber's backlog.
	QueueSize = 1024
)

type subscriber struct {
	name  string
	pub   Publisher
	queue chan Event
}

// Bus fans events out to every registered publisher. Each publisher has its
// own queue drained by one worker, so a sink sees events in emit order and a
// slow sink only delays itself.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, now: time.Now}
}

// Subscribe adds a sink under a name used in logs and metrics and starts its
// worker. Subscribing after Flush is a no-op.
func (b *Bus) Subscribe(name string, p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := &subscriber{name: name, pub: p, queue: make(chan Event, QueueSize)}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.run(sub)
}

// Emit stamps the event and queues it for each sink without blocking. When
// a sink's queue is full the event is dropped for that sink and counted.
// The caller's context is not used for delivery; delivery outlives the request.
func (b *Bus) Emit(_ context.Context, ev Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now().UTC()
	}
	emitTotal.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		droppedTotal.WithLabelValues("closed", string(ev.Type)).Inc()
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.queue <- ev:
		default:
			droppedTotal.WithLabelValues(sub.name, string(ev.Type)).Inc()
			b.logger.Warn("event queue full, dropping event",
				"sink", sub.name, "event", ev.Type, "pickupId", ev.PickupID)
		}
	}
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for ev := range sub.queue {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event publisher", "sink", sub.name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := sub.pub.Publish(ctx, ev); err != nil {
		publishErrors.WithLabelValues(sub.name, string(ev.Type)).Inc()
		b.logger.Warn("event publish failed",
			"sink", sub.name, "event", ev.Type, "pickupId", ev.PickupID, "error", err)
	}
}

// Flush stops accepting events and blocks until every queued event has been
// delivered. Called on shutdown; later calls return immediately.
func (b *Bus) Flush() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.queue)
		}
		b.mu.Unlock()
	})
	b.wg.Wait()
}

// Nop discards events.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) {}
