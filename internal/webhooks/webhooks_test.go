package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/logging"
)

// noopValidator allows any URL (including loopback) for test servers; the
// dispatcher's safe client is swapped for a plain one for the same reason.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks and retries
// quickly.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcherWithRetry(store, RetryConfig{Attempts: 2, Backoff: time.Millisecond}, logging.Discard())
	d.urlValidator = noopValidator
	d.client = &http.Client{Timeout: time.Second}
	return d
}

func statusEvent(recipients ...string) events.Event {
	return events.Event{
		ID:         "evt_1",
		Type:       events.TypePickupStatusChanged,
		PickupID:   "pk_1",
		OldStatus:  "Pending",
		NewStatus:  "Scheduled",
		Recipients: recipients,
		OccurredAt: time.Unix(1760000000, 0).UTC(),
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:          "wh_test1",
		RecipientID: "usr_1",
		URL:         "https://example.com/hook",
		Secret:      "secret123",
		Events:      []events.Type{events.TypePaymentResolved},
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found after delete, got %v", err)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"test":"data"}`)
	if Sign(payload, "secret1") == Sign(payload, "secret2") {
		t.Error("Different secrets should produce different signatures")
	}
	if Sign(payload, "secret1") != Sign(payload, "secret1") {
		t.Error("Signing must be deterministic")
	}
}

func TestPublish_SignsAndSends(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID: "wh_1", RecipientID: "usr_1", URL: server.URL, Secret: "s3cret",
		Events: []events.Type{events.TypePickupStatusChanged}, Active: true,
	})

	d := newTestDispatcher(store)
	if err := d.Publish(ctx, statusEvent("usr_1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := headers.Get(HeaderSignature); got != Sign(body, "s3cret") {
		t.Errorf("signature %q does not match body", got)
	}
	if got := headers.Get(HeaderEvent); got != string(events.TypePickupStatusChanged) {
		t.Errorf("event header = %q", got)
	}
	if got := headers.Get(HeaderTimestamp); got != "1760000000" {
		t.Errorf("timestamp header = %q", got)
	}

	var ev events.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if ev.PickupID != "pk_1" || ev.NewStatus != "Scheduled" {
		t.Errorf("unexpected payload %+v", ev)
	}

	sub, _ := store.Get(ctx, "wh_1")
	if sub.LastSuccess == nil || sub.LastError != "" {
		t.Errorf("expected success recorded, got %+v", sub)
	}
}

func TestPublish_FiltersByRecipientAndEvent(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh_a", RecipientID: "usr_1", URL: server.URL,
		Events: []events.Type{events.TypePickupStatusChanged}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "wh_b", RecipientID: "usr_1", URL: server.URL,
		Events: []events.Type{events.TypePaymentResolved}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "wh_c", RecipientID: "usr_2", URL: server.URL,
		Events: []events.Type{events.TypePickupStatusChanged}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "wh_d", RecipientID: "usr_1", URL: server.URL,
		Events: []events.Type{events.TypePickupStatusChanged}, Active: false})

	d := newTestDispatcher(store)
	if err := d.Publish(ctx, statusEvent("usr_1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", hits.Load())
	}
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh_1", RecipientID: "usr_1", URL: server.URL,
		Events: []events.Type{events.TypePickupStatusChanged}, Active: true})

	if err := newTestDispatcher(store).Publish(ctx, statusEvent("usr_1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected a retry, got %d calls", hits.Load())
	}
}

func TestPublish_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh_1", RecipientID: "usr_1", URL: server.URL,
		Events: []events.Type{events.TypePickupStatusChanged}, Active: true})

	if err := newTestDispatcher(store).Publish(ctx, statusEvent("usr_1")); err == nil {
		t.Fatal("expected delivery error")
	}
	if hits.Load() != 1 {
		t.Errorf("expected no retry, got %d calls", hits.Load())
	}
	sub, _ := store.Get(ctx, "wh_1")
	if sub.ConsecutiveFailures != 1 || sub.LastError == "" {
		t.Errorf("failure not recorded: %+v", sub)
	}
}

func TestPublish_DisablesAfterRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh_1", RecipientID: "usr_1", URL: server.URL,
		Events: []events.Type{events.TypePickupStatusChanged}, Active: true,
		ConsecutiveFailures: maxConsecutiveFailures - 1})

	_ = newTestDispatcher(store).Publish(ctx, statusEvent("usr_1"))
	sub, _ := store.Get(ctx, "wh_1")
	if sub.Active {
		t.Error("expected subscription to be disabled")
	}
}

func TestPublish_BlockedURL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh_1", RecipientID: "usr_1", URL: "http://127.0.0.1:9/hook",
		Events: []events.Type{events.TypePickupStatusChanged}, Active: true})

	d := NewDispatcher(store, logging.Discard())
	if err := d.Publish(ctx, statusEvent("usr_1")); err == nil {
		t.Fatal("expected loopback URL to be rejected")
	}
}

func TestValidateURL(t *testing.T) {
	ok := []string{"https://hooks.example.com/ecollect", "http://93.184.216.34/x"}
	bad := []string{"", "/relative", "ftp://example.com", "http://localhost:8080", "http://10.0.0.5/x",
		"http://[::1]/x", "http://169.254.169.254/latest", "https://metadata.internal/"}
	for _, u := range ok {
		if err := ValidateURL(u); err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", u, err)
		}
	}
	for _, u := range bad {
		if err := ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q) = nil, want error", u)
		}
	}
}

func setupRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		role, _ := auth.ParseRole(c.GetHeader("X-Test-Role"))
		auth.SetActor(c, auth.Actor{ID: c.GetHeader("X-Test-Actor"), Role: role})
		c.Next()
	})
	NewHandler(store).RegisterProtectedRoutes(v1)
	return r
}

func request(r http.Handler, method, path, body, actor, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Actor", actor)
	req.Header.Set("X-Test-Role", role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SubscriptionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store)

	w := request(r, http.MethodPost, "/v1/subscriptions",
		`{"url":"https://hooks.example.com/a","events":["pickup.status_changed"]}`, "usr_1", "requester")
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Subscription Subscription `json:"subscription"`
		Secret       string       `json:"secret"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.Secret == "" || created.Subscription.RecipientID != "usr_1" {
		t.Fatalf("unexpected create response %s", w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte(`"Secret"`)) {
		t.Error("secret leaked into subscription body")
	}

	w = request(r, http.MethodPost, "/v1/subscriptions",
		`{"url":"https://hooks.example.com/a","events":["balance.deposit"]}`, "usr_1", "requester")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown event: got %d", w.Code)
	}
	w = request(r, http.MethodPost, "/v1/subscriptions",
		`{"url":"http://localhost/a","events":["payment.resolved"]}`, "usr_1", "requester")
	if w.Code != http.StatusBadRequest {
		t.Errorf("local url: got %d", w.Code)
	}

	w = request(r, http.MethodGet, "/v1/subscriptions?recipientId=usr_1", "", "usr_2", "requester")
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign list: got %d", w.Code)
	}
	w = request(r, http.MethodGet, "/v1/subscriptions?recipientId=usr_1", "", "ops", "operator")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"count":1`)) {
		t.Errorf("operator list: %d %s", w.Code, w.Body.String())
	}

	path := "/v1/subscriptions/" + created.Subscription.ID
	if w = request(r, http.MethodDelete, path, "", "usr_2", "requester"); w.Code != http.StatusForbidden {
		t.Errorf("foreign delete: got %d", w.Code)
	}
	if w = request(r, http.MethodDelete, path, "", "usr_1", "requester"); w.Code != http.StatusNoContent {
		t.Errorf("delete: got %d", w.Code)
	}
}
