package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGenerateAndValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	raw, key, err := mgr.GenerateKey(ctx, "rcy_1", RoleRecycler, "bench")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.NotContains(t, key.Hash, raw)

	got, err := mgr.ValidateKey(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "rcy_1", Role: RoleRecycler}, got.Actor())
}

func TestValidateKey_Rejects(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw, key, err := mgr.GenerateKey(ctx, "usr_1", RoleRequester, "")
	require.NoError(t, err)

	_, err = mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = mgr.ValidateKey(ctx, "pk_nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = mgr.ValidateKey(ctx, "sk_unknown")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, "usr_1"))
	_, err = mgr.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()
	raw, key, err := mgr.GenerateKey(ctx, "usr_1", RoleRequester, "")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	require.NoError(t, store.Update(ctx, key))

	_, err = mgr.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRevokeKey_OtherActor(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	_, key, err := mgr.GenerateKey(context.Background(), "usr_1", RoleRequester, "")
	require.NoError(t, err)
	assert.ErrorIs(t, mgr.RevokeKey(context.Background(), key.ID, "usr_2"), ErrKeyNotFound)
}

func TestSeed_Idempotent(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw := "sk_bootstrap_operator_key_000000"

	require.NoError(t, mgr.Seed(ctx, raw, "ops", RoleOperator, "bootstrap"))
	require.NoError(t, mgr.Seed(ctx, raw, "ops", RoleOperator, "bootstrap"))

	keys, err := mgr.ListKeys(ctx, "ops")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	assert.ErrorIs(t, mgr.Seed(ctx, "short", "ops", RoleOperator, ""), ErrInvalidAPIKey)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Recycler ")
	require.NoError(t, err)
	assert.Equal(t, RoleRecycler, r)
	_, err = ParseRole("admin")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func newRouter(mgr *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/open", func(c *gin.Context) {
		_, ok := GetActor(c)
		c.JSON(http.StatusOK, gin.H{"authenticated": ok})
	})
	r.POST("/pickups", RequireAuth(), RequireRole(RoleRequester), func(c *gin.Context) {
		a, _ := GetActor(c)
		c.JSON(http.StatusOK, a)
	})
	return r
}

func TestMiddleware(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	requesterKey, _, _ := mgr.GenerateKey(ctx, "usr_1", RoleRequester, "")
	recyclerKey, _, _ := mgr.GenerateKey(ctx, "rcy_1", RoleRecycler, "")
	operatorKey, _, _ := mgr.GenerateKey(ctx, "ops_1", RoleOperator, "")
	r := newRouter(mgr)

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"no key", "", "", http.StatusUnauthorized},
		{"bad key", "Authorization", "Bearer sk_bad", http.StatusUnauthorized},
		{"wrong role", "Authorization", "Bearer " + recyclerKey, http.StatusForbidden},
		{"requester", "Authorization", "Bearer " + requesterKey, http.StatusOK},
		{"x-api-key header", "X-API-Key", requesterKey, http.StatusOK},
		{"operator bypass", "Authorization", operatorKey, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/pickups", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":false}`, w.Body.String())
}

func TestHandler_CreateKeyRequiresOperator(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	operatorKey, _, _ := mgr.GenerateKey(ctx, "ops_1", RoleOperator, "")
	requesterKey, _, _ := mgr.GenerateKey(ctx, "usr_1", RoleRequester, "")

	r := gin.New()
	r.Use(Middleware(mgr))
	g := r.Group("/v1", RequireAuth())
	NewHandler(mgr).RegisterProtectedRoutes(g)

	body := `{"actorId":"rcy_9","role":"recycler","name":"plant 9"}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(body))
	req.Header.Set("Authorization", requesterKey)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(body))
	req.Header.Set("Authorization", operatorKey)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		APIKey string  `json:"apiKey"`
		Key    *APIKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rcy_9", resp.Key.ActorID)

	got, err := mgr.ValidateKey(ctx, resp.APIKey)
	require.NoError(t, err)
	assert.Equal(t, RoleRecycler, got.Role)
}
