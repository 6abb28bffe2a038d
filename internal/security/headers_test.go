package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/pickups", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"pickups": []string{}}) })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(HeadersMiddleware()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pickups", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Contains(t, w.Header().Get("Permissions-Policy"), "camera=()")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		allowed         []string
		origin          string
		wantOrigin      string
		wantCredentials string
	}{
		{"listed origin", []string{"https://ops.ecollect.in"}, "https://ops.ecollect.in", "https://ops.ecollect.in", "true"},
		{"unlisted origin", []string{"https://ops.ecollect.in"}, "https://evil.example", "", ""},
		{"star allows any without credentials", []string{"*"}, "https://any.example", "https://any.example", ""},
		{"empty list allows any without credentials", nil, "https://any.example", "https://any.example", ""},
		{"no origin header", nil, "", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/pickups", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			newRouter(CORSMiddleware(tc.allowed)).ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.wantCredentials, w.Header().Get("Access-Control-Allow-Credentials"))
			if tc.wantOrigin != "" {
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/pickups", nil)
	req.Header.Set("Origin", "https://ops.ecollect.in")
	w := httptest.NewRecorder()
	newRouter(CORSMiddleware([]string{"https://ops.ecollect.in"})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}
