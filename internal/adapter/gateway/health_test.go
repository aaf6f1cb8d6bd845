package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func TestHealthHandler(t *testing.T) {
	h := HealthHandler(fixedCount(3), "anthropic", "local", time.Now().Add(-90*time.Second))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Sessions)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "local", resp.Writer)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(90))
}

func TestHealthHandler_NoProvider(t *testing.T) {
	h := HealthHandler(fixedCount(0), "", "mcp", time.Now())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "none", resp.Provider)
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	h := HealthHandler(fixedCount(0), "anthropic", "local", time.Now())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
