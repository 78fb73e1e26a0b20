package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/quotagate/internal/admission"
	"github.com/3xpluto/quotagate/internal/config"
)

const memoryConfig = `
auth:
  hmac_secret: test
plans:
  free:
    summaryGenerate: {short: 1, long: 5}
routes:
  - name: summaries
    match: {path_prefix: /summaries}
    upstream: http://127.0.0.1:1
    action: summaryGenerate
    allow_anonymous: true
`

func newTestHandler(t *testing.T, adminKey string) http.Handler {
	t.Helper()
	cfg, err := config.Parse([]byte(memoryConfig))
	require.NoError(t, err)
	sched, err := cfg.Schedule()
	require.NoError(t, err)
	engine, err := admission.New(admission.Config{Schedule: sched})
	require.NoError(t, err)

	h, err := NewHandler(Options{
		Config:   cfg,
		Engine:   engine,
		Logger:   quietLogger(),
		Registry: prometheus.NewRegistry(),
		AdminKey: adminKey,
	})
	require.NoError(t, err)
	return h
}

func TestAdminHiddenWithoutKey(t *testing.T) {
	h := newTestHandler(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusOnMemoryBackend(t *testing.T) {
	h := newTestHandler(t, "k")
	req := httptest.NewRequest(http.MethodGet, "/-/status", nil)
	req.Header.Set("X-Admin-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "memory", out["store_backend"])
	assert.Equal(t, "open", out["failure_policy"])
	assert.NotContains(t, out, "breaker")
}

func TestRejectedBeforeUpstream(t *testing.T) {
	h := newTestHandler(t, "")

	// The upstream is unreachable, so an admitted request is a 502 and a
	// rejected one never gets that far.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/summaries", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining-Short"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/summaries", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestNewHandlerRejectsBadTrustedProxies(t *testing.T) {
	cfg, err := config.Parse([]byte(memoryConfig))
	require.NoError(t, err)
	cfg.Server.TrustedProxies = []string{"nope"}
	sched, err := cfg.Schedule()
	require.NoError(t, err)
	engine, err := admission.New(admission.Config{Schedule: sched})
	require.NoError(t, err)

	_, err = NewHandler(Options{Config: cfg, Engine: engine, Logger: quietLogger(), Registry: prometheus.NewRegistry()})
	assert.Error(t, err)
}
