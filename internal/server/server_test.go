package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/flowwatch/internal/models"
	"github.com/rewired-gh/flowwatch/internal/monitor"
)

var base = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

type fakeStore struct {
	pingErr    error
	queryErr   error
	alerts     []models.CompositeAlert
	flags      []models.AnomalyFlag
	lastSince  time.Time
	lastLimit  int
	lastSymbol string
	lastOrder  string
}

func (f *fakeStore) Ping() error { return f.pingErr }

func (f *fakeStore) GetTopAlerts(k int) ([]models.CompositeAlert, error) {
	f.lastOrder, f.lastLimit = "top", k
	return f.alerts, f.queryErr
}

func (f *fakeStore) GetRecentAlerts(since time.Time, limit int) ([]models.CompositeAlert, error) {
	f.lastOrder, f.lastSince, f.lastLimit = "recent", since, limit
	return f.alerts, f.queryErr
}

func (f *fakeStore) GetRecentFlags(symbol string, since time.Time, limit int) ([]models.AnomalyFlag, error) {
	f.lastSymbol, f.lastSince, f.lastLimit = symbol, since, limit
	return f.flags, f.queryErr
}

func do(t *testing.T, s *Server, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	store := &fakeStore{}
	stats := func() monitor.Stats {
		return monitor.Stats{TrackedSymbols: 3, BufferedFlags: 7, Cycles: 12, LastCycle: base}
	}
	s := New(Config{}, store, stats, nil)

	rec, body := do(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 3.0, body["tracked_symbols"])
	assert.Equal(t, 12.0, body["cycles"])
	assert.Equal(t, "2026-03-02T14:30:00Z", body["last_cycle"])

	store.pingErr = errors.New("database is locked")
	rec, body = do(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestAlerts(t *testing.T) {
	store := &fakeStore{alerts: []models.CompositeAlert{{
		ID:              "a-1",
		Symbol:          "XYZ",
		Timestamp:       base,
		AnomalyTypes:    []models.AnomalyType{models.AnomalyOptionsSweep},
		ConvictionScore: 0.6,
		NarrativeTag:    "repeated options_sweep anomalies",
	}}}
	s := New(Config{}, store, nil, nil)

	rec, body := do(t, s, "/alerts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, "recent", store.lastOrder)
	assert.Equal(t, defaultLimit, store.lastLimit)
	assert.True(t, store.lastSince.IsZero())

	alerts := body["alerts"].([]any)
	first := alerts[0].(map[string]any)
	assert.Equal(t, "XYZ", first["symbol"])
	assert.Equal(t, "repeated options_sweep anomalies", first["narrative_tag"])

	rec, _ = do(t, s, "/alerts?order=top&limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "top", store.lastOrder)
	assert.Equal(t, 5, store.lastLimit)

	rec, _ = do(t, s, "/alerts?since=2026-03-02T14:00:00Z")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, base.Add(-30*time.Minute).Equal(store.lastSince))
}

func TestAlerts_BadRequests(t *testing.T) {
	s := New(Config{}, &fakeStore{}, nil, nil)
	for _, target := range []string{
		"/alerts?limit=0",
		"/alerts?limit=abc",
		"/alerts?limit=100000",
		"/alerts?order=sideways",
		"/alerts?since=yesterday",
		"/flags?limit=-1",
	} {
		rec, body := do(t, s, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.NotEmpty(t, body["error"], target)
	}
}

func TestAlerts_StoreError(t *testing.T) {
	s := New(Config{}, &fakeStore{queryErr: errors.New("disk I/O error")}, nil, nil)
	rec, body := do(t, s, "/alerts")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to load alerts", body["error"])
}

func TestFlags(t *testing.T) {
	store := &fakeStore{flags: []models.AnomalyFlag{{
		Symbol:    "XYZ",
		Timestamp: base,
		Type:      models.AnomalyDarkPoolSurge,
		Severity:  0.7,
	}}}
	s := New(Config{}, store, nil, nil)

	rec, body := do(t, s, "/flags?symbol=XYZ&limit=10")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "XYZ", store.lastSymbol)
	assert.Equal(t, 10, store.lastLimit)
	flags := body["flags"].([]any)
	require.Len(t, flags, 1)
	assert.Equal(t, "dark_pool_surge", flags[0].(map[string]any)["anomaly_type"])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	monitor.NewMetrics(reg).AlertsEmitted.Add(2)
	s := New(Config{}, &fakeStore{}, nil, reg)

	rec, _ := do(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowwatch_composite_alerts_total 2")

	rec, _ = do(t, New(Config{}, &fakeStore{}, nil, nil), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
