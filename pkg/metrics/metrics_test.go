package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledConstructorsReturnNil(t *testing.T) {
	// Registry state is process-global; this test relies on running before
	// any InitRegistry call in the package tests below, so it resets state
	// explicitly instead.
	mu.Lock()
	registry = nil
	mu.Unlock()

	assert.Nil(t, NewWorkerMetrics())
	assert.Nil(t, NewSupervisorMetrics())
	assert.False(t, IsEnabled())

	// nil receivers must be safe.
	var wm *WorkerMetrics
	wm.ObserveUpload("new_uploaded", time.Second)
	wm.ObserveBatch(42)
	var sm *SupervisorMetrics
	sm.ObserveFix("restart", "verified_ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledMetricsScrape(t *testing.T) {
	InitRegistry()
	require.True(t, IsEnabled())

	wm := NewWorkerMetrics()
	require.NotNil(t, wm)
	wm.ObserveUpload("new_uploaded", 2*time.Second)
	wm.ObserveBatch(1000)
	wm.ObserveSkipAhead(11000)
	wm.SetMirrorSize(3)

	sm := NewSupervisorMetrics()
	require.NotNil(t, sm)
	sm.ObserveFix("restart", "verified_ok")
	sm.ObserveScale("down")
	sm.SetFleet(4, 1, 92.5)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "shelfsync_uploads_total")
	assert.Contains(t, body, "shelfmon_fleet_size")
}
