package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorTracksSubsystems(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("dispatcher", "serving")
	m.UpdateUnhealthy("relay", "broker unreachable")

	status, ok := m.Get("dispatcher")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	status, ok = m.Get("relay")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())

	_, ok = m.Get("nonexistent")
	assert.False(t, ok)
}

func TestMonitorAggregation(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("dispatcher", "serving")
	m.UpdateHealthy("jobs", "16 workers")

	system := m.System("middlewared")
	assert.True(t, system.IsHealthy())
	assert.Len(t, system.SubStatuses, 2)

	m.UpdateDegraded("relay", "reconnecting")
	assert.True(t, m.System("middlewared").IsDegraded())

	m.UpdateUnhealthy("jobs", "store write failed")
	assert.True(t, m.System("middlewared").IsUnhealthy())

	m.Remove("jobs")
	m.Remove("relay")
	assert.True(t, m.System("middlewared").IsHealthy())
}

func TestMonitorSubStatusesSortedByName(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("relay", "")
	m.UpdateHealthy("bus", "")
	m.UpdateHealthy("dispatcher", "")

	system := m.System("middlewared")
	require.Len(t, system.SubStatuses, 3)
	assert.Equal(t, "bus", system.SubStatuses[0].Component)
	assert.Equal(t, "dispatcher", system.SubStatuses[1].Component)
	assert.Equal(t, "relay", system.SubStatuses[2].Component)
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("dispatcher", "serving")
	h := m.Handler("middlewared")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "middlewared", status.Component)
	assert.True(t, status.Healthy)

	m.UpdateUnhealthy("jobs", "store write failed")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
