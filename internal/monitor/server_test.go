package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-vision/shelfwatch/internal/journal"
	"github.com/keystone-vision/shelfwatch/internal/vision"
)

type serverHarness struct {
	registry *vision.Registry
	quota    *vision.QuotaTracker
	rotation *vision.BackendRotation
	worker   *vision.EnrichmentWorker
	journal  *journal.Journal
	latency  *LatencyRecorder
	ws       *WebServer
	ts       *httptest.Server
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	rot, err := vision.NewBackendRotation([]string{"alpha", "beta"})
	require.NoError(t, err)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, j.MigrateUp())
	t.Cleanup(func() { j.Close() })

	h := &serverHarness{
		registry: vision.NewRegistry(30, clock.NewMock()),
		quota:    vision.NewQuotaTracker(5, time.Minute, clock.NewMock()),
		rotation: rot,
		journal:  j,
		latency:  NewLatencyRecorder(),
	}
	h.worker = vision.NewEnrichmentWorker(vision.WorkerConfig{
		Registry:   h.registry,
		Quota:      h.quota,
		Rotation:   h.rotation,
		Recognizer: nil,
		QueueSize:  4,
	})
	proc := vision.NewFrameProcessor(vision.ProcessorConfig{
		Registry:        h.registry,
		Quota:           h.quota,
		Worker:          h.worker,
		StabilityFrames: 20,
		MinBoxPx:        80,
	})
	h.ws = NewWebServer(WebServerConfig{
		Address:   ":0",
		Registry:  h.registry,
		Quota:     h.quota,
		Rotation:  h.rotation,
		Worker:    h.worker,
		Processor: proc,
		Journal:   h.journal,
		Latency:   h.latency,
	})
	h.ts = httptest.NewServer(h.ws.setupRoutes())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *serverHarness) getJSON(t *testing.T, path string, into interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	h := newServerHarness(t)

	var body map[string]string
	resp := h.getJSON(t, "/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "shelfwatch", body["service"])
}

func TestObjectsEndpoint(t *testing.T) {
	h := newServerHarness(t)

	h.registry.Observe(1, "bottle")
	h.registry.Observe(2, "cup")
	h.registry.MarkSending(2)
	h.registry.Resolve(2, vision.Result{Kind: vision.ResultSuccess, Label: "Mugsy"})

	var views []struct {
		ID      int64  `json:"id"`
		Status  string `json:"status"`
		Display string `json:"display"`
	}
	resp := h.getJSON(t, "/api/objects", &views)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, views, 2)
	assert.Equal(t, int64(1), views[0].ID)
	assert.Equal(t, "bottle", views[0].Display)
	assert.Equal(t, "done", views[1].Status)
	assert.Equal(t, "Mugsy", views[1].Display)
}

func TestObjectsEndpointRejectsPost(t *testing.T) {
	h := newServerHarness(t)

	resp, err := http.Post(h.ts.URL+"/api/objects", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["error"])
}

func TestQuotaEndpoint(t *testing.T) {
	h := newServerHarness(t)

	h.quota.RecordCall()
	h.quota.RecordCall()

	var body struct {
		Used          int     `json:"used"`
		Limit         int     `json:"limit"`
		WindowSeconds float64 `json:"window_seconds"`
	}
	resp := h.getJSON(t, "/api/quota", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, body.Used)
	assert.Equal(t, 5, body.Limit)
	assert.Equal(t, 60.0, body.WindowSeconds)
}

func TestStatsEndpoint(t *testing.T) {
	h := newServerHarness(t)

	h.registry.Observe(1, "bottle")
	for i := 1; i <= 100; i++ {
		h.latency.Record(time.Duration(i) * time.Millisecond)
	}

	var stats map[string]interface{}
	resp := h.getJSON(t, "/api/stats", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, float64(1), stats["tracked"])
	assert.Equal(t, "alpha", stats["backend"])
	assert.Equal(t, float64(0), stats["queue_depth"])

	latency, ok := stats["latency"].(map[string]interface{})
	require.True(t, ok, "stats must include latency percentiles")
	assert.Equal(t, float64(100), latency["count"])
	assert.InDelta(t, 50, latency["p50_ms"], 2)
	assert.InDelta(t, 95, latency["p95_ms"], 2)
	assert.Greater(t, latency["p99_ms"], latency["p50_ms"])
}

func TestEventsEndpoint(t *testing.T) {
	h := newServerHarness(t)

	require.NoError(t, h.journal.RecordDetected(1, "CoffeeCo", 1))
	require.NoError(t, h.journal.RecordRemoved(1, "CoffeeCo"))

	var events []journal.Event
	resp := h.getJSON(t, "/api/events?limit=1", &events)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, events, 1)
	assert.Equal(t, "removed", events[0].Kind)
}

func TestTracksEndpoint(t *testing.T) {
	h := newServerHarness(t)

	require.NoError(t, h.journal.ArchiveTrack(vision.TrackedObject{
		ID: 9, CoarseLabel: "bottle", RefinedLabel: "CoffeeCo",
		Outcome: vision.ResultSuccess, Status: vision.StatusDone,
	}))

	var tracks []journal.ArchivedTrack
	resp := h.getJSON(t, "/api/tracks", &tracks)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, tracks, 1)
	assert.Equal(t, int64(9), tracks[0].ObjectID)
}

func TestEventsChartRendersHTML(t *testing.T) {
	h := newServerHarness(t)

	require.NoError(t, h.journal.RecordDetected(1, "CoffeeCo", 1))

	resp, err := http.Get(h.ts.URL + "/charts/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "echarts")
}

func TestLatencyRecorderRing(t *testing.T) {
	l := NewLatencyRecorder()
	assert.Zero(t, l.Summary().Count)

	for i := 0; i < latencyRingSize+10; i++ {
		l.Record(time.Millisecond)
	}
	assert.Equal(t, latencyRingSize, l.Count(), "ring overwrites, never grows")
	assert.InDelta(t, 1.0, l.Summary().P50, 0.01)
}
