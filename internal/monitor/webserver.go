// Package monitor serves the HTTP status surface: live tracked objects,
// quota and queue state, journal queries, charts and the debug admin
// routes.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/keystone-vision/shelfwatch/internal/journal"
	"github.com/keystone-vision/shelfwatch/internal/publish"
	"github.com/keystone-vision/shelfwatch/internal/version"
	"github.com/keystone-vision/shelfwatch/internal/vision"
)

// WebServer handles the HTTP interface for monitoring the shelf engine.
// It provides endpoints for health checks and real-time status information.
type WebServer struct {
	address   string
	server    *http.Server
	registry  *vision.Registry
	quota     *vision.QuotaTracker
	rotation  *vision.BackendRotation
	worker    *vision.EnrichmentWorker
	processor *vision.FrameProcessor
	publisher *publish.Publisher
	journal   *journal.Journal
	latency   *LatencyRecorder
	started   time.Time
}

// WebServerConfig contains configuration options for the web server.
// Publisher, Journal and Latency may be nil; their endpoints degrade
// accordingly.
type WebServerConfig struct {
	Address   string
	Registry  *vision.Registry
	Quota     *vision.QuotaTracker
	Rotation  *vision.BackendRotation
	Worker    *vision.EnrichmentWorker
	Processor *vision.FrameProcessor
	Publisher *publish.Publisher
	Journal   *journal.Journal
	Latency   *LatencyRecorder
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		registry:  config.Registry,
		quota:     config.Quota,
		rotation:  config.Rotation,
		worker:    config.Worker,
		processor: config.Processor,
		publisher: config.Publisher,
		journal:   config.Journal,
		latency:   config.Latency,
		started:   time.Now(),
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
func (ws *WebServer) Start(ctx context.Context) error {
	// Start server in a goroutine so it doesn't block
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for context cancellation to shut down server
	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	// Create a shutdown context with a shorter timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/objects", ws.handleObjects)
	mux.HandleFunc("/api/quota", ws.handleQuota)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/events", ws.handleEvents)
	mux.HandleFunc("/api/tracks", ws.handleTracks)
	mux.HandleFunc("/charts/events", ws.handleEventsChart)

	if ws.journal != nil {
		ws.journal.AttachAdminRoutes(mux)
	}

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "shelfwatch", "version": "%s", "timestamp": "%s"}`,
		version.Version, time.Now().UTC().Format(time.RFC3339))
}

// objectView is one tracked object plus its derived display text.
type objectView struct {
	vision.TrackedObject
	Display string `json:"display"`
}

// handleObjects returns the live registry contents, ordered by id.
func (ws *WebServer) handleObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snapshot := ws.registry.Snapshot()
	views := make([]objectView, 0, len(snapshot))
	for _, obj := range snapshot {
		views = append(views, objectView{TrackedObject: obj, Display: obj.DisplayLabel()})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// handleQuota reports the sliding window state.
func (ws *WebServer) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	used, limit := ws.quota.Usage()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"used":           used,
		"limit":          limit,
		"window_seconds": ws.quota.Window().Seconds(),
	})
}

// handleStats aggregates engine state for dashboards: frame totals, queue
// and rotation state, publisher counters, recognition latency percentiles.
func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats := map[string]interface{}{
		"version":  version.Version,
		"uptime":   time.Since(ws.started).Round(time.Second).String(),
		"tracked":  ws.registry.Count(),
		"backends": ws.rotation.Backends(),
		"backend":  ws.rotation.Current(),
	}
	if ws.processor != nil {
		stats["frames"] = ws.processor.Totals()
	}
	if ws.worker != nil {
		stats["queue_depth"] = ws.worker.QueueDepth()
	}
	if ws.publisher != nil {
		stats["publisher"] = ws.publisher.Stats()
	}
	if ws.latency != nil {
		stats["latency"] = ws.latency.Summary()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleEvents returns recent journal events.
// Query params:
//
//	limit (optional, default 100, max 1000)
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.journal == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no journal configured")
		return
	}

	limit := parseLimit(r, 100)
	events, err := ws.journal.RecentEvents(limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("read events: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// handleTracks returns recently archived lifecycles.
func (ws *WebServer) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.journal == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no journal configured")
		return
	}

	limit := parseLimit(r, 100)
	tracks, err := ws.journal.RecentTracks(limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("read tracks: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tracks)
}

func parseLimit(r *http.Request, def int) int {
	limit := def
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	return limit
}

// Close shuts down the web server
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}
