package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Recording session control
	mux.HandleFunc("/record/start", s.app.RecordHandler.StartHandler)
	mux.HandleFunc("/record/stop/", s.app.RecordHandler.StopHandler)
	mux.HandleFunc("/record/active", s.app.RecordHandler.ActiveHandler)
	mux.HandleFunc("/record/active/url", s.app.RecordHandler.ActiveURLHandler)
	mux.HandleFunc("/record/active/tabs", s.app.RecordHandler.ActiveTabsHandler)
	mux.HandleFunc("/record/interpret", s.app.RecordHandler.InterpretHandler)
	mux.HandleFunc("/record/interpret/stop", s.app.RecordHandler.InterpretStopHandler)

	// Runs: admission, abort, retrieval
	mux.HandleFunc("/storage/runs", s.app.RunHandler.ListHandler)
	mux.HandleFunc("/storage/runs/", s.handleRunRoutes)

	// Schedules
	mux.HandleFunc("/storage/schedule/", s.app.ScheduleHandler.Handler)

	// Recording (robot) CRUD and per-robot run history
	mux.HandleFunc("/storage/recordings", s.app.RobotHandler.RecordingsHandler)
	mux.HandleFunc("/storage/recordings/", s.app.RobotHandler.RecordingsHandler)

	// WebSocket namespaces
	mux.HandleFunc("/ws/", s.handleWebSocketRoutes)

	// System
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched storage routes
	mux.HandleFunc("/storage/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleRunRoutes routes run requests under /storage/runs/ to the right
// handler: abort, single-run lookup, or admission by robot id.
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasPrefix(path, "/storage/runs/abort/"):
		s.app.RunHandler.AbortHandler(w, r)
	case strings.HasPrefix(path, "/storage/runs/run/"):
		s.app.RunHandler.GetHandler(w, r)
	default:
		s.app.RunHandler.CreateHandler(w, r)
	}
}

// handleWebSocketRoutes splits the queued-run notification namespace from the
// per-browser session namespaces.
func (s *Server) handleWebSocketRoutes(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws/queued-run" {
		s.app.WSHandler.QueuedRunHandler(w, r)
		return
	}
	s.app.WSHandler.SessionHandler(w, r)
}
