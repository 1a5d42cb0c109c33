package server

import "net/http"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - run progress stream
	mux.HandleFunc("/ws", s.wsHandler.HandleWebSocket)

	// API routes - run control
	mux.HandleFunc("/api/runs", s.runHandler.TriggerHandler)       // POST - start a run
	mux.HandleFunc("/api/runs/status", s.runHandler.StatusHandler) // GET - run status
	mux.HandleFunc("/api/runs/stop", s.runHandler.StopHandler)     // POST - graceful stop
	mux.HandleFunc("/api/runs/clear", s.runHandler.ClearHandler)   // POST - force-clear stuck run

	// API routes - System
	mux.HandleFunc("/api/version", s.apiHandler.VersionHandler)
	mux.HandleFunc("/health", s.apiHandler.HealthHandler)

	return mux
}
