package handlers

import (
	"net/http"

	"github.com/andrewpaige1/ideaflow-api/metrics"
)

// Routes registers the REST API, the websocket endpoint and the metrics endpoint.
func Routes(sessions *SessionHandler, ws http.Handler, m *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("GET /api/sessions", sessions.ListSessions)
	mux.HandleFunc("POST /api/sessions", sessions.CreateSession)
	mux.HandleFunc("GET /api/sessions/{sessionID}", sessions.GetSession)
	mux.HandleFunc("PUT /api/sessions/{sessionID}", sessions.PutSession)
	mux.HandleFunc("DELETE /api/sessions/{sessionID}", sessions.DeleteSession)

	// Realtime
	mux.Handle("GET /ws", ws)

	// Operations
	mux.HandleFunc("GET /healthz", sessions.Health)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	return mux
}
