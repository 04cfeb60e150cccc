// Package server wires HTTP handlers into a router with recovery and
// request-logging middleware.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/negroni"
)

// SetupRoutes configures the application's HTTP surface: the WebSocket
// upgrade endpoint, health check, broker statistics, and the test page.
func SetupRoutes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", WebSocketHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/", TestPageHandler).Methods(http.MethodGet)

	n := negroni.New(negroni.NewRecovery(), &requestLogger{})
	n.UseHandler(r)
	return n
}

// requestLogger is a negroni middleware logging each request through slog.
// WebSocket upgrades are skipped; their lifecycle is logged by the broker.
type requestLogger struct{}

func (l *requestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)

	if r.URL.Path == "/ws" {
		return
	}

	status := http.StatusOK
	if nw, ok := w.(negroni.ResponseWriter); ok {
		status = nw.Status()
	}

	slog.Info("http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration", time.Since(start))
}
