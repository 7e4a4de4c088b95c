package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inletworks/inlet/internal/adapters/stream"
	"github.com/inletworks/inlet/internal/adapters/webhook"
	"github.com/inletworks/inlet/internal/httputil"
	"github.com/inletworks/inlet/internal/middleware"
)

// NewRouter constructs a ServeMux with the gateway's API routes
// registered.
func NewRouter(wh *webhook.Handler, sh *stream.Handler) http.Handler {
	mux := http.NewServeMux()

	// Ingestion and read API
	mux.HandleFunc("/v1/notifications", wh.HandleNotifications)
	mux.HandleFunc("/v1/notifications/", wh.HandleNotificationByID)

	// Streaming ingestion
	if sh != nil {
		mux.HandleFunc("/v1/stream", sh.HandleStream)
	}

	// Health endpoints
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleHealth)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
