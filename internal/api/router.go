// Package api is the admin surface: health, metrics, call monitoring and
// policy variant management. It binds to a separate port from the caller
// WebSocket gateway.
package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.HandleStatus(w, r)
	})

	mux.HandleFunc("/api/rl/deployment", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.HandleDeployment(w, r)
	})

	mux.HandleFunc("/api/rl/variants", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleListVariants(w, r)
		case http.MethodPost:
			h.HandleAddVariant(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/rl/variants/", func(w http.ResponseWriter, r *http.Request) {
		// /api/rl/variants/{id}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/rl/variants/"), "/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.HandleGetVariant(w, r, id)
		case http.MethodDelete:
			h.HandleRemoveVariant(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	return mux
}
