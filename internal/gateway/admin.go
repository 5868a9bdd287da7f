package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler serves the operational endpoints on the admin listener:
// liveness, Prometheus exposition, backend health and cache invalidation.
// When apiKey is non-empty the /admin/* endpoints require it as a bearer
// token; liveness and metrics stay open for probes and scrapers.
func (g *Gateway) AdminHandler(registry *prometheus.Registry, apiKey string) http.Handler {
	mux := http.NewServeMux()

	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if apiKey == "" {
			return true
		}
		if r.Header.Get("Authorization") == "Bearer "+apiKey {
			return true
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(g.healthStore.Snapshot())
	})

	mux.HandleFunc("/admin/config/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		domain := r.URL.Query().Get("domain")
		if domain == "" {
			http.Error(w, "domain parameter required", http.StatusBadRequest)
			return
		}
		if err := g.loader.Invalidate(r.Context(), domain); err != nil {
			http.Error(w, "invalidation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "invalidated", "domain": domain})
	})

	return mux
}
