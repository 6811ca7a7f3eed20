// Package admin serves probes and operator endpoints.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rcourtman/memorial-studio/internal/studio/registry"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports aggregate registry counts.
type StatsSource interface {
	Stats(ctx context.Context) (registry.Stats, error)
}

type statusResponse struct {
	Version   string         `json:"version"`
	Products  int            `json:"configured_products"`
	QuotaMode string         `json:"quota_mode"`
	Registry  registry.Stats `json:"registry"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if db == nil || db.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// StatusInfo is the static part of the status report.
type StatusInfo struct {
	Version   string
	Products  int
	QuotaMode string
}

// HandleStatus returns a handler that reports build info and aggregate counts.
func HandleStatus(stats StatsSource, info StatusInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := stats.Stats(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:   info.Version,
			Products:  info.Products,
			QuotaMode: info.QuotaMode,
			Registry:  st,
		})
	}
}
