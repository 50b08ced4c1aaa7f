package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/cryptostream/internal/metrics"
	"github.com/rickgao/cryptostream/internal/stream"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type streamStatus interface {
	State() stream.State
	Attempts() int
	Exhausted() bool
	LastError() error
}

type subscriptionStatus interface {
	Active() []string
	Pending() []string
}

type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// newHTTPHandler serves /health and, when g is set, the metrics endpoint.
func newHTTPHandler(metricsPath string, g prometheus.Gatherer, s streamStatus, subs subscriptionStatus, db pinger) http.Handler {
	mux := http.NewServeMux()

	if g != nil {
		mux.Handle(metricsPath, metrics.Handler(g))
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		state := s.State()
		streamInfo := map[string]any{
			"state":     state.String(),
			"attempts":  s.Attempts(),
			"exhausted": s.Exhausted(),
		}
		if err := s.LastError(); err != nil {
			streamInfo["last_error"] = err.Error()
		}
		health.Components["stream"] = streamInfo

		switch {
		case s.Exhausted():
			health.Status = "unhealthy"
		case state != stream.StateConnected:
			health.Status = "degraded"
		}

		health.Components["subscriptions"] = map[string]int{
			"active":  len(subs.Active()),
			"pending": len(subs.Pending()),
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
