package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthResponse is the JSON body returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Provider      string `json:"provider"`
	Writer        string `json:"writer"`
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// HealthHandler returns an HTTP handler for GET /health. provider is "none"
// when no LLM provider is configured.
func HealthHandler(sessions SessionCounter, provider, writer string, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if provider == "" {
			provider = "none"
		}
		resp := HealthResponse{
			Status:        "ok",
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Sessions:      sessions.Count(),
			Provider:      provider,
			Writer:        writer,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(resp)
	}
}
