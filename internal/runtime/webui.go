package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/hutch/internal/runtime/jsoncodec"
)

func (h *Hutch) handleGetQueues(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if len(h.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := h.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, h.Queues()); err != nil {
		h.Logger.Error("Failed to encode queues", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (h *Hutch) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range h.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
