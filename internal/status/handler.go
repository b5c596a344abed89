package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"camera-events/internal/subscription"
)

// Handler serves the status and admin endpoints.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

// NewHandler constructs a status handler.
func NewHandler(service *Service, logger zerolog.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("status handler: nil service")
	}
	return &Handler{service: service, logger: logger.With().Str("component", "status").Logger()}, nil
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/status", h.handleStatus)
	mux.HandleFunc("/api/v1/subscription/restart", h.handleRestart)
	mux.HandleFunc("/api/v1/throttle/reset", h.handleThrottleReset)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sub, err := h.service.RestartSubscription(r.Context())
	switch {
	case err == nil:
		h.logger.Info().Str("state", string(sub.State)).Msg("subscription restarted by request")
		writeJSON(w, http.StatusOK, sub)
	case errors.Is(err, subscription.ErrNotDisabled), errors.Is(err, subscription.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "subscription": sub})
	case errors.Is(err, subscription.ErrNotStarted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Msg("restart subscription")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "restart failed"})
	}
}

func (h *Handler) handleThrottleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	category := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("category")))
	removed := h.service.ResetThrottle(category)
	h.logger.Info().Str("category", category).Int("removed", removed).Msg("throttle reset")
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
