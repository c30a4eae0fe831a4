package handlers

import (
	"net/http"
	"time"
)

const (
	defaultEventWindow = 5 * time.Minute
	maxEventWindow     = 24 * time.Hour
	liveMaxAge         = 5 * time.Minute
)

// GetRecentEvents returns deaths and redemptions in active sessions
// @Summary Recent Events
// @Tags Events
// @Produce json
// @Param window query string false "Trailing window, e.g. 90s" default(5m)
// @Success 200 {array} models.TeamChangeDetail
// @Failure 400 {object} map[string]string "Bad Request"
// @Router /events/recent [get]
func (h *Handler) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	window, err := parseDurationParam(r, "window", defaultEventWindow)
	if err != nil || window <= 0 || window > maxEventWindow {
		h.errorResponse(w, http.StatusBadRequest, "window must be a duration up to 24h")
		return
	}

	events, err := h.queries.RecentEvents(r.Context(), h.now(), window)
	if err != nil {
		h.queryError(w, r, "recent_events", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, nonNil(events))
}

// GetLiveServers returns the status line last published for each server
// @Summary Live Servers
// @Tags Servers
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string "Live status disabled"
// @Router /servers/live [get]
func (h *Handler) GetLiveServers(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		h.errorResponse(w, http.StatusServiceUnavailable, "Live status is not configured")
		return
	}
	servers, err := h.live.Servers(r.Context(), h.now(), liveMaxAge)
	if err != nil {
		h.logger.Errorw("Failed to read live status", "error", err)
		h.errorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if servers == nil {
		servers = map[string]string{}
	}
	h.jsonResponse(w, http.StatusOK, servers)
}
