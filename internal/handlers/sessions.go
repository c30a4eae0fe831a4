package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openmohaa/session-tracker/internal/logic"
	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

// GetActiveSessions lists sessions currently in progress
// @Summary Active Sessions
// @Tags Sessions
// @Produce json
// @Success 200 {array} models.Session
// @Failure 500 {object} map[string]string "Internal Error"
// @Router /sessions/active [get]
func (h *Handler) GetActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.queries.ActiveSessions(r.Context())
	if err != nil {
		h.queryError(w, r, "active_sessions", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, sessions)
}

// GetSession returns one session
// @Summary Session
// @Tags Sessions
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} models.Session
// @Failure 404 {object} map[string]string "Not Found"
// @Router /sessions/{id} [get]
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	s, err := h.queries.Session(r.Context(), id)
	if err != nil {
		h.queryError(w, r, "session", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, s)
}

type endSessionRequest struct {
	Note string `json:"note" validate:"max=200"`
}

// EndSession closes an active session by hand
// @Summary End Session
// @Description Closes the session with a "Manual End" result and a wave-end snapshot
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path int true "Session ID"
// @Param body body endSessionRequest false "Optional note"
// @Success 200 {object} logic.ClosedSession
// @Failure 404 {object} map[string]string "Not Found"
// @Failure 409 {object} map[string]string "Already closed"
// @Router /sessions/{id}/end [post]
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id")
		return
	}

	var req endSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Note must be at most 200 characters")
		return
	}

	closed, err := h.engine.EndSession(r.Context(), id, req.Note)
	switch {
	case errors.Is(err, logic.ErrSessionNotActive):
		h.errorResponse(w, http.StatusConflict, "Session is not active")
		return
	case errors.Is(err, store.ErrNotFound):
		h.errorResponse(w, http.StatusNotFound, "Not found")
		return
	case err != nil:
		h.logger.Errorw("Failed to end session", "session_id", id, "op", "end_session", "error", err)
		h.errorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.logger.Infow("Session ended manually", "session_id", id, "result", closed.Result)
	h.jsonResponse(w, http.StatusOK, closed)
}

// GetWaveSummaries returns per-team totals for every wave-end snapshot
// @Summary Wave Summaries
// @Tags Waves
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {array} models.WaveSummary
// @Router /sessions/{id}/waves [get]
func (h *Handler) GetWaveSummaries(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	summaries, err := h.queries.WaveSummaries(r.Context(), id)
	if err != nil {
		h.queryError(w, r, "wave_summaries", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, nonNil(summaries))
}

// GetWaveSummary returns the latest snapshot of one wave with its top players
// @Summary Wave Summary
// @Tags Waves
// @Produce json
// @Param id path int true "Session ID"
// @Param wave path int true "Wave number"
// @Success 200 {object} models.WaveSummary
// @Failure 404 {object} map[string]string "Not Found"
// @Router /sessions/{id}/waves/{wave} [get]
func (h *Handler) GetWaveSummary(w http.ResponseWriter, r *http.Request) {
	id, okID := sessionID(r)
	wave, okWave := waveParam(r)
	if !okID || !okWave {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id or wave")
		return
	}
	summary, err := h.queries.WaveSummary(r.Context(), id, wave)
	if err != nil {
		h.queryError(w, r, "wave_summary", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, summary)
}

// GetTeamComposition returns per-team counts and scores
// @Summary Team Composition
// @Tags Waves
// @Produce json
// @Param id path int true "Session ID"
// @Param wave query int false "Wave number"
// @Success 200 {object} models.TeamComposition
// @Failure 404 {object} map[string]string "Not Found"
// @Router /sessions/{id}/teams [get]
func (h *Handler) GetTeamComposition(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	wave := models.None[int]()
	if raw := r.URL.Query().Get("wave"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.errorResponse(w, http.StatusBadRequest, "Invalid wave")
			return
		}
		wave = models.Some(n)
	}
	comp, err := h.queries.TeamComposition(r.Context(), id, wave)
	if err != nil {
		h.queryError(w, r, "team_composition", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, comp)
}

// GetWaveWinners returns the top human survivors of a wave
// @Summary Wave Winners
// @Tags Waves
// @Produce json
// @Param id path int true "Session ID"
// @Param wave path int true "Wave number"
// @Success 200 {array} models.PlayerWaveScore
// @Failure 404 {object} map[string]string "Not Found"
// @Router /sessions/{id}/waves/{wave}/winners [get]
func (h *Handler) GetWaveWinners(w http.ResponseWriter, r *http.Request) {
	id, okID := sessionID(r)
	wave, okWave := waveParam(r)
	if !okID || !okWave {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id or wave")
		return
	}
	winners, err := h.queries.WaveWinners(r.Context(), id, wave)
	if err != nil {
		h.queryError(w, r, "wave_winners", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, winners)
}

// GetSessionDeaths lists deaths in a session
// @Summary Session Deaths
// @Tags Events
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {array} models.TeamChangeDetail
// @Router /sessions/{id}/deaths [get]
func (h *Handler) GetSessionDeaths(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	events, err := h.queries.SessionDeaths(r.Context(), id)
	if err != nil {
		h.queryError(w, r, "session_deaths", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, nonNil(events))
}

// GetSessionRedeems lists redemptions in a session
// @Summary Session Redemptions
// @Tags Events
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {array} models.TeamChangeDetail
// @Router /sessions/{id}/redeems [get]
func (h *Handler) GetSessionRedeems(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	events, err := h.queries.SessionRedeems(r.Context(), id)
	if err != nil {
		h.queryError(w, r, "session_redeems", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, nonNil(events))
}

// GetPlayerWaveHistory returns a player's score at each wave end of a session
// @Summary Player Wave History
// @Tags Waves
// @Produce json
// @Param id path int true "Session ID"
// @Param playerId path string true "Player ID"
// @Success 200 {array} models.PlayerWaveHistoryEntry
// @Router /sessions/{id}/players/{playerId}/waves [get]
func (h *Handler) GetPlayerWaveHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.errorResponse(w, http.StatusBadRequest, "Invalid session id")
		return
	}
	history, err := h.queries.PlayerWaveHistory(r.Context(), id, chi.URLParam(r, "playerId"))
	if err != nil {
		h.queryError(w, r, "player_wave_history", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, history)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
