package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openmohaa/session-tracker/internal/models"
)

const defaultTopLimit = 25

type topPlayersQuery struct {
	Sort  string `validate:"omitempty,oneof=score playtime sessions"`
	Limit int    `validate:"min=1,max=100"`
}

// GetTopPlayers returns the cross-session leaderboard
// @Summary Top Players
// @Tags Players
// @Produce json
// @Param sort query string false "score, playtime or sessions" default(score)
// @Param limit query int false "1-100" default(25)
// @Success 200 {array} models.PlayerAggregateStats
// @Failure 400 {object} map[string]string "Bad Request"
// @Router /players/top [get]
func (h *Handler) GetTopPlayers(w http.ResponseWriter, r *http.Request) {
	q := topPlayersQuery{Sort: r.URL.Query().Get("sort"), Limit: defaultTopLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		q.Limit = n
	}
	if err := h.validator.Struct(q); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "sort must be score, playtime or sessions and limit 1-100")
		return
	}

	players, err := h.queries.TopPlayers(r.Context(), models.ParsePlayerSort(q.Sort), q.Limit)
	if err != nil {
		h.queryError(w, r, "top_players", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, nonNil(players))
}

// GetPlayerProfile returns a player's lifetime aggregates
// @Summary Player Profile
// @Tags Players
// @Produce json
// @Param playerId path string true "Player ID"
// @Success 200 {object} models.PlayerProfile
// @Failure 404 {object} map[string]string "Not Found"
// @Router /players/{playerId} [get]
func (h *Handler) GetPlayerProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.queries.PlayerProfile(r.Context(), chi.URLParam(r, "playerId"))
	if err != nil {
		h.queryError(w, r, "player_profile", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, profile)
}
