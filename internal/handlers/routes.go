package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the HTTP router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/servers/live", h.GetLiveServers)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/active", h.GetActiveSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/end", h.EndSession)
				r.Get("/waves", h.GetWaveSummaries)
				r.Get("/waves/{wave}", h.GetWaveSummary)
				r.Get("/waves/{wave}/winners", h.GetWaveWinners)
				r.Get("/teams", h.GetTeamComposition)
				r.Get("/deaths", h.GetSessionDeaths)
				r.Get("/redeems", h.GetSessionRedeems)
				r.Get("/players/{playerId}/waves", h.GetPlayerWaveHistory)
			})
		})

		r.Route("/players", func(r chi.Router) {
			r.Get("/top", h.GetTopPlayers)
			r.Get("/{playerId}", h.GetPlayerProfile)
		})

		r.Get("/events/recent", h.GetRecentEvents)
	})

	return r
}
