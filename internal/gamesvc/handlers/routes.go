package handlers

import (
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) SetRoutes(r *chi.Mux) {
	r.Route("/v1", func(r chi.Router) {

		// public routes here
		r.Get("/health", h.HealthHandler)

		r.Route("/rounds", func(r chi.Router) {
			r.Get("/current", h.CurrentRoundHandler)
			r.Post("/bets", h.PlaceBetHandler)
			r.Post("/bets/{betId}/cashout", h.CashOutHandler)
			r.Get("/{roundId}/verify", h.VerifyRoundHandler)
		})
		r.Get("/leaderboard", h.LeaderboardHandler)
		r.Get("/leaderboard/{address}", h.PlayerHandler)
		r.Get("/history", h.HistoryHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Post("/admin/rounds/crash", h.ForceCrashHandler)
			r.Get("/admin/outbox/failed", h.FailedOutboxHandler)
			r.Post("/admin/outbox/{id}/retry", h.RetryOutboxHandler)
		})
	})
}

func (h *Handler) InitAuth(jwtKey string, debug bool) {
	h.tokenAuth = jwtauth.New("HS256", []byte(jwtKey), nil)

	if !debug {
		return
	}
	expirationTime := time.Now().Add(7 * 24 * time.Hour).Unix()

	_, tokenString, _ := h.tokenAuth.Encode(map[string]interface{}{
		"service_id": 8003022,
		"role":       "operator",
		"exp":        expirationTime,
	})

	// For debugging only, never enabled in production
	log.Infof("DEBUG: operator JWT for testing expires soon : %s", tokenString)
}
