package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/staking-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса стейкинга.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))
	if h.metrics != nil {
		r.Use(custommiddleware.Metrics(h.metrics))
		// promhttp сжимает ответ сам, поэтому /metrics живёт вне GzipMiddleware.
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Route("/api", func(r chi.Router) {
			if h.rateLimiter != nil {
				r.Use(h.rateLimiter.Middleware)
			}

			r.Get("/plans", h.GetPlans)
			r.Get("/reward-token", h.GetRewardToken)
			r.Get("/stakes/{account}", h.GetStakeDetail)
			r.Get("/stakes/{account}/reward", h.CalculateReward)
			r.Get("/balances/{asset}/{holder}", h.GetBalance)
			r.Post("/user/login", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/admin/initialize", h.Initialize)
				r.Post("/admin/deposit", h.Deposit)

				r.Post("/user/stake", h.Stake)
				r.Post("/user/unstake", h.Unstake)
				r.Post("/user/claim", h.ClaimReward)
				r.Get("/user/events", h.GetEvents)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
