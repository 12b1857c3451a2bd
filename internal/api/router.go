/**
 * @description
 * This file sets up the HTTP routers of the engine. The commerce router serves
 * the buyer, seller and affiliate API; the webhook router serves the payment
 * gateway callbacks on their own listener.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: Browser clients of the commerce API.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

// CommerceRoutes creates the router of the commerce API. An empty origins list
// allows any http(s) origin. metricsHandler may be nil.
func CommerceRoutes(h *CommerceHandlers, auth AuthConfig, origins []string, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", health)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// Public endpoints. The redirect still picks up the user when a token is sent.
	r.With(OptionalAuthMiddleware(auth)).Get("/a/{code}", h.RedirectHandler)
	r.Post("/ads/select", h.SelectAdHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		r.Post("/transactions", h.CheckoutHandler)
		r.Get("/transactions/{id}", h.GetTransactionHandler)
		r.Post("/transactions/{id}/cancel", h.CancelTransactionHandler)

		r.Route("/escrows/{id}", func(r chi.Router) {
			r.Post("/release", h.ReleaseEscrowHandler)
			r.Post("/confirm-delivery", h.ConfirmDeliveryHandler)
			r.Post("/milestones/{milestone_id}/complete", h.CompleteMilestoneHandler)
			r.Post("/disputes", h.OpenDisputeHandler)
			r.Post("/resolve", h.ResolveDisputeHandler)
		})

		r.Route("/affiliate/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaignHandler)
			r.Post("/{id}/links", h.CreateLinkHandler)
			r.Post("/{id}/deactivate", h.DeactivateCampaignHandler)
		})
	})

	return r
}

// WebhookRoutes creates the router of the webhook receiver.
func WebhookRoutes(h *WebhookHandler, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", health)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	r.Method(http.MethodPost, "/webhooks/payments", h)

	return r
}
