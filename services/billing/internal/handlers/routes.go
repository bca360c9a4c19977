package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/analytics"
	"github.com/example/cinemax/internal/platform/auth"
	"github.com/example/cinemax/internal/platform/httpserver"
)

type Deps struct {
	Checkout  CheckoutService
	Verify    SessionVerifier
	Webhook   WebhookReconciler
	Access    AccessChecker
	Verifier  auth.JWTVerifier
	Analytics *analytics.Publisher
	Log       *zap.Logger
	// CheckoutLimiter throttles session creation; nil disables it.
	CheckoutLimiter *httpserver.RateLimiter
}

// Mount registers the billing routes on r.
func Mount(r chi.Router, d Deps) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	// Signed by the gateway; never behind user auth.
	r.Post("/v1/stripe/webhook", Webhook(d.Webhook, log))

	r.Group(func(r chi.Router) {
		r.Use(auth.OptionalUser(d.Verifier))
		r.With(limit(d.CheckoutLimiter)).Post("/v1/checkout", Checkout(d.Checkout, log))
		r.Get("/v1/checkout/verify", VerifyCheckout(d.Verify, log))
		r.Get("/v1/purchases/check", PurchaseCheck(d.Access, log))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(d.Verifier))
		r.Get("/v1/episodes/{episode_id}/entitlement", Entitlement(d.Access, d.Analytics, log))
	})
}

// limit keys the limiter by the authenticated user, falling back to client IP.
func limit(rl *httpserver.RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	rl.KeyFunc = func(r *http.Request) string {
		if uid, ok := auth.UserIDFromContext(r.Context()); ok && uid != "" {
			return "user:" + uid
		}
		return "ip:" + httpserver.ClientIP(r)
	}
	return rl.Middleware
}
