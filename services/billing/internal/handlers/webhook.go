package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/api"
	"github.com/example/cinemax/internal/platform/httpserver"
	"github.com/example/cinemax/services/billing/internal/domain"
	"github.com/example/cinemax/services/billing/internal/reconcile"
)

const maxBodyBytes = 65536

type WebhookReconciler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (reconcile.Ack, error)
}

// Webhook handles POST /v1/stripe/webhook.
func Webhook(rec WebhookReconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			api.BadRequest(w, "READ_ERROR", "cannot read body", rid, nil)
			return
		}

		ack, err := rec.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
		switch {
		case errors.Is(err, domain.ErrSignature):
			log.Warn("stripe signature verification failed", zap.String("request_id", rid), zap.Error(err))
			api.BadRequest(w, "INVALID_SIGNATURE", "webhook signature verification failed", rid, nil)
			return
		case errors.Is(err, domain.ErrMalformedEvent):
			log.Warn("malformed stripe event", zap.String("request_id", rid), zap.Error(err))
			api.BadRequest(w, "INVALID_EVENT", "cannot parse event", rid, nil)
			return
		case err != nil:
			log.Error("webhook processing failed", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}

		log.Debug("webhook acknowledged",
			zap.String("event_id", ack.EventID),
			zap.String("type", ack.Type),
			zap.String("outcome", ack.Outcome),
		)
		api.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
