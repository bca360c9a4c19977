package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/api"
	"github.com/example/cinemax/internal/platform/auth"
	"github.com/example/cinemax/internal/platform/httpserver"
	"github.com/example/cinemax/services/billing/internal/domain"
	"github.com/example/cinemax/services/billing/internal/verification"
)

type CheckoutService interface {
	InitiateEpisodeCheckout(ctx context.Context, req domain.EpisodeCheckout) (domain.CheckoutResult, error)
	InitiateSubscriptionCheckout(ctx context.Context, req domain.SubscriptionCheckout) (domain.CheckoutResult, error)
}

type SessionVerifier interface {
	VerifySession(ctx context.Context, sessionID string) (verification.Result, error)
}

type checkoutRequest struct {
	Type         domain.CheckoutKind `json:"type"`
	UserID       string              `json:"userId"`
	UserEmail    string              `json:"userEmail"`
	EpisodeID    string              `json:"episodeId"`
	EpisodeTitle string              `json:"episodeTitle"`
	SeriesTitle  string              `json:"seriesTitle"`
	PlanID       string              `json:"planId"`
	PlanName     string              `json:"planName"`
	Price        int64               `json:"price"`
}

// Checkout handles POST /v1/checkout. A verified session token, when present,
// supplies the caller identity in place of the body fields.
func Checkout(svc CheckoutService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		var req checkoutRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}
		if uid, ok := auth.UserIDFromContext(r.Context()); ok && uid != "" {
			req.UserID = uid
			if email, ok := auth.EmailFromContext(r.Context()); ok && email != "" {
				req.UserEmail = email
			}
		}

		var (
			res domain.CheckoutResult
			err error
		)
		switch domain.CheckoutKind(strings.TrimSpace(string(req.Type))) {
		case domain.CheckoutEpisode:
			res, err = svc.InitiateEpisodeCheckout(r.Context(), domain.EpisodeCheckout{
				EpisodeID:    req.EpisodeID,
				EpisodeTitle: req.EpisodeTitle,
				SeriesTitle:  req.SeriesTitle,
				Price:        req.Price,
				UserID:       req.UserID,
				UserEmail:    req.UserEmail,
			})
		case domain.CheckoutSubscription:
			res, err = svc.InitiateSubscriptionCheckout(r.Context(), domain.SubscriptionCheckout{
				PlanID:    req.PlanID,
				PlanName:  req.PlanName,
				Price:     req.Price,
				UserID:    req.UserID,
				UserEmail: req.UserEmail,
			})
		default:
			if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.UserEmail) == "" {
				api.Unauthorized(w, "UNAUTHORIZED", "userId and userEmail are required", rid)
				return
			}
			api.BadRequest(w, "INVALID_TYPE", "type must be episode or subscription", rid, nil)
			return
		}
		if err != nil {
			writeCheckoutError(w, log, err, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}

func writeCheckoutError(w http.ResponseWriter, log *zap.Logger, err error, rid string) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		if ve.IsAuthField() {
			api.Unauthorized(w, "UNAUTHORIZED", ve.Error(), rid)
			return
		}
		api.BadRequest(w, "VALIDATION_FAILED", ve.Error(), rid, map[string]any{"field": ve.Field})
		return
	}
	log.Error("checkout failed", zap.String("request_id", rid), zap.Error(err))
	api.WriteError(w, http.StatusInternalServerError, "CHECKOUT_FAILED", "failed to create checkout session", rid, nil)
}

// VerifyCheckout handles GET /v1/checkout/verify?session_id=.
func VerifyCheckout(svc SessionVerifier, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())

		res, err := svc.VerifySession(r.Context(), r.URL.Query().Get("session_id"))
		if err != nil {
			var ve *domain.ValidationError
			switch {
			case errors.As(err, &ve):
				api.BadRequest(w, "MISSING_SESSION_ID", "session_id is required", rid, nil)
			case errors.Is(err, domain.ErrNotFound):
				api.BadRequest(w, "INVALID_SESSION", "checkout session not found", rid, nil)
			default:
				log.Error("verify session failed", zap.String("request_id", rid), zap.Error(err))
				api.BadRequest(w, "VERIFY_FAILED", "failed to verify checkout session", rid, nil)
			}
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}
