// Package checkout opens hosted payment sessions for episode purchases and
// subscriptions.
package checkout

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/analytics"
	"github.com/example/cinemax/services/billing/internal/domain"
	"github.com/example/cinemax/services/billing/internal/gateway"
)

type Service struct {
	gw        gateway.Gateway
	validate  *validator.Validate
	analytics *analytics.Publisher
	log       *zap.Logger
}

func New(gw gateway.Gateway, ap *analytics.Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Service{gw: gw, validate: v, analytics: ap, log: log}
}

// InitiateEpisodeCheckout validates req and opens a one-off payment session.
// Invalid input returns *domain.ValidationError without contacting the gateway.
func (s *Service) InitiateEpisodeCheckout(ctx context.Context, req domain.EpisodeCheckout) (domain.CheckoutResult, error) {
	req.EpisodeID = strings.TrimSpace(req.EpisodeID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.UserEmail = strings.TrimSpace(req.UserEmail)
	if err := s.check(req); err != nil {
		return domain.CheckoutResult{}, err
	}

	title := strings.TrimSpace(req.EpisodeTitle)
	if title == "" {
		title = "Episode " + req.EpisodeID
	}
	name := title
	if series := strings.TrimSpace(req.SeriesTitle); series != "" {
		name = series + " - " + title
	}

	res, err := s.gw.CreateCheckoutSession(ctx, gateway.SessionRequest{
		Mode:          gateway.ModePayment,
		CustomerEmail: req.UserEmail,
		ProductName:   name,
		Description:   "CINEMAX episode purchase",
		UnitAmount:    req.Price * 100,
		Metadata: domain.Metadata{
			domain.MetaUserID:    req.UserID,
			domain.MetaType:      domain.SessionEpisodePurchase,
			domain.MetaEpisodeID: req.EpisodeID,
		},
	})
	if err != nil {
		s.log.Error("create episode checkout failed", zap.String("user_id", req.UserID), zap.String("episode_id", req.EpisodeID), zap.Error(err))
		return domain.CheckoutResult{}, err
	}

	s.analytics.Publish(analytics.SubjectCheckoutStarted, "checkout_started", req.UserID, map[string]any{
		"kind":       string(domain.CheckoutEpisode),
		"episode_id": req.EpisodeID,
		"session_id": res.SessionID,
		"price":      req.Price,
	})
	return res, nil
}

// InitiateSubscriptionCheckout validates req and opens a monthly subscription session.
func (s *Service) InitiateSubscriptionCheckout(ctx context.Context, req domain.SubscriptionCheckout) (domain.CheckoutResult, error) {
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.UserEmail = strings.TrimSpace(req.UserEmail)
	if err := s.check(req); err != nil {
		return domain.CheckoutResult{}, err
	}

	name := strings.TrimSpace(req.PlanName)
	if name == "" {
		name = "Plan " + req.PlanID
	}

	res, err := s.gw.CreateCheckoutSession(ctx, gateway.SessionRequest{
		Mode:          gateway.ModeSubscription,
		CustomerEmail: req.UserEmail,
		ProductName:   "CINEMAX " + name,
		Description:   "Monthly subscription, " + strconv.FormatInt(req.Price, 10) + " THB",
		UnitAmount:    req.Price * 100,
		Metadata: domain.Metadata{
			domain.MetaUserID: req.UserID,
			domain.MetaType:   domain.SessionSubscription,
			domain.MetaPlanID: req.PlanID,
		},
	})
	if err != nil {
		s.log.Error("create subscription checkout failed", zap.String("user_id", req.UserID), zap.String("plan_id", req.PlanID), zap.Error(err))
		return domain.CheckoutResult{}, err
	}

	s.analytics.Publish(analytics.SubjectCheckoutStarted, "checkout_started", req.UserID, map[string]any{
		"kind":       string(domain.CheckoutSubscription),
		"plan_id":    req.PlanID,
		"session_id": res.SessionID,
		"price":      req.Price,
	})
	return res, nil
}

// check runs struct validation. A failing auth field is reported ahead of
// any other field.
func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	first := &domain.ValidationError{Field: fieldErrs[0].Field(), Rule: fieldErrs[0].Tag()}
	for _, fe := range fieldErrs {
		ve := &domain.ValidationError{Field: fe.Field(), Rule: fe.Tag()}
		if ve.IsAuthField() {
			return ve
		}
	}
	return first
}
