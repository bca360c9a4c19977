// Package verification reads back a checkout session after the payment
// redirect. It never writes local state.
package verification

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/analytics"
	"github.com/example/cinemax/services/billing/internal/domain"
)

// SessionReader is the part of the gateway verification needs.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (domain.SessionInfo, error)
}

// Result is what the success page shows. Amount is in the smallest currency unit.
type Result struct {
	Status   string          `json:"status"`
	Metadata domain.Metadata `json:"metadata"`
	Amount   int64           `json:"amount"`
}

type Service struct {
	sessions  SessionReader
	analytics *analytics.Publisher
	log       *zap.Logger
}

func New(sessions SessionReader, ap *analytics.Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{sessions: sessions, analytics: ap, log: log}
}

// VerifySession returns *domain.ValidationError for an empty id, domain.ErrNotFound
// when the gateway does not know the session, *domain.GatewayError otherwise.
func (s *Service) VerifySession(ctx context.Context, sessionID string) (Result, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Result{}, &domain.ValidationError{Field: "session_id", Rule: "required"}
	}

	info, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		s.log.Warn("verify checkout session failed", zap.String("session_id", sessionID), zap.Error(err))
		return Result{}, err
	}

	meta := info.Metadata
	if meta == nil {
		meta = domain.Metadata{}
	}
	s.analytics.Publish(analytics.SubjectCheckoutConfirmed, "checkout_confirmed", meta.UserID(), map[string]any{
		"session_id": sessionID,
		"status":     info.PaymentStatus,
		"type":       meta.Type(),
	})
	return Result{Status: info.PaymentStatus, Metadata: meta, Amount: info.AmountTotal}, nil
}
