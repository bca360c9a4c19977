// Package gateway adapts the payment processor to the billing services.
package gateway

import (
	"context"

	"github.com/example/cinemax/services/billing/internal/domain"
)

type Mode string

const (
	ModePayment      Mode = "payment"
	ModeSubscription Mode = "subscription"
)

// SessionRequest is everything the adapter needs to open a hosted checkout.
// UnitAmount is in the smallest currency unit.
type SessionRequest struct {
	Mode          Mode
	CustomerEmail string
	ProductName   string
	Description   string
	UnitAmount    int64
	Metadata      domain.Metadata
}

// Gateway is the subset of the payment processor the storefront uses.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (domain.CheckoutResult, error)
	GetSession(ctx context.Context, sessionID string) (domain.SessionInfo, error)
	ConstructEvent(payload []byte, signature string) (domain.Event, error)
}
