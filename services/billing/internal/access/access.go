// Package access decides whether a user may play a paywalled episode.
package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/cinemax/internal/platform/signing"
	"github.com/example/cinemax/services/billing/internal/domain"
)

const (
	ReasonPurchased    = "purchased"
	ReasonSubscription = "subscription"
	ReasonNotPurchased = "not_purchased"
	ReasonAnonymous    = "anonymous"
)

// Entitlements is the read side of the billing store.
type Entitlements interface {
	HasPurchase(ctx context.Context, userID, episodeID string) (bool, error)
	Subscription(ctx context.Context, userID string) (domain.SubscriptionState, error)
}

type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason"`
	Grant   *signing.Grant `json:"grant,omitempty"`
}

type Checker struct {
	store    Entitlements
	signer   *signing.Signer
	grantTTL time.Duration
	now      func() time.Time
}

// NewChecker returns a Checker. A nil signer disables grants.
func NewChecker(st Entitlements, signer *signing.Signer, grantTTL time.Duration) *Checker {
	if grantTTL <= 0 {
		grantTTL = 6 * time.Hour
	}
	return &Checker{store: st, signer: signer, grantTTL: grantTTL, now: time.Now}
}

// Purchased reports whether userID bought episodeID. Anonymous callers never have.
func (c *Checker) Purchased(ctx context.Context, userID, episodeID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	episodeID = strings.TrimSpace(episodeID)
	if userID == "" || episodeID == "" {
		return false, nil
	}
	return c.store.HasPurchase(ctx, userID, episodeID)
}

// Check allows playback when the episode was purchased or the user's
// subscription is entitled right now.
func (c *Checker) Check(ctx context.Context, userID, episodeID string) (Decision, error) {
	if strings.TrimSpace(userID) == "" {
		return Decision{Reason: ReasonAnonymous}, nil
	}

	bought, err := c.Purchased(ctx, userID, episodeID)
	if err != nil {
		return Decision{}, err
	}
	if bought {
		return c.allow(userID, episodeID, ReasonPurchased), nil
	}

	sub, err := c.store.Subscription(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return Decision{Reason: ReasonNotPurchased}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if sub.Entitled(c.now()) {
		return c.allow(userID, episodeID, ReasonSubscription), nil
	}
	return Decision{Reason: ReasonNotPurchased}, nil
}

func (c *Checker) allow(userID, episodeID, reason string) Decision {
	d := Decision{Allowed: true, Reason: reason}
	if c.signer != nil {
		g := c.signer.Sign(episodeID, userID, c.now().Add(c.grantTTL))
		d.Grant = &g
	}
	return d
}
