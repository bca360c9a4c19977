// Package domain holds the billing types shared by checkout, verification
// and webhook reconciliation.
package domain

import (
	"strings"
	"time"
)

// Currency is the only currency the storefront charges in.
const Currency = "thb"

type CheckoutKind string

const (
	CheckoutEpisode      CheckoutKind = "episode"
	CheckoutSubscription CheckoutKind = "subscription"
)

// EpisodeCheckout is a one-off purchase of a single paywalled episode.
// Price is in whole baht; the gateway adapter converts to satang. The upper
// bound keeps the satang amount within the gateway's 8-digit limit.
type EpisodeCheckout struct {
	EpisodeID    string `json:"episodeId" validate:"required"`
	EpisodeTitle string `json:"episodeTitle"`
	SeriesTitle  string `json:"seriesTitle"`
	Price        int64  `json:"price" validate:"gt=0,lte=999999"`
	UserID       string `json:"userId" validate:"required"`
	UserEmail    string `json:"userEmail" validate:"required"`
}

// SubscriptionCheckout starts a monthly plan. Price is the monthly amount in whole baht.
type SubscriptionCheckout struct {
	PlanID    string `json:"planId" validate:"required"`
	PlanName  string `json:"planName"`
	Price     int64  `json:"price" validate:"gt=0,lte=999999"`
	UserID    string `json:"userId" validate:"required"`
	UserEmail string `json:"userEmail" validate:"required"`
}

type CheckoutResult struct {
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"url"`
}

// Session metadata keys echoed back by the gateway on the webhook.
const (
	MetaUserID    = "userId"
	MetaType      = "type"
	MetaEpisodeID = "episodeId"
	MetaPlanID    = "planId"
)

// Values of the MetaType key.
const (
	SessionEpisodePurchase = "episode_purchase"
	SessionSubscription    = "subscription"
)

type Metadata map[string]string

func (m Metadata) get(k string) string { return strings.TrimSpace(m[k]) }

func (m Metadata) UserID() string    { return m.get(MetaUserID) }
func (m Metadata) Type() string      { return m.get(MetaType) }
func (m Metadata) EpisodeID() string { return m.get(MetaEpisodeID) }
func (m Metadata) PlanID() string    { return m.get(MetaPlanID) }

// SessionInfo is the local view of a gateway checkout session.
// AmountTotal is in the smallest currency unit.
type SessionInfo struct {
	ID            string   `json:"id"`
	PaymentStatus string   `json:"status"`
	CustomerID    string   `json:"-"`
	Metadata      Metadata `json:"metadata"`
	AmountTotal   int64    `json:"amount"`
}

type PurchaseStatus string

const (
	PurchaseCompleted PurchaseStatus = "completed"
	PurchasePending   PurchaseStatus = "pending"
	PurchaseFailed    PurchaseStatus = "failed"
)

// PurchaseRecord is one completed episode purchase. SessionID is unique.
type PurchaseRecord struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	EpisodeID string         `json:"episode_id"`
	Amount    float64        `json:"amount"`
	Currency  string         `json:"currency"`
	SessionID string         `json:"stripe_session_id"`
	Status    PurchaseStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Subscription statuses written locally. Other values mirror the gateway verbatim.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionCanceled = "canceled"
)

// SubscriptionState is the subscription slice of a user row.
type SubscriptionState struct {
	UserID           string     `json:"user_id"`
	Plan             *string    `json:"subscription_plan"`
	Status           string     `json:"subscription_status"`
	StartedAt        *time.Time `json:"subscription_started_at,omitempty"`
	PeriodEnd        *time.Time `json:"subscription_period_end,omitempty"`
	StripeCustomerID string     `json:"stripe_customer_id,omitempty"`
	// EventAt is the gateway timestamp of the last applied subscription event.
	EventAt *time.Time `json:"-"`
}

// Entitled reports whether the subscription currently unlocks paywalled episodes.
func (s SubscriptionState) Entitled(now time.Time) bool {
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrialing {
		return false
	}
	return s.PeriodEnd == nil || now.Before(*s.PeriodEnd)
}
