package domain

import "time"

// Gateway event types the reconciler classifies.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "payment_intent.succeeded"
	EventPaymentFailed       = "payment_intent.payment_failed"
)

// Event is a verified gateway event decoded into the fields reconciliation needs.
// Exactly one of Session, Subscription, PaymentIntent is set for known types.
type Event struct {
	ID      string
	Type    string
	Created time.Time

	Session       *SessionInfo
	Subscription  *SubscriptionEvent
	PaymentIntent *PaymentIntentEvent
}

type SubscriptionEvent struct {
	ID         string
	CustomerID string
	Status     string
	PeriodEnd  *time.Time
}

type PaymentIntentEvent struct {
	ID             string
	FailureMessage string
}
