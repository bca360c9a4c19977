// Package reconcile applies verified payment gateway webhooks to local
// purchase and subscription state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cinemax/services/billing/internal/domain"
	"github.com/example/cinemax/services/billing/internal/idempotency"
	"github.com/example/cinemax/services/billing/internal/publisher"
	"github.com/example/cinemax/services/billing/internal/store"
)

// Outcomes reported in Ack. Every outcome is a successful acknowledgement.
const (
	OutcomePurchaseRecorded      = "purchase_recorded"
	OutcomePurchaseNotRecorded   = "purchase_not_recorded"
	OutcomeSubscriptionActivated = "subscription_activated"
	OutcomeSubscriptionUpdated   = "subscription_updated"
	OutcomeSubscriptionCanceled  = "subscription_canceled"
	OutcomeStale                 = "stale_event_ignored"
	OutcomeNoMatchingUser        = "no_matching_user"
	OutcomeDuplicateEvent        = "duplicate_event"
	OutcomeLogged                = "logged"
	OutcomeIgnored               = "ignored"
)

// Ack is returned for every delivery the gateway should not redeliver.
type Ack struct {
	EventID string
	Type    string
	Outcome string
}

// EventVerifier checks the webhook signature and decodes the event.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (domain.Event, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, subject string, evt publisher.BillingEvent) error
}

type Options struct {
	// OrderingGuard skips subscription writes older than the last applied
	// event for the same user. Off means last write wins.
	OrderingGuard bool
	Now           func() time.Time
}

type Reconciler struct {
	verifier EventVerifier
	store    store.Store
	idem     idempotency.Store
	pub      EventPublisher
	log      *zap.Logger
	opts     Options
}

func New(verifier EventVerifier, st store.Store, idem idempotency.Store, pub EventPublisher, log *zap.Logger, opts Options) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{verifier: verifier, store: st, idem: idem, pub: pub, log: log, opts: opts}
}

// HandleWebhook verifies and applies one delivery. domain.ErrSignature and
// domain.ErrMalformedEvent reject the delivery; any other error is a processing
// failure the gateway should retry.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (ack Ack, err error) {
	ev, err := r.verifier.ConstructEvent(payload, signature)
	if err != nil {
		return Ack{}, err
	}
	if ev.ID == "" {
		return Ack{}, fmt.Errorf("%w: event id is required", domain.ErrMalformedEvent)
	}
	if ev.Created.IsZero() {
		ev.Created = r.opts.Now().UTC()
	}

	dup, err := r.idem.Check(ctx, ev.ID)
	if err != nil {
		return Ack{}, fmt.Errorf("idempotency check: %w", err)
	}
	if dup {
		r.log.Debug("duplicate event, skipping", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		return Ack{EventID: ev.ID, Type: ev.Type, Outcome: OutcomeDuplicateEvent}, nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic handling %s: %v", ev.Type, p)
		}
		if err != nil {
			if relErr := r.idem.Release(context.WithoutCancel(ctx), ev.ID); relErr != nil {
				r.log.Error("release idempotency mark failed", zap.String("event_id", ev.ID), zap.Error(relErr))
			}
			ack = Ack{}
		}
	}()

	outcome, err := r.dispatch(ctx, ev)
	if err != nil {
		return Ack{}, err
	}
	return Ack{EventID: ev.ID, Type: ev.Type, Outcome: outcome}, nil
}

func (r *Reconciler) dispatch(ctx context.Context, ev domain.Event) (string, error) {
	switch ev.Type {
	case domain.EventCheckoutCompleted:
		if ev.Session == nil {
			return "", fmt.Errorf("%w: checkout session missing", domain.ErrMalformedEvent)
		}
		return r.checkoutCompleted(ctx, ev)

	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated:
		if ev.Subscription == nil {
			return "", fmt.Errorf("%w: subscription missing", domain.ErrMalformedEvent)
		}
		return r.subscriptionChanged(ctx, ev, store.SubscriptionChange{
			CustomerID: ev.Subscription.CustomerID,
			Status:     ev.Subscription.Status,
			PeriodEnd:  ev.Subscription.PeriodEnd,
		}, OutcomeSubscriptionUpdated, publisher.SubjectSubscriptionUpdated)

	case domain.EventSubscriptionDeleted:
		if ev.Subscription == nil {
			return "", fmt.Errorf("%w: subscription missing", domain.ErrMalformedEvent)
		}
		return r.subscriptionChanged(ctx, ev, store.SubscriptionChange{
			CustomerID: ev.Subscription.CustomerID,
			Status:     domain.SubscriptionCanceled,
			ClearPlan:  true,
		}, OutcomeSubscriptionCanceled, publisher.SubjectSubscriptionCanceled)

	case domain.EventPaymentSucceeded:
		r.log.Info("payment succeeded", zap.String("event_id", ev.ID), zap.String("payment_intent", paymentIntentID(ev)))
		return OutcomeLogged, nil

	case domain.EventPaymentFailed:
		fields := []zap.Field{zap.String("event_id", ev.ID), zap.String("payment_intent", paymentIntentID(ev))}
		if ev.PaymentIntent != nil && ev.PaymentIntent.FailureMessage != "" {
			fields = append(fields, zap.String("reason", ev.PaymentIntent.FailureMessage))
		}
		r.log.Warn("payment failed", fields...)
		return OutcomeLogged, nil

	default:
		r.log.Debug("unhandled event type", zap.String("type", ev.Type), zap.String("event_id", ev.ID))
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, ev domain.Event) (string, error) {
	s := ev.Session
	meta := s.Metadata
	log := r.log.With(zap.String("event_id", ev.ID), zap.String("session_id", s.ID), zap.String("user_id", meta.UserID()))

	switch meta.Type() {
	case domain.SessionEpisodePurchase:
		if meta.UserID() == "" || meta.EpisodeID() == "" {
			log.Warn("episode purchase without user or episode metadata")
			return OutcomeIgnored, nil
		}
		rec := domain.PurchaseRecord{
			ID:        uuid.NewString(),
			UserID:    meta.UserID(),
			EpisodeID: meta.EpisodeID(),
			Amount:    float64(s.AmountTotal) / 100,
			Currency:  domain.Currency,
			SessionID: s.ID,
			Status:    domain.PurchaseCompleted,
			CreatedAt: r.opts.Now().UTC(),
		}
		inserted, err := r.store.InsertPurchase(ctx, rec)
		if err != nil {
			// Acknowledged anyway so the gateway does not redeliver into the same failure.
			log.Error("insert purchase failed", zap.String("episode_id", rec.EpisodeID), zap.Error(err))
			return OutcomePurchaseNotRecorded, nil
		}
		if !inserted {
			log.Info("purchase already recorded", zap.String("episode_id", rec.EpisodeID))
			return OutcomePurchaseNotRecorded, nil
		}
		log.Info("purchase recorded", zap.String("episode_id", rec.EpisodeID), zap.Float64("amount", rec.Amount))
		r.publish(ctx, publisher.SubjectPurchaseCompleted, publisher.BillingEvent{
			SourceEventID: ev.ID,
			UserID:        rec.UserID,
			EpisodeID:     rec.EpisodeID,
			Amount:        rec.Amount,
			Currency:      rec.Currency,
			Status:        string(rec.Status),
		})
		return OutcomePurchaseRecorded, nil

	case domain.SessionSubscription:
		if meta.UserID() == "" || meta.PlanID() == "" {
			log.Warn("subscription checkout without user or plan metadata")
			return OutcomeIgnored, nil
		}
		applied, err := r.store.ActivateSubscription(ctx, store.Activation{
			UserID:      meta.UserID(),
			Plan:        meta.PlanID(),
			CustomerID:  s.CustomerID,
			StartedAt:   r.opts.Now().UTC(),
			EventAt:     ev.Created,
			RejectStale: r.opts.OrderingGuard,
		})
		if errors.Is(err, domain.ErrNoMatchingUser) {
			log.Warn("subscription checkout for unknown user")
			return OutcomeNoMatchingUser, nil
		}
		if err != nil {
			return "", fmt.Errorf("activate subscription: %w", err)
		}
		if !applied {
			log.Info("stale subscription checkout ignored")
			return OutcomeStale, nil
		}
		log.Info("subscription activated", zap.String("plan", meta.PlanID()))
		r.publish(ctx, publisher.SubjectSubscriptionUpdated, publisher.BillingEvent{
			SourceEventID: ev.ID,
			UserID:        meta.UserID(),
			Plan:          meta.PlanID(),
			Status:        domain.SubscriptionActive,
		})
		return OutcomeSubscriptionActivated, nil

	default:
		log.Debug("checkout completed with unknown session type", zap.String("session_type", meta.Type()))
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, ev domain.Event, change store.SubscriptionChange, outcome, subject string) (string, error) {
	change.EventAt = ev.Created
	change.RejectStale = r.opts.OrderingGuard
	log := r.log.With(zap.String("event_id", ev.ID), zap.String("type", ev.Type), zap.String("customer_id", change.CustomerID))

	if change.CustomerID == "" {
		log.Warn("subscription event without customer")
		return OutcomeNoMatchingUser, nil
	}
	userID, applied, err := r.store.ApplySubscriptionChange(ctx, change)
	if errors.Is(err, domain.ErrNoMatchingUser) {
		log.Warn("no user for subscription customer")
		return OutcomeNoMatchingUser, nil
	}
	if err != nil {
		return "", fmt.Errorf("apply subscription change: %w", err)
	}
	if !applied {
		log.Info("stale subscription event ignored", zap.String("user_id", userID), zap.Time("event_at", ev.Created))
		return OutcomeStale, nil
	}

	log.Info("subscription state applied", zap.String("user_id", userID), zap.String("status", change.Status))
	r.publish(ctx, subject, publisher.BillingEvent{
		SourceEventID: ev.ID,
		UserID:        userID,
		Status:        change.Status,
	})
	return outcome, nil
}

// publish runs after the state change is stored; failures are only logged.
func (r *Reconciler) publish(ctx context.Context, subject string, evt publisher.BillingEvent) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(ctx, subject, evt); err != nil {
		r.log.Warn("publish billing event failed", zap.String("subject", subject), zap.String("source_event_id", evt.SourceEventID), zap.Error(err))
	}
}

func paymentIntentID(ev domain.Event) string {
	if ev.PaymentIntent == nil {
		return ""
	}
	return ev.PaymentIntent.ID
}
