package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/example/cinemax/services/billing/internal/domain"
)

// StripeConfig configures StripeGateway. SiteURL is the storefront origin
// used for the hosted page's success and cancel redirects.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SiteURL       string
	Tolerance     time.Duration
}

// StripeGateway implements Gateway with an explicitly constructed stripe client.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
	tolerance     time.Duration
}

func NewStripeGateway(cfg StripeConfig, backends *stripe.Backends) *StripeGateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	site := strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		successURL:    site + "/payment/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:     site + "/payment/cancel",
		tolerance:     tolerance,
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (domain.CheckoutResult, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CustomerEmail:      stripe.String(req.CustomerEmail),
		SuccessURL:         stripe.String(g.successURL),
		CancelURL:          stripe.String(g.cancelURL),
		ClientReferenceID:  stripe.String(req.Metadata.UserID()),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	switch req.Mode {
	case ModePayment:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(domain.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(req.ProductName),
					Description: stringOrNil(req.Description),
				},
				UnitAmount: stripe.Int64(req.UnitAmount),
			},
			Quantity: stripe.Int64(1),
		}}
	case ModeSubscription:
		priceID, err := g.createRecurringPrice(ctx, req)
		if err != nil {
			return domain.CheckoutResult{}, err
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(1),
		}}
	default:
		return domain.CheckoutResult{}, fmt.Errorf("gateway: unknown checkout mode %q", req.Mode)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return domain.CheckoutResult{}, wrapStripeError("create checkout session", err)
	}
	return domain.CheckoutResult{SessionID: sess.ID, RedirectURL: sess.URL}, nil
}

// createRecurringPrice creates a fresh product and monthly price for every
// subscription checkout. Plans are not reused across calls.
func (g *StripeGateway) createRecurringPrice(ctx context.Context, req SessionRequest) (string, error) {
	productParams := &stripe.ProductParams{
		Name:        stripe.String(req.ProductName),
		Description: stringOrNil(req.Description),
	}
	productParams.Context = ctx
	prod, err := g.api.Products.New(productParams)
	if err != nil {
		return "", wrapStripeError("create product", err)
	}

	priceParams := &stripe.PriceParams{
		Currency:   stripe.String(domain.Currency),
		Product:    stripe.String(prod.ID),
		UnitAmount: stripe.Int64(req.UnitAmount),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		},
	}
	priceParams.Context = ctx
	pr, err := g.api.Prices.New(priceParams)
	if err != nil {
		return "", wrapStripeError("create price", err)
	}
	return pr.ID, nil
}

func (g *StripeGateway) GetSession(ctx context.Context, sessionID string) (domain.SessionInfo, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return domain.SessionInfo{}, wrapStripeError("retrieve checkout session", err)
	}
	return sessionInfo(sess), nil
}

// ConstructEvent verifies the Stripe-Signature header and decodes the event
// object for the types reconciliation understands.
func (g *StripeGateway) ConstructEvent(payload []byte, signature string) (domain.Event, error) {
	if strings.TrimSpace(g.webhookSecret) == "" {
		return domain.Event{}, fmt.Errorf("%w: webhook secret is not configured", domain.ErrSignature)
	}
	if strings.TrimSpace(signature) == "" {
		return domain.Event{}, fmt.Errorf("%w: missing signature header", domain.ErrSignature)
	}
	ev, err := webhook.ConstructEventWithTolerance(payload, signature, g.webhookSecret, g.tolerance)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrSignature, err)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (domain.Event, error) {
	out := domain.Event{ID: ev.ID, Type: ev.Type, Created: time.Unix(ev.Created, 0).UTC()}
	if ev.Data == nil {
		return out, nil
	}

	switch ev.Type {
	case domain.EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return domain.Event{}, fmt.Errorf("%w: checkout session: %v", domain.ErrMalformedEvent, err)
		}
		info := sessionInfo(&s)
		out.Session = &info

	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return domain.Event{}, fmt.Errorf("%w: subscription: %v", domain.ErrMalformedEvent, err)
		}
		se := &domain.SubscriptionEvent{ID: sub.ID, Status: string(sub.Status)}
		if sub.Customer != nil {
			se.CustomerID = sub.Customer.ID
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			se.PeriodEnd = &end
		}
		out.Subscription = se

	case domain.EventPaymentSucceeded, domain.EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return domain.Event{}, fmt.Errorf("%w: payment intent: %v", domain.ErrMalformedEvent, err)
		}
		pe := &domain.PaymentIntentEvent{ID: pi.ID}
		if pi.LastPaymentError != nil {
			pe.FailureMessage = pi.LastPaymentError.Msg
		}
		out.PaymentIntent = pe
	}
	return out, nil
}

func sessionInfo(s *stripe.CheckoutSession) domain.SessionInfo {
	info := domain.SessionInfo{
		ID:            s.ID,
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      domain.Metadata(s.Metadata),
		AmountTotal:   s.AmountTotal,
	}
	if s.Customer != nil {
		info.CustomerID = s.Customer.ID
	}
	return info
}

func wrapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return &domain.GatewayError{Op: op, Message: se.Msg, Err: err}
	}
	return &domain.GatewayError{Op: op, Message: err.Error(), Err: err}
}

func stringOrNil(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return stripe.String(s)
}
