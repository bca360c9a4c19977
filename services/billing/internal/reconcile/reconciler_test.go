package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v72"

	"github.com/example/cinemax/services/billing/internal/access"
	"github.com/example/cinemax/services/billing/internal/domain"
	"github.com/example/cinemax/services/billing/internal/gateway"
	"github.com/example/cinemax/services/billing/internal/idempotency"
	"github.com/example/cinemax/services/billing/internal/publisher"
	"github.com/example/cinemax/services/billing/internal/store"
)

// fakeVerifier treats the payload as an event id and requires signature "ok".
type fakeVerifier struct {
	events map[string]domain.Event
}

func (f *fakeVerifier) ConstructEvent(payload []byte, signature string) (domain.Event, error) {
	if signature != "ok" {
		return domain.Event{}, domain.ErrSignature
	}
	ev, ok := f.events[string(payload)]
	if !ok {
		return domain.Event{}, domain.ErrMalformedEvent
	}
	return ev, nil
}

type recordedPublish struct {
	subject string
	evt     publisher.BillingEvent
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []recordedPublish
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, evt publisher.BillingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, recordedPublish{subject: subject, evt: evt})
	return p.err
}

type failingStore struct {
	*store.MemoryStore
	err   error
	panic bool
}

func (s *failingStore) ApplySubscriptionChange(ctx context.Context, c store.SubscriptionChange) (string, bool, error) {
	if s.panic {
		panic("boom")
	}
	return "", false, s.err
}

var fixedNow = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type harness struct {
	rec   *Reconciler
	store *store.MemoryStore
	pub   *fakePublisher
	ver   *fakeVerifier
}

func newHarness(guard bool) *harness {
	h := &harness{
		store: store.NewMemoryStore(),
		pub:   &fakePublisher{},
		ver:   &fakeVerifier{events: map[string]domain.Event{}},
	}
	h.rec = New(h.ver, h.store, idempotency.NewMemoryStore(), h.pub, nil, Options{
		OrderingGuard: guard,
		Now:           func() time.Time { return fixedNow },
	})
	return h
}

func (h *harness) deliver(t *testing.T, ev domain.Event) Ack {
	t.Helper()
	h.ver.events[ev.ID] = ev
	ack, err := h.rec.HandleWebhook(context.Background(), []byte(ev.ID), "ok")
	if err != nil {
		t.Fatalf("deliver %s: unexpected error: %v", ev.ID, err)
	}
	return ack
}

func episodeCompleted(eventID, sessionID string) domain.Event {
	return domain.Event{
		ID:      eventID,
		Type:    domain.EventCheckoutCompleted,
		Created: fixedNow.Add(-time.Minute),
		Session: &domain.SessionInfo{
			ID:            sessionID,
			PaymentStatus: "paid",
			AmountTotal:   2900,
			Metadata: domain.Metadata{
				domain.MetaUserID:    "u1",
				domain.MetaType:      domain.SessionEpisodePurchase,
				domain.MetaEpisodeID: "ep-42",
			},
		},
	}
}

func subscriptionEvent(eventID, typ, customer, status string, created time.Time) domain.Event {
	end := created.Add(30 * 24 * time.Hour)
	return domain.Event{
		ID:           eventID,
		Type:         typ,
		Created:      created,
		Subscription: &domain.SubscriptionEvent{ID: "sub_1", CustomerID: customer, Status: status, PeriodEnd: &end},
	}
}

func TestHandleWebhook_EpisodePurchaseRecorded(t *testing.T) {
	h := newHarness(true)
	ack := h.deliver(t, episodeCompleted("evt_1", "cs_test_1"))
	if ack.Outcome != OutcomePurchaseRecorded {
		t.Fatalf("expected %s, got %s", OutcomePurchaseRecorded, ack.Outcome)
	}

	got := h.store.Purchases("u1")
	if len(got) != 1 {
		t.Fatalf("expected 1 purchase, got %d", len(got))
	}
	p := got[0]
	if p.EpisodeID != "ep-42" || p.Amount != 29 || p.Status != domain.PurchaseCompleted || p.SessionID != "cs_test_1" || p.Currency != "thb" {
		t.Fatalf("unexpected purchase: %+v", p)
	}
	if len(h.pub.sent) != 1 || h.pub.sent[0].subject != publisher.SubjectPurchaseCompleted {
		t.Fatalf("expected purchase.completed publish, got %+v", h.pub.sent)
	}
}

func TestHandleWebhook_SameSessionTwiceRecordsOnce(t *testing.T) {
	h := newHarness(true)

	// Same event redelivered.
	h.deliver(t, episodeCompleted("evt_1", "cs_test_1"))
	ack := h.deliver(t, episodeCompleted("evt_1", "cs_test_1"))
	if ack.Outcome != OutcomeDuplicateEvent {
		t.Fatalf("expected %s, got %s", OutcomeDuplicateEvent, ack.Outcome)
	}

	// Distinct event for the same session.
	ack = h.deliver(t, episodeCompleted("evt_2", "cs_test_1"))
	if ack.Outcome != OutcomePurchaseNotRecorded {
		t.Fatalf("expected %s, got %s", OutcomePurchaseNotRecorded, ack.Outcome)
	}

	if got := len(h.store.Purchases("u1")); got != 1 {
		t.Fatalf("expected exactly 1 purchase, got %d", got)
	}
}

func TestHandleWebhook_SubscriptionCheckoutActivates(t *testing.T) {
	h := newHarness(true)
	h.store.PutUser(domain.SubscriptionState{UserID: "u2"})

	ack := h.deliver(t, domain.Event{
		ID:      "evt_sub",
		Type:    domain.EventCheckoutCompleted,
		Created: fixedNow,
		Session: &domain.SessionInfo{
			ID:         "cs_test_2",
			CustomerID: "cus_2",
			Metadata: domain.Metadata{
				domain.MetaUserID: "u2",
				domain.MetaType:   domain.SessionSubscription,
				domain.MetaPlanID: "premium",
			},
		},
	})
	if ack.Outcome != OutcomeSubscriptionActivated {
		t.Fatalf("expected %s, got %s", OutcomeSubscriptionActivated, ack.Outcome)
	}

	st, err := h.store.Subscription(context.Background(), "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Plan == nil || *st.Plan != "premium" || st.Status != domain.SubscriptionActive {
		t.Fatalf("expected premium/active, got %+v", st)
	}
	if st.StartedAt == nil || !st.StartedAt.Equal(fixedNow) {
		t.Fatalf("expected startedAt=now, got %v", st.StartedAt)
	}
	if st.StripeCustomerID != "cus_2" {
		t.Fatalf("expected customer id to be stored, got %q", st.StripeCustomerID)
	}
}

func TestHandleWebhook_SubscriptionCheckoutUnknownUser(t *testing.T) {
	h := newHarness(true)
	ack := h.deliver(t, domain.Event{
		ID:   "evt_sub",
		Type: domain.EventCheckoutCompleted,
		Session: &domain.SessionInfo{ID: "cs_x", Metadata: domain.Metadata{
			domain.MetaUserID: "ghost", domain.MetaType: domain.SessionSubscription, domain.MetaPlanID: "premium",
		}},
	})
	if ack.Outcome != OutcomeNoMatchingUser {
		t.Fatalf("expected %s, got %s", OutcomeNoMatchingUser, ack.Outcome)
	}
}

func TestHandleWebhook_SubscriptionDeletedCancels(t *testing.T) {
	h := newHarness(true)
	plan := "premium"
	h.store.PutUser(domain.SubscriptionState{UserID: "u3", Plan: &plan, Status: domain.SubscriptionActive, StripeCustomerID: "cus_3"})

	ack := h.deliver(t, subscriptionEvent("evt_del", domain.EventSubscriptionDeleted, "cus_3", "canceled", fixedNow))
	if ack.Outcome != OutcomeSubscriptionCanceled {
		t.Fatalf("expected %s, got %s", OutcomeSubscriptionCanceled, ack.Outcome)
	}
	st, _ := h.store.Subscription(context.Background(), "u3")
	if st.Status != domain.SubscriptionCanceled || st.Plan != nil {
		t.Fatalf("expected canceled with nil plan, got %+v", st)
	}
	if len(h.pub.sent) != 1 || h.pub.sent[0].subject != publisher.SubjectSubscriptionCanceled || h.pub.sent[0].evt.UserID != "u3" {
		t.Fatalf("unexpected publishes: %+v", h.pub.sent)
	}
}

func TestHandleWebhook_SubscriptionUpdatedOverwrites(t *testing.T) {
	h := newHarness(true)
	plan := "premium"
	h.store.PutUser(domain.SubscriptionState{UserID: "u4", Plan: &plan, Status: domain.SubscriptionActive, StripeCustomerID: "cus_4"})

	ev := subscriptionEvent("evt_upd", domain.EventSubscriptionUpdated, "cus_4", "past_due", fixedNow)
	h.deliver(t, ev)

	st, _ := h.store.Subscription(context.Background(), "u4")
	if st.Status != "past_due" {
		t.Fatalf("expected status copied verbatim, got %q", st.Status)
	}
	if st.PeriodEnd == nil || !st.PeriodEnd.Equal(*ev.Subscription.PeriodEnd) {
		t.Fatalf("expected period end %v, got %v", ev.Subscription.PeriodEnd, st.PeriodEnd)
	}
	if st.Plan == nil || *st.Plan != "premium" {
		t.Fatal("update must not touch plan")
	}
}

func TestHandleWebhook_SubscriptionUnknownCustomerAcked(t *testing.T) {
	h := newHarness(true)
	ack := h.deliver(t, subscriptionEvent("evt_upd", domain.EventSubscriptionUpdated, "cus_nobody", "active", fixedNow))
	if ack.Outcome != OutcomeNoMatchingUser {
		t.Fatalf("expected %s, got %s", OutcomeNoMatchingUser, ack.Outcome)
	}
}

func TestHandleWebhook_OutOfOrderLastWriteWins(t *testing.T) {
	h := newHarness(false)
	plan := "premium"
	h.store.PutUser(domain.SubscriptionState{UserID: "u3", Plan: &plan, Status: domain.SubscriptionActive, StripeCustomerID: "cus_3"})

	h.deliver(t, subscriptionEvent("evt_del", domain.EventSubscriptionDeleted, "cus_3", "canceled", fixedNow))
	ack := h.deliver(t, subscriptionEvent("evt_old", domain.EventSubscriptionUpdated, "cus_3", "active", fixedNow.Add(-time.Hour)))

	if ack.Outcome != OutcomeSubscriptionUpdated {
		t.Fatalf("expected %s without guard, got %s", OutcomeSubscriptionUpdated, ack.Outcome)
	}
	st, _ := h.store.Subscription(context.Background(), "u3")
	if st.Status != domain.SubscriptionActive {
		t.Fatalf("expected stale update to resurrect subscription without guard, got %q", st.Status)
	}
}

func TestHandleWebhook_OutOfOrderGuarded(t *testing.T) {
	h := newHarness(true)
	plan := "premium"
	h.store.PutUser(domain.SubscriptionState{UserID: "u3", Plan: &plan, Status: domain.SubscriptionActive, StripeCustomerID: "cus_3"})

	h.deliver(t, subscriptionEvent("evt_del", domain.EventSubscriptionDeleted, "cus_3", "canceled", fixedNow))
	ack := h.deliver(t, subscriptionEvent("evt_old", domain.EventSubscriptionUpdated, "cus_3", "active", fixedNow.Add(-time.Hour)))

	if ack.Outcome != OutcomeStale {
		t.Fatalf("expected %s, got %s", OutcomeStale, ack.Outcome)
	}
	st, _ := h.store.Subscription(context.Background(), "u3")
	if st.Status != domain.SubscriptionCanceled || st.Plan != nil {
		t.Fatalf("expected subscription to stay canceled, got %+v", st)
	}

	// A newer event still applies.
	h.deliver(t, subscriptionEvent("evt_new", domain.EventSubscriptionUpdated, "cus_3", "active", fixedNow.Add(time.Hour)))
	st, _ = h.store.Subscription(context.Background(), "u3")
	if st.Status != domain.SubscriptionActive {
		t.Fatalf("expected newer event to apply, got %q", st.Status)
	}
}

func TestHandleWebhook_LoggedAndIgnoredTypes(t *testing.T) {
	h := newHarness(true)
	cases := []struct {
		ev   domain.Event
		want string
	}{
		{domain.Event{ID: "evt_pi_ok", Type: domain.EventPaymentSucceeded, PaymentIntent: &domain.PaymentIntentEvent{ID: "pi_1"}}, OutcomeLogged},
		{domain.Event{ID: "evt_pi_fail", Type: domain.EventPaymentFailed, PaymentIntent: &domain.PaymentIntentEvent{ID: "pi_2", FailureMessage: "declined"}}, OutcomeLogged},
		{domain.Event{ID: "evt_other", Type: "invoice.paid"}, OutcomeIgnored},
		{domain.Event{ID: "evt_untyped", Type: domain.EventCheckoutCompleted, Session: &domain.SessionInfo{ID: "cs_9"}}, OutcomeIgnored},
	}
	for _, tc := range cases {
		if got := h.deliver(t, tc.ev).Outcome; got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.ev.ID, tc.want, got)
		}
	}
	if len(h.pub.sent) != 0 {
		t.Fatalf("expected no publishes, got %d", len(h.pub.sent))
	}
}

func TestHandleWebhook_BadSignatureRejected(t *testing.T) {
	h := newHarness(true)
	h.ver.events["evt_1"] = episodeCompleted("evt_1", "cs_test_1")

	_, err := h.rec.HandleWebhook(context.Background(), []byte("evt_1"), "forged")
	if !errors.Is(err, domain.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	if got := len(h.store.Purchases("u1")); got != 0 {
		t.Fatalf("expected nothing recorded, got %d purchases", got)
	}
}

func TestHandleWebhook_FailureReleasesEventForRedelivery(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &failingStore{MemoryStore: mem, err: errors.New("connection reset")}
	ver := &fakeVerifier{events: map[string]domain.Event{}}
	rec := New(ver, fs, idempotency.NewMemoryStore(), &fakePublisher{}, nil, Options{OrderingGuard: true})

	ev := subscriptionEvent("evt_upd", domain.EventSubscriptionUpdated, "cus_3", "active", fixedNow)
	ver.events[ev.ID] = ev

	if _, err := rec.HandleWebhook(context.Background(), []byte(ev.ID), "ok"); err == nil {
		t.Fatal("expected processing error")
	}

	fs.err = domain.ErrNoMatchingUser
	ack, err := rec.HandleWebhook(context.Background(), []byte(ev.ID), "ok")
	if err != nil {
		t.Fatalf("expected redelivery to be processed, got %v", err)
	}
	if ack.Outcome == OutcomeDuplicateEvent {
		t.Fatal("failed delivery must not be remembered as processed")
	}
}

func TestHandleWebhook_PanicBecomesError(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), panic: true}
	ver := &fakeVerifier{events: map[string]domain.Event{}}
	rec := New(ver, fs, idempotency.NewMemoryStore(), nil, nil, Options{})

	ev := subscriptionEvent("evt_upd", domain.EventSubscriptionUpdated, "cus_3", "active", fixedNow)
	ver.events[ev.ID] = ev

	_, err := rec.HandleWebhook(context.Background(), []byte(ev.ID), "ok")
	if err == nil || errors.Is(err, domain.ErrSignature) {
		t.Fatalf("expected processing error, got %v", err)
	}
}

func TestHandleWebhook_PublishFailureStillAcks(t *testing.T) {
	h := newHarness(true)
	h.pub.err = errors.New("nats down")
	if ack := h.deliver(t, episodeCompleted("evt_1", "cs_test_1")); ack.Outcome != OutcomePurchaseRecorded {
		t.Fatalf("expected %s, got %s", OutcomePurchaseRecorded, ack.Outcome)
	}
}

func TestHandleWebhook_SignedStripePayload(t *testing.T) {
	const secret = "whsec_test"
	gw := gateway.NewStripeGateway(gateway.StripeConfig{SecretKey: "sk_test", WebhookSecret: secret, SiteURL: "https://cinemax.tv"}, nil)
	st := store.NewMemoryStore()
	rec := New(gw, st, idempotency.NewMemoryStore(), nil, nil, Options{OrderingGuard: true})

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_live_1",
		"object": "event",
		"api_version": %q,
		"created": %d,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"amount_total": 2900,
			"payment_status": "paid",
			"metadata": {"userId": "u1", "type": "episode_purchase", "episodeId": "ep-42"}
		}}
	}`, stripe.APIVersion, time.Now().Unix()))
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	header := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	ack, err := rec.HandleWebhook(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Outcome != OutcomePurchaseRecorded {
		t.Fatalf("expected %s, got %s", OutcomePurchaseRecorded, ack.Outcome)
	}
	got := st.Purchases("u1")
	if len(got) != 1 || got[0].Amount != 29 || got[0].EpisodeID != "ep-42" {
		t.Fatalf("unexpected purchases: %+v", got)
	}
}

func subscriptionCheckout(eventID, customer string, created time.Time) domain.Event {
	return domain.Event{
		ID:      eventID,
		Type:    domain.EventCheckoutCompleted,
		Created: created,
		Session: &domain.SessionInfo{
			ID:         "cs_" + eventID,
			CustomerID: customer,
			Metadata: domain.Metadata{
				domain.MetaUserID: "u4",
				domain.MetaType:   domain.SessionSubscription,
				domain.MetaPlanID: "premium",
			},
		},
	}
}

func TestHandleWebhook_ResubscribeRestoresEntitlement(t *testing.T) {
	h := newHarness(true)
	h.store.PutUser(domain.SubscriptionState{UserID: "u4"})
	first := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	h.deliver(t, subscriptionCheckout("evt_c1", "cus_old", first))
	h.deliver(t, subscriptionEvent("evt_u1", domain.EventSubscriptionUpdated, "cus_old", domain.SubscriptionActive, first.Add(time.Hour)))
	h.deliver(t, subscriptionEvent("evt_d1", domain.EventSubscriptionDeleted, "cus_old", domain.SubscriptionCanceled, first.Add(40*24*time.Hour)))

	// The new subscription's own events arrive around the checkout and are
	// either unmatched or older than it.
	h.deliver(t, subscriptionEvent("evt_c2", domain.EventSubscriptionCreated, "cus_new", domain.SubscriptionActive, fixedNow.Add(-time.Minute)))
	ack := h.deliver(t, subscriptionCheckout("evt_s2", "cus_new", fixedNow))
	if ack.Outcome != OutcomeSubscriptionActivated {
		t.Fatalf("expected %s, got %s", OutcomeSubscriptionActivated, ack.Outcome)
	}
	h.deliver(t, subscriptionEvent("evt_u2", domain.EventSubscriptionUpdated, "cus_new", domain.SubscriptionActive, fixedNow.Add(-30*time.Second)))

	st, err := h.store.Subscription(context.Background(), "u4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != domain.SubscriptionActive || st.PeriodEnd != nil {
		t.Fatalf("expected active with no stale period end, got status=%s periodEnd=%v", st.Status, st.PeriodEnd)
	}

	d, err := access.NewChecker(h.store, nil, time.Hour).Check(context.Background(), "u4", "ep-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Reason != access.ReasonSubscription {
		t.Fatalf("expected subscription entitlement, got %+v", d)
	}
}
