// Package publisher provides NATS JetStream event publishing for billing.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectPurchaseCompleted    = "billing.purchase.completed"
	SubjectSubscriptionUpdated  = "billing.subscription.updated"
	SubjectSubscriptionCanceled = "billing.subscription.canceled"
	StreamName                  = "BILLING"
)

// Publisher publishes billing events to NATS JetStream.
// A nil JetStream context makes it a logging stub.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
}

func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if js == nil {
		log.Warn("NATS not configured, billing events will not be published (stub mode)")
	}
	return &Publisher{js: js, log: log}
}

// EnsureStream creates the BILLING stream when it does not exist yet.
func EnsureStream(js nats.JetStreamContext, log *zap.Logger) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"billing.>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		log.Warn("failed to create NATS stream (may already exist)", zap.Error(err))
		return
	}
	log.Info("NATS stream ready", zap.String("stream", StreamName))
}

// BillingEvent is the payload published to NATS.
type BillingEvent struct {
	EventID       string    `json:"event_id"`
	SourceEventID string    `json:"source_event_id"`
	UserID        string    `json:"user_id"`
	EpisodeID     string    `json:"episode_id,omitempty"`
	Plan          string    `json:"plan,omitempty"`
	Status        string    `json:"status,omitempty"`
	Amount        float64   `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publish sends a billing event to the given subject.
// In stub mode it logs and returns nil.
func (p *Publisher) Publish(ctx context.Context, subject string, evt BillingEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if p.js == nil {
		p.log.Debug("NATS stub: skipping publish", zap.String("subject", subject), zap.String("source_event_id", evt.SourceEventID))
		return nil
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	ack, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(evt.SourceEventID+":"+subject))
	if err != nil {
		return err
	}

	p.log.Debug("NATS event published",
		zap.String("subject", subject),
		zap.String("source_event_id", evt.SourceEventID),
		zap.Uint64("seq", ack.Sequence),
	)
	return nil
}
