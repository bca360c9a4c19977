// Package worker applies player progress events from NATS to the library.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/cinemax/services/library/internal/history"
)

const (
	Subject  = "library.progress"
	Durable  = "library_progress"
	Stream   = "LIBRARY"
	seenSize = 4096
)

var ErrInvalidEvent = errors.New("invalid progress event")

// ProgressEvent is published by the player while an episode plays.
type ProgressEvent struct {
	EventID       string `json:"event_id"`
	UserID        string `json:"user_id"`
	SeriesID      string `json:"series_id"`
	EpisodeNumber int    `json:"episode_number"`
	SeriesTitle   string `json:"series_title,omitempty"`
	EpisodeTitle  string `json:"episode_title,omitempty"`
	Thumbnail     string `json:"thumbnail,omitempty"`
	Progress      int    `json:"progress"`
	Duration      int    `json:"duration"`
}

type Options struct {
	BatchSize int
	BatchWait time.Duration
}

type ProgressConsumer struct {
	reg  *history.Registry
	log  *zap.Logger
	opts Options
	// seen drops redelivered event ids within a process lifetime.
	seen *lru.Cache[string, struct{}]
}

func NewProgressConsumer(reg *history.Registry, log *zap.Logger, opts Options) *ProgressConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchWait <= 0 {
		opts.BatchWait = 2 * time.Second
	}
	seen, _ := lru.New[string, struct{}](seenSize)
	return &ProgressConsumer{reg: reg, log: log, opts: opts, seen: seen}
}

// Apply decodes one message and records it in the user's history. The first
// event for an episode adds it to history; later ones update progress in place.
func (c *ProgressConsumer) Apply(ctx context.Context, data []byte) error {
	var ev ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(ev.UserID) == "" || strings.TrimSpace(ev.SeriesID) == "" || ev.EpisodeNumber <= 0 {
		return fmt.Errorf("%w: user_id, series_id and episode_number are required", ErrInvalidEvent)
	}
	if ev.EventID != "" && c.seen.Contains(ev.EventID) {
		return nil
	}

	store, err := c.reg.For(ctx, ev.UserID)
	if err != nil {
		return err
	}
	key := history.Key{SeriesID: ev.SeriesID, EpisodeNumber: ev.EpisodeNumber}
	if store.Has(key) {
		_, err = store.UpdateProgress(ctx, key, ev.Progress, ev.Duration)
	} else {
		_, err = store.AddToHistory(ctx, history.Item{
			SeriesID:      ev.SeriesID,
			EpisodeNumber: ev.EpisodeNumber,
			SeriesTitle:   ev.SeriesTitle,
			EpisodeTitle:  ev.EpisodeTitle,
			Thumbnail:     ev.Thumbnail,
			Progress:      ev.Progress,
			Duration:      ev.Duration,
		})
	}
	if err != nil {
		return err
	}
	if ev.EventID != "" {
		c.seen.Add(ev.EventID, struct{}{})
	}
	return nil
}

// Run pulls batches from library.progress until ctx is done.
func (c *ProgressConsumer) Run(ctx context.Context, js nats.JetStreamContext) error {
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     Stream,
		Subjects: []string{"library.>"},
		Storage:  nats.FileStorage,
	}); err != nil {
		c.log.Warn("failed to create NATS stream (may already exist)", zap.Error(err))
	}

	sub, err := js.PullSubscribe(Subject, Durable)
	if err != nil {
		return fmt.Errorf("progress_consumer: subscribe: %w", err)
	}
	c.log.Info("progress consumer started", zap.String("subject", Subject), zap.Int("batch_size", c.opts.BatchSize))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(c.opts.BatchSize, nats.MaxWait(c.opts.BatchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.log.Warn("progress_consumer: fetch error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, m := range msgs {
			c.handle(ctx, m)
		}
	}
}

func (c *ProgressConsumer) handle(ctx context.Context, m *nats.Msg) {
	err := c.Apply(ctx, m.Data)
	switch {
	case err == nil:
		if err := m.Ack(); err != nil {
			c.log.Warn("progress_consumer: ack error", zap.Error(err))
		}
	case errors.Is(err, ErrInvalidEvent):
		c.log.Warn("progress_consumer: dropping invalid event", zap.Error(err))
		if err := m.Term(); err != nil {
			c.log.Warn("progress_consumer: term error", zap.Error(err))
		}
	default:
		c.log.Error("progress_consumer: apply failed", zap.Error(err))
		if err := m.Nak(); err != nil {
			c.log.Warn("progress_consumer: nak error", zap.Error(err))
		}
	}
}
