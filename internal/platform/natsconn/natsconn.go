// Package natsconn provides a shared NATS connection factory with
// configurable reconnect behaviour and fail-fast semantics.
package natsconn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/cinemax/internal/platform/config"
)

// ErrNotConfigured is returned by Connect when no URL is set anywhere.
var ErrNotConfigured = errors.New("natsconn: NATS_URL not set")

// Options configures the NATS connection behaviour.
// Zero values fall back to env vars or built-in defaults.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int           // default from NATS_MAX_RECONNECTS or 5
	ReconnectWait time.Duration // default from NATS_RECONNECT_WAIT or 2s
}

func (o Options) withDefaults() Options {
	v := config.Env()
	v.SetDefault("NATS_MAX_RECONNECTS", 5)
	v.SetDefault("NATS_RECONNECT_WAIT", 2*time.Second)

	if o.URL == "" {
		o.URL = strings.TrimSpace(v.GetString("NATS_URL"))
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = positiveInt(v.GetInt("NATS_MAX_RECONNECTS"), 5)
	}
	if o.ReconnectWait == 0 {
		o.ReconnectWait = positiveDuration(v.GetDuration("NATS_RECONNECT_WAIT"), 2*time.Second)
	}
	return o
}

// Connect establishes a NATS connection with the configured retry policy.
// On failure it returns an error so the caller can fail-fast or fall back
// to stub publishers.
func Connect(opts Options) (*nats.Conn, error) {
	opts = opts.withDefaults()
	if opts.URL == "" {
		return nil, ErrNotConfigured
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}

func positiveInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func positiveDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
