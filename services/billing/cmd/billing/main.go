package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/cinemax/internal/platform/analytics"
	"github.com/example/cinemax/internal/platform/auth"
	"github.com/example/cinemax/internal/platform/config"
	"github.com/example/cinemax/internal/platform/db"
	"github.com/example/cinemax/internal/platform/httpserver"
	"github.com/example/cinemax/internal/platform/logging"
	"github.com/example/cinemax/internal/platform/natsconn"
	"github.com/example/cinemax/internal/platform/run"
	"github.com/example/cinemax/internal/platform/signing"
	"github.com/example/cinemax/services/billing/internal/access"
	"github.com/example/cinemax/services/billing/internal/checkout"
	billingconfig "github.com/example/cinemax/services/billing/internal/config"
	"github.com/example/cinemax/services/billing/internal/gateway"
	"github.com/example/cinemax/services/billing/internal/handlers"
	"github.com/example/cinemax/services/billing/internal/idempotency"
	"github.com/example/cinemax/services/billing/internal/publisher"
	"github.com/example/cinemax/services/billing/internal/reconcile"
	billingstore "github.com/example/cinemax/services/billing/internal/store"
	"github.com/example/cinemax/services/billing/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = logging.Named(log, cfg.ServiceName)

	billingCfg, err := billingconfig.Load()
	if err != nil {
		log.Error("billing config", zap.Error(err))
		run.Exit(1)
	}

	pool := initPool(log, billingCfg.DatabaseURL, billingCfg.DBMaxConns, cfg.IsProduction())
	if pool != nil {
		defer pool.Close()
	}

	var st billingstore.Store
	if pool != nil {
		if err := billingstore.EnsureSchema(context.Background(), pool); err != nil {
			log.Error("billing schema", zap.Error(err))
			run.Exit(1)
		}
		st = billingstore.NewPostgresStore(pool)
	} else {
		st = billingstore.NewMemoryStore()
	}

	idem, err := idempotency.NewStore(pool, cfg.IsProduction())
	if err != nil {
		log.Error("idempotency store", zap.Error(err))
		run.Exit(1)
	}

	js := initJetStream(log, billingCfg.NATSURL, cfg.ServiceName, cfg.IsProduction())
	pub := publisher.New(js, log)
	ap := analytics.New(js, log)

	gw := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey:     billingCfg.StripeSecretKey,
		WebhookSecret: billingCfg.StripeWebhookSecret,
		SiteURL:       billingCfg.SiteURL,
	}, nil)

	var signer *signing.Signer
	if billingCfg.PlaybackSigningSecret != "" {
		signer = signing.New(billingCfg.PlaybackSigningSecret)
	} else {
		log.Warn("PLAYBACK_SIGNING_SECRET not set, entitlement responses carry no playback grant")
	}

	rec := reconcile.New(gw, st, idem, pub, log.Named("reconcile"), reconcile.Options{
		OrderingGuard: billingCfg.EventOrderGuard,
	})
	log.Info("webhook reconciler ready",
		zap.Bool("postgres", pool != nil),
		zap.Bool("nats", js != nil),
		zap.Bool("ordering_guard", billingCfg.EventOrderGuard),
	)

	var limiter *httpserver.RateLimiter
	if billingCfg.CheckoutRate > 0 {
		limiter = httpserver.NewRateLimiter(billingCfg.CheckoutRate, billingCfg.CheckoutBurst)
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: readyFunc(pool)})
	handlers.Mount(r, handlers.Deps{
		Checkout:  checkout.New(gw, ap, log),
		Verify:    verification.New(gw, ap, log),
		Webhook:   rec,
		Access:    access.NewChecker(st, signer, billingCfg.PlaybackGrantTTL),
		Verifier:  auth.JWTVerifier{Secret: []byte(billingCfg.JWTSecret)},
		Analytics: ap,
		Log:       log,

		CheckoutLimiter: limiter,
	})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		return srv.Run(ctx, log, 10*time.Second)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// initPool connects to Postgres. Production refuses to run without it;
// development falls back to in-memory stores.
func initPool(log *zap.Logger, dsn string, maxConns int, isProd bool) *pgxpool.Pool {
	if dsn == "" {
		if isProd {
			log.Error("DATABASE_URL is required in production")
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("DATABASE_URL not set, billing will run without persistence (development only)")
		return nil
	}

	pool, err := db.Open(context.Background(), dsn, db.PoolOptions{MaxConns: int32(maxConns)})
	if err != nil {
		if isProd {
			log.Error("Postgres unreachable in production", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("postgres unavailable, billing will run without persistence", zap.Error(err))
		return nil
	}

	log.Info("postgres connected for billing")
	return pool
}

// initJetStream returns nil when NATS is not configured outside production.
func initJetStream(log *zap.Logger, url, name string, isProd bool) nats.JetStreamContext {
	nc, err := natsconn.Connect(natsconn.Options{URL: url, Name: name})
	if err != nil {
		if isProd {
			log.Error("NATS is required in production", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		if !errors.Is(err, natsconn.ErrNotConfigured) {
			log.Warn("NATS unavailable, billing events will not be published", zap.Error(err))
		}
		return nil
	}
	js, err := nc.JetStream()
	if err != nil {
		log.Warn("JetStream unavailable, billing events will not be published", zap.Error(err))
		nc.Close()
		return nil
	}
	publisher.EnsureStream(js, log)
	return js
}

func readyFunc(pool *pgxpool.Pool) func() error {
	if pool == nil {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return errors.New("postgres not reachable")
		}
		return nil
	}
}
