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
	libconfig "github.com/example/cinemax/services/library/internal/config"
	"github.com/example/cinemax/services/library/internal/handlers"
	"github.com/example/cinemax/services/library/internal/history"
	"github.com/example/cinemax/services/library/internal/worker"
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

	libCfg, err := libconfig.Load()
	if err != nil {
		log.Error("library config", zap.Error(err))
		run.Exit(1)
	}

	pool := initPool(log, libCfg.DatabaseURL, libCfg.DBMaxConns, cfg.IsProduction())
	if pool != nil {
		defer pool.Close()
	}

	persister, err := initPersister(pool, libCfg.DataDir)
	if err != nil {
		log.Error("library persister", zap.Error(err))
		run.Exit(1)
	}

	reg, err := history.NewRegistry(persister, libCfg.MaxResidentUsers)
	if err != nil {
		log.Error("library registry", zap.Error(err))
		run.Exit(1)
	}

	js := initJetStream(log, libCfg.NATSURL, cfg.ServiceName, cfg.IsProduction())
	ap := analytics.New(js, log)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: readyFunc(pool)})
	lib := &handlers.Library{Registry: reg, Analytics: ap, Log: log}
	lib.Mount(r, auth.JWTVerifier{Secret: []byte(libCfg.JWTSecret)})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		if js != nil {
			consumer := worker.NewProgressConsumer(reg, log.Named("progress"), worker.Options{
				BatchSize: libCfg.BatchSize,
				BatchWait: libCfg.BatchInterval,
			})
			go func() {
				if err := consumer.Run(ctx, js); err != nil {
					log.Error("progress consumer stopped", zap.Error(err))
				}
			}()
		}
		return srv.Run(ctx, log, 10*time.Second)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// initPool connects to Postgres when configured. Production requires it.
func initPool(log *zap.Logger, dsn string, maxConns int, isProd bool) *pgxpool.Pool {
	if dsn == "" {
		if isProd {
			log.Error("DATABASE_URL is required in production")
			_ = log.Sync()
			run.Exit(1)
		}
		log.Info("DATABASE_URL not set, library snapshots go to local files")
		return nil
	}

	pool, err := db.Open(context.Background(), dsn, db.PoolOptions{MaxConns: int32(maxConns)})
	if err != nil {
		if isProd {
			log.Error("Postgres unreachable in production", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("postgres unavailable, library snapshots go to local files", zap.Error(err))
		return nil
	}
	return pool
}

func initPersister(pool *pgxpool.Pool, dataDir string) (history.Persister, error) {
	if pool == nil {
		return history.NewFilePersister(dataDir)
	}
	p := history.NewPostgresPersister(pool)
	if err := p.InitSchema(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// initJetStream returns nil when NATS is not configured outside production.
// Without it the progress consumer does not run and analytics are dropped.
func initJetStream(log *zap.Logger, url, name string, isProd bool) nats.JetStreamContext {
	nc, err := natsconn.Connect(natsconn.Options{URL: url, Name: name})
	if err != nil {
		if isProd {
			log.Error("NATS is required in production", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		if !errors.Is(err, natsconn.ErrNotConfigured) {
			log.Warn("NATS unavailable, progress events will not be consumed", zap.Error(err))
		}
		return nil
	}
	js, err := nc.JetStream()
	if err != nil {
		log.Warn("JetStream unavailable, progress events will not be consumed", zap.Error(err))
		nc.Close()
		return nil
	}
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
