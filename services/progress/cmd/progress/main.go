package main

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/watch-platform/internal/platform/auth"
	"github.com/example/watch-platform/internal/platform/config"
	"github.com/example/watch-platform/internal/platform/db"
	"github.com/example/watch-platform/internal/platform/httpserver"
	"github.com/example/watch-platform/internal/platform/logging"
	"github.com/example/watch-platform/internal/platform/natsconn"
	"github.com/example/watch-platform/internal/platform/run"
	"github.com/example/watch-platform/internal/platform/signing"
	progressconfig "github.com/example/watch-platform/services/progress/internal/config"
	"github.com/example/watch-platform/services/progress/internal/events"
	"github.com/example/watch-platform/services/progress/internal/handlers"
	"github.com/example/watch-platform/services/progress/internal/store"
)

func main() {
	cfg, err := config.Load("progress")
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	pcfg, err := progressconfig.Load()
	if err != nil {
		log.Error("progress config", zap.Error(err))
		run.Exit(1)
	}

	pool := initPool(log, cfg, pcfg)
	var (
		progressRepo store.ProgressRepository = store.NewMemoryProgressRepository()
		catalogRepo  store.CatalogRepository  = store.NewMemoryCatalogRepository()
	)
	if pool != nil {
		defer pool.Close()
		progressRepo = store.NewPostgresProgressRepository(pool)
		catalogRepo = store.NewPostgresCatalogRepository(pool)
	}

	pub, closeNATS := initEvents(log, cfg)
	defer closeNATS()

	var signer *signing.Signer
	if pcfg.SigningSecret != "" {
		signer = signing.New(pcfg.SigningSecret)
		log.Info("manifest url signing enabled", zap.String("proxy_base", pcfg.ProxyBase))
	}

	h := handlers.New(handlers.Options{
		Progress:  progressRepo,
		Catalog:   catalogRepo,
		Events:    pub,
		Limiter:   handlers.NewViewerLimiter(pcfg.WriteRate, pcfg.WriteBurst),
		Logger:    log,
		Signer:    signer,
		ProxyBase: pcfg.ProxyBase,
		SignTTL:   pcfg.SignTTL,
	})

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: func() error {
		if pool == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}})
	r.Handle("/metrics", promhttp.Handler())
	h.Routes(r, auth.JWTVerifier{Secret: []byte(pcfg.JWTSecret)})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(context.Context) error {
		return srv.Start()
	})
	runner.Graceful(srv.Shutdown)

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// initPool connects to Postgres and applies migrations. Without DATABASE_URL
// the service keeps everything in memory, which production rejects.
func initPool(log *zap.Logger, cfg config.AppConfig, pcfg progressconfig.Config) *pgxpool.Pool {
	if pcfg.DatabaseURL == "" {
		if cfg.Production {
			log.Error("DATABASE_URL is required in production")
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("DATABASE_URL not set, progress is kept in memory (development only)")
		return nil
	}

	if pcfg.RunMigrations {
		if err := store.Migrate(pcfg.DatabaseURL); err != nil {
			log.Error("schema migration failed", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Info("schema migrations applied")
	}

	pool, err := db.Open(context.Background(), pcfg.DatabaseURL)
	if err != nil {
		log.Error("postgres unavailable", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}
	log.Info("postgres connected for progress")
	return pool
}

func initEvents(log *zap.Logger, cfg config.AppConfig) (*events.Publisher, func()) {
	opts, ok := natsconn.FromEnv()
	if !ok {
		if cfg.Production {
			log.Warn("NATS_URL not set in production, progress events will not be published")
		}
		return events.New(nil, log), func() {}
	}
	opts.Name = cfg.ServiceName
	nc, err := natsconn.Connect(opts)
	if err != nil {
		log.Warn("NATS unavailable, progress events will not be published", zap.Error(err))
		return events.New(nil, log), func() {}
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		log.Warn("jetstream unavailable, progress events will not be published", zap.Error(err))
		return events.New(nil, log), func() {}
	}
	if err := events.Ensure(js); err != nil {
		log.Warn("ensure activity stream", zap.Error(err))
	}
	log.Info("NATS publisher initialised", zap.String("stream", events.StreamName))
	return events.New(js, log), func() { _ = nc.Drain() }
}
