package main

import (
	"context"
	"net"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/clubhouse/internal/platform/analytics"
	"github.com/example/clubhouse/internal/platform/auth"
	"github.com/example/clubhouse/internal/platform/db"
	"github.com/example/clubhouse/internal/platform/httpserver"
	"github.com/example/clubhouse/internal/platform/logging"
	"github.com/example/clubhouse/internal/platform/natsconn"
	"github.com/example/clubhouse/internal/platform/run"
	"github.com/example/clubhouse/services/progress/internal/adapter"
	"github.com/example/clubhouse/services/progress/internal/config"
	"github.com/example/clubhouse/services/progress/internal/gateway"
	"github.com/example/clubhouse/services/progress/internal/handlers"
	"github.com/example/clubhouse/services/progress/internal/hub"
	"github.com/example/clubhouse/services/progress/internal/session"
	"github.com/example/clubhouse/services/progress/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		log.Error("load sources", zap.Error(err))
		run.Exit(1)
	}
	registry := adapter.NewRegistry(backends...)

	pool := openPool(ctx, cfg, log)
	if pool != nil {
		defer pool.Close()
	}

	var js nats.JetStreamContext
	nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.ServiceName})
	if err != nil {
		if cfg.AsyncWrites {
			log.Error("nats is required for async writes", zap.Error(err))
			run.Exit(1)
		}
		log.Warn("nats unavailable, completion events disabled", zap.Error(err))
	} else {
		defer nc.Close()
		if js, err = nc.JetStream(); err != nil {
			log.Error("jetstream", zap.Error(err))
			run.Exit(1)
		}
	}
	publisher := analytics.New(js, log)

	gw := buildGateway(ctx, cfg, pool, js, log)

	h := hub.New(gw, registry, hub.Config{
		Session: session.Config{
			Policy:       cfg.Policy,
			WriteTimeout: cfg.WriteTimeout,
		},
		IdleTTL:        cfg.SessionIdleTTL,
		PollInterval:   cfg.PollInterval,
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedSources: cfg.AllowedSources,
		OnComplete: func(id uuid.UUID, snap session.Snapshot) {
			publisher.LessonCompleted(snap.UserID, snap.VideoID, id.String(), string(snap.Kind))
		},
	}, log)
	go h.Run(ctx)

	ready := func() error { return nil }
	if pool != nil {
		ready = db.Ready(pool)
	}
	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: ready, Logger: log})
	handlers.Mount(r, handlers.Deps{
		Hub:         h,
		Store:       gw,
		Analytics:   publisher,
		Log:         log,
		RequireUser: auth.RequireUser(auth.JWTVerifier{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer, Leeway: 30 * time.Second}),
	})
	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Error("grpc listen", zap.Error(err))
		run.Exit(1)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcSrv)
	go func() {
		log.Info("grpc server starting", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	runner := run.New(log)
	code := runner.WithSignals(func(context.Context) error {
		return srv.Start()
	})

	healthSrv.Shutdown()
	runner.Graceful(
		srv.Shutdown,
		func(context.Context) error {
			h.CloseAll()
			return nil
		},
		func(ctx context.Context) error {
			stopped := make(chan struct{})
			go func() {
				grpcSrv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				grpcSrv.Stop()
			}
			return nil
		},
	)
	cancel()

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// openPool connects to Postgres. Without DATABASE_URL the service runs on
// the in-memory gateway; config.Load already refused that in production.
func openPool(ctx context.Context, cfg config.Config, log *zap.Logger) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory progress store (development only)")
		return nil
	}
	pool, err := db.Open(ctx, db.Options{DSN: cfg.DatabaseURL})
	if err != nil {
		log.Error("db open", zap.Error(err))
		run.Exit(1)
	}
	return pool
}

// buildGateway layers the store: Postgres (or memory), optionally with writes
// routed through JetStream, then the redis read cache, then the breaker.
func buildGateway(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, js nats.JetStreamContext, log *zap.Logger) gateway.Gateway {
	var gw gateway.Gateway
	if pool != nil {
		gw = gateway.NewPostgres(pool)
	} else {
		gw = gateway.NewMemory()
	}

	if cfg.AsyncWrites {
		if pool == nil || js == nil {
			log.Error("async writes need both DATABASE_URL and NATS")
			run.Exit(1)
		}
		if err := natsconn.EnsureStream(js, "PROGRESS", gateway.SubjectProgressUpsert); err != nil {
			log.Error("ensure progress stream", zap.Error(err))
			run.Exit(1)
		}
		if err := worker.StartProgressConsumer(ctx, js, pool, worker.Options{
			BatchSize:     cfg.WorkerBatchSize,
			BatchInterval: cfg.WorkerBatchInterval,
			MaxDeliver:    cfg.WorkerMaxDeliver,
		}, log); err != nil {
			log.Error("progress consumer", zap.Error(err))
			run.Exit(1)
		}
		gw = gateway.Split{Reader: gw, Writer: gateway.NewAsync(js)}
	}

	if cfg.RedisURL != "" {
		cached, err := gateway.NewCached(gw, cfg.RedisURL, cfg.CacheTTL, log)
		if err != nil {
			log.Error("redis", zap.Error(err))
			run.Exit(1)
		}
		gw = cached
	}

	return gateway.NewBreaker(gw, cfg.Breaker, log)
}
