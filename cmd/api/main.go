package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/CuAuPro/switchyard/internal/app/migrate"
	"github.com/CuAuPro/switchyard/internal/docker"
	"github.com/CuAuPro/switchyard/internal/events"
	httpx "github.com/CuAuPro/switchyard/internal/http"
	"github.com/CuAuPro/switchyard/internal/ports"
	"github.com/CuAuPro/switchyard/internal/repository"
	"github.com/CuAuPro/switchyard/internal/repository/memory"
	"github.com/CuAuPro/switchyard/internal/repository/postgres"
	"github.com/CuAuPro/switchyard/internal/service/auth"
	"github.com/CuAuPro/switchyard/internal/service/health"
	"github.com/CuAuPro/switchyard/internal/service/ingress"
	"github.com/CuAuPro/switchyard/internal/service/registry"
	"github.com/CuAuPro/switchyard/internal/ws"
	"github.com/CuAuPro/switchyard/pkg/config"
	"github.com/CuAuPro/switchyard/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

type store interface {
	repository.Store
	repository.UserRepository
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("switchyard-api", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", "error", err)
		stop()
		os.Exit(1)
	}
	log.Info("api server stopped")
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(), error) {
	if strings.EqualFold(os.Getenv("SWITCHYARD_STORE"), "memory") {
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return nil, nil, err
	}
	if err := runner.Ensure(ctx); err != nil {
		runner.Close()
		return nil, nil, err
	}
	return postgres.New(pool), runner.Close, nil
}

func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger) error {
	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	dockerClient, err := docker.New(cfg.DockerHost, log)
	if err != nil {
		return err
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable; lifecycle operations will fail", "error", err)
	}

	allocator, err := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return err
	}

	bus := events.NewBus(cfg.EventSubscriberBuf, log)
	defer bus.Close()

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable; using local rate limiting and event delivery", "error", err)
			redisClient = nil
		}
	}

	metrics := httpx.NewMetrics()
	probeClient := &http.Client{}

	publisher := ingress.New(nil, &http.Client{}, dockerClient, metrics, log, ingress.Config{
		Domain:           cfg.RouterDomain,
		ConsoleSubdomain: cfg.ConsoleSubdomain,
		ConsoleOrigin:    cfg.ConsoleTargetOrigin,
		AdminURL:         cfg.CaddyAdminURL,
		CaddyfilePath:    cfg.CaddyfilePath,
		Container:        cfg.CaddyContainer,
	})

	engine := registry.New(repo, dockerClient, allocator, bus, publisher, metrics, log, registry.Config{
		DockerAutostart:  cfg.DockerAutostart,
		DockerNetwork:    cfg.DockerNetwork,
		RouterTargetHost: cfg.RouterTargetHost,
		DefaultAppPort:   cfg.DefaultAppPort,
	})
	publisher.SetSource(engine)

	monitor := health.New(engine, probeClient, metrics, log, health.Config{
		Interval:            cfg.HealthInterval,
		Timeout:             cfg.HealthTimeout,
		UseContainerTargets: cfg.HealthUseContainerTargets,
		RouterTargetHost:    cfg.RouterTargetHost,
	})

	authSvc := auth.New(repo, log, cfg)
	if err := authSvc.SeedAdmin(ctx); err != nil {
		return err
	}

	hub := ws.NewHub(log)
	limiter := httpx.NewMemoryRateLimiter()
	if redisClient != nil {
		limiter.Close()
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
	}

	router := httpx.NewRouter(log, httpx.Options{
		Engine:     engine,
		Auth:       authSvc,
		Hub:        hub,
		Limiter:    limiter,
		Metrics:    metrics,
		DBHealth:   repo.Ping,
		RateLimit:  cfg.RateLimitRequests,
		RateWindow: cfg.RateLimitWindow,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx, bus.Subscribe())
		return nil
	})
	g.Go(func() error {
		publisher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	if redisClient != nil {
		relay := events.NewRedisRelay(redisClient, cfg.EventsChannel, log)
		bus.SetForwarder(relay)
		g.Go(func() error {
			if err := relay.Run(gctx, bus); err != nil {
				log.Warn("event relay stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}
