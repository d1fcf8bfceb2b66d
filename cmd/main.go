package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"imperious/messaging-service/internal/api"
	"imperious/messaging-service/internal/cache"
	"imperious/messaging-service/internal/config"
	grpcServer "imperious/messaging-service/internal/grpc"
	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/metrics"
	"imperious/messaging-service/internal/realtime"
	"imperious/messaging-service/internal/repository"
	"imperious/messaging-service/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		db        *sql.DB
		chatRepo  repository.ChatRepository
		directory identity.Directory
	)

	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		db, err = openDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		logger.Info("Connected to PostgreSQL database")

		chatRepo = repository.NewChatRepository(db)
		if err := chatRepo.InitializeTables(); err != nil {
			logger.Fatalf("Failed to initialize database tables: %v", err)
		}
		directory = identity.NewPostgresDirectory(db)
	case config.StorageMemory:
		logger.Warn("Using in-memory storage; conversations are lost on restart")
		chatRepo = repository.NewMemoryChatRepository()
		directory = identity.NewMemoryDirectory(cfg.Identity.SeedUsers...)
	}

	userCache, err := newCache(ctx, cfg.Identity.Cache)
	if err != nil {
		logger.Fatalf("Failed to initialize identity cache: %v", err)
	}
	directory = identity.NewCachedDirectory(directory, userCache, cfg.Identity.Cache.TTL, logger)
	verifier := identity.NewTokenVerifier(cfg.Identity.JWTSecret, directory)

	conversationService := service.NewConversationService(chatRepo, directory, logger)
	messageService := service.NewMessageService(chatRepo, conversationService, directory, service.PageOptions{
		DefaultPageSize: cfg.Messages.DefaultPageSize,
		MaxPageSize:     cfg.Messages.MaxPageSize,
	}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serviceMetrics := metrics.New(registry)

	presence := realtime.NewPresence(logger)
	rooms := realtime.NewRooms(conversationService, messageService, serviceMetrics, logger)
	gateway := realtime.NewGateway(presence, rooms, messageService, directory, serviceMetrics, realtime.Options{
		ReadTimeout:    cfg.Realtime.ReadTimeout,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
		RequestTimeout: cfg.Realtime.RequestTimeout,
		ErrorEvents:    cfg.Realtime.ErrorEvents,
		RequireAuth:    cfg.Realtime.RequireAuth,
		RateLimit:      cfg.Realtime.RateLimit,
		RateBurst:      cfg.Realtime.RateBurst,
		Connection: realtime.ConnectionConfig{
			SendBuffer: cfg.Realtime.SendBuffer,
			WriteWait:  cfg.Realtime.WriteTimeout,
			PingPeriod: cfg.Realtime.PingPeriod,
		},
	}, logger)

	router := api.NewRouter(api.Deps{
		Conversations: conversationService,
		Messages:      messageService,
		Verifier:      verifier,
		Gateway:       gateway,
		Reads:         rooms,
		Pingers:       map[string]api.Pinger{"store": chatRepo, "cache": userCache},
		Metrics:       serviceMetrics,
		Gatherer:      registry,
		Logger:        logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthSrv := grpcServer.NewHealthServer(map[string]grpcServer.Pinger{"store": chatRepo, "cache": userCache}, 10*time.Second, logger)
	grpcSrv := grpcServer.NewServer(healthSrv, cfg.GRPC.ReflectionEnabled, logger)

	lis, err := net.Listen("tcp", cfg.GRPC.Address())
	if err != nil {
		logger.Fatalf("Failed to listen on %s: %v", cfg.GRPC.Address(), err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Starting HTTP server on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Infof("Starting gRPC server on %s", cfg.GRPC.Address())
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		healthSrv.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down servers...")
		return shutdown(cfg.GRPC.ShutdownTimeout, logger, httpSrv, grpcSrv, healthSrv, gateway, userCache, db)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	return logger
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Driver {
	case config.CacheRedis:
		return cache.NewRedisCache(ctx, cfg.RedisURL, cfg.TTL)
	default:
		return cache.NewLRUCache(cfg.Size, cfg.TTL), nil
	}
}

func shutdown(
	timeout time.Duration,
	logger *logrus.Logger,
	httpSrv *http.Server,
	grpcSrv *grpc.Server,
	healthSrv *grpcServer.HealthServer,
	gateway *realtime.Gateway,
	userCache cache.Cache,
	db *sql.DB,
) error {
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	healthSrv.Shutdown()

	var errs error
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	gateway.CloseAll()

	done := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("gRPC server exited gracefully")
	case <-ctx.Done():
		logger.Info("gRPC server shutdown timeout")
		grpcSrv.Stop()
	}

	errs = multierr.Append(errs, userCache.Close())
	if db != nil {
		errs = multierr.Append(errs, db.Close())
	}
	return errs
}
