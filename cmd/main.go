package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/smarttrolley/trolley-service/internal/catalog"
	"github.com/smarttrolley/trolley-service/internal/config"
	"github.com/smarttrolley/trolley-service/internal/consumer"
	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/gate"
	opsgrpc "github.com/smarttrolley/trolley-service/internal/grpc"
	h "github.com/smarttrolley/trolley-service/internal/http"
	"github.com/smarttrolley/trolley-service/internal/metrics"
	"github.com/smarttrolley/trolley-service/internal/publisher"
	"github.com/smarttrolley/trolley-service/internal/receipt"
	"github.com/smarttrolley/trolley-service/internal/repository"
	"github.com/smarttrolley/trolley-service/internal/service"
	"github.com/smarttrolley/trolley-service/pkg/logger"
)

const serviceName = "trolley"

func main() {
	if err := run(); err != nil {
		slog.Error("trolley service failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Options{
		Service:   serviceName,
		Env:       cfg.Env,
		Level:     cfg.LogLevel,
		AddSource: cfg.Env != "production",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	products, err := catalog.NewSQLiteRepository(cfg.CatalogDBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer products.Close()
	if err := products.RunMigrations(cfg.CatalogMigrationsPath); err != nil {
		return fmt.Errorf("catalog migrations: %w", err)
	}

	var cache catalog.ProductCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// the breaker keeps lookups on sqlite until redis comes back
			log.Warn("redis ping failed", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
		}
		cache = catalog.NewRedisCache(redisClient)
	}
	productService := catalog.NewService(products, cache, log)

	m := metrics.New(serviceName)
	trolleyGate := gate.New(cfg.LockWait, gate.WithWaitObserver(m.ObserveGateWait))
	core := service.New(store, productService, trolleyGate, service.Config{
		SessionTimeout: cfg.SessionTimeout,
		Payee:          domain.Payee{VPA: cfg.UPIVPA, Merchant: cfg.UPIMerchant},
		PublicURL:      cfg.PublicURL,
	}, service.WithLogger(log), service.WithRecorder(m))

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		poller := publisher.NewOutboxPoller(store, core,
			publisher.NewKafkaWriter(cfg.EventsTopic, cfg.KafkaBrokers...),
			publisher.WithLogger(log), publisher.WithRecorder(m))
		defer poller.Close()
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	} else {
		log.Warn("KAFKA_BROKERS not set, outbox events stay unpublished")
	}

	var receipts h.ReceiptReader
	if cfg.MongoURI != "" {
		db, err := receipt.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return err
		}
		receiptRepo := receipt.NewMongoRepository(db)
		defer receiptRepo.Close(context.Background())
		if err := receiptRepo.CreateIndexes(ctx); err != nil {
			return err
		}
		receipts = receiptRepo

		if len(cfg.KafkaBrokers) > 0 {
			settlements := consumer.NewConsumer(receiptRepo,
				consumer.NewKafkaReader(cfg.EventsTopic, cfg.KafkaBrokers...), m, log)
			defer settlements.Close()
			g.Go(func() error {
				settlements.Run(gctx)
				return nil
			})
		}
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: h.NewRouter(h.Deps{
			Core:     core,
			Catalog:  productService,
			Receipts: receipts,
			Health:   store,
			Metrics:  m,
			Logger:   log,
			Timeout:  cfg.RequestTimeout,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		log.Info("http server starting", slog.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	ops := opsgrpc.NewServer(store, log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	g.Go(func() error {
		log.Info("grpc server starting", slog.String("port", cfg.GRPCPort))
		return ops.Serve(lis)
	})
	g.Go(func() error {
		ops.WatchHealth(gctx, 10*time.Second)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		ops.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("trolley service stopped")
	return nil
}

func openStore(cfg *config.Config, log *slog.Logger) (repository.Store, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return repository.NewMemoryStore(), nil
	}

	cred := &repository.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}
	store, err := repository.NewPostgresStore(cred)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := store.RunMigrations(cred); err != nil {
		store.Close()
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}
	return store, nil
}
