package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/analyzer"
	"github.com/ageprobe/ageprobe/internal/config"
	amqpdelivery "github.com/ageprobe/ageprobe/internal/delivery/amqp"
	"github.com/ageprobe/ageprobe/internal/repository"
	"github.com/ageprobe/ageprobe/internal/repository/gridfs"
	"github.com/ageprobe/ageprobe/internal/repository/postgres"
	redisrepo "github.com/ageprobe/ageprobe/internal/repository/redis"
	"github.com/ageprobe/ageprobe/internal/scheduler"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting ageprobe worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Apply schema migrations
	if err := postgres.RunMigrations(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Connect to PostgreSQL
	dbPool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer dbPool.Close()
	logger.Info("Connected to PostgreSQL")

	// Connect to MongoDB (image blobs)
	mongoClient, err := gridfs.Connect(ctx, cfg.Mongo)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())
	blobStore, err := gridfs.NewGridFSBlobStore(mongoClient.Database(cfg.Mongo.Database))
	if err != nil {
		logger.Fatal("Failed to open GridFS bucket", zap.Error(err))
	}
	logger.Info("Connected to MongoDB")

	// Connect to Redis (sweep lease). Without it every worker sweeps, which is
	// safe but redundant.
	var leases repository.LeaseStore
	redisClient, err := redisrepo.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Warn("Redis unavailable, sweeping without a lease", zap.Error(err))
	} else {
		defer redisClient.Close()
		leases = redisrepo.NewRedisLeaseStore(redisClient)
		logger.Info("Connected to Redis")
	}

	// Initialize repositories
	jobRepo := postgres.NewPostgresJobRepository(dbPool)
	resultRepo := postgres.NewPostgresResultRepository(dbPool)

	// Initialize analyzer client and use cases
	client := analyzer.NewClient(cfg.Analyzer, cfg.Analyzer.Timeout)
	dispatchUC := usecase.NewDispatchJobUsecase(jobRepo, resultRepo, blobStore, client, usecase.RetryPolicy{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		BackoffBase:    cfg.Pipeline.BackoffBase,
		BackoffMax:     cfg.Pipeline.BackoffMax,
		PersistTimeout: cfg.Pipeline.PersistTimeout,
	}, logger)
	maintainUC := usecase.NewMaintainJobsUsecase(jobRepo, resultRepo, blobStore, leases, usecase.MaintenancePolicy{
		StaleAfter:  cfg.Pipeline.StaleAfter,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Retention:   cfg.Pipeline.Retention,
		LeaseTTL:    cfg.Pipeline.SweepInterval,
	}, logger)

	// Start the scheduler
	sched := scheduler.New(jobRepo, dispatchUC, maintainUC, scheduler.Options{
		PoolSize:      cfg.Worker.PoolSize,
		PollInterval:  cfg.Worker.PollInterval,
		SweepInterval: cfg.Pipeline.SweepInterval,
		CycleTimeout:  cfg.Pipeline.CycleTimeout(),
	}, logger)
	sched.Start(ctx)

	// Wake-ups from the API shorten the polling delay; polling still runs without them.
	consumer, err := amqpdelivery.NewConsumer(cfg.RabbitMQ.URL, sched, logger)
	if err != nil {
		logger.Warn("RabbitMQ unavailable, relying on polling only", zap.Error(err))
	} else {
		defer consumer.Close()
		logger.Info("Connected to RabbitMQ")
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error("AMQP consumer error", zap.Error(err))
			}
		}()
	}

	// Start Prometheus metrics server
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	// Wait for workers to finish in-flight jobs
	sched.Stop()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	// Let another worker take over sweeping without waiting out the lease.
	if err := maintainUC.ReleaseLease(shutdownCtx); err != nil {
		logger.Warn("Failed to release sweep lease", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("Worker stopped")
}
