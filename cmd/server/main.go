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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ageprobe/ageprobe/internal/config"
	handler "github.com/ageprobe/ageprobe/internal/delivery/http"
	"github.com/ageprobe/ageprobe/internal/publisher"
	"github.com/ageprobe/ageprobe/internal/repository/gridfs"
	"github.com/ageprobe/ageprobe/internal/repository/postgres"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

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

	logger.Info("Starting ageprobe API server")

	gin.SetMode(cfg.Server.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// Wake-up publisher. Workers also poll, so the API runs without it.
	pub, err := publisher.NewRabbitMQPublisher(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ unavailable, submissions will rely on worker polling", zap.Error(err))
		pub = nil
	} else {
		defer pub.Close()
		logger.Info("Connected to RabbitMQ")
	}

	// Initialize repositories
	jobRepo := postgres.NewPostgresJobRepository(dbPool)
	resultRepo := postgres.NewPostgresResultRepository(dbPool)

	// Initialize use cases
	submitUC := usecase.NewSubmitImageUsecase(jobRepo, blobStore, pub, cfg.Server.MaxUploadBytes, logger)
	statusUC := usecase.NewGetStatusUsecase(jobRepo, logger)
	resultUC := usecase.NewGetResultUsecase(jobRepo, resultRepo, blobStore, logger)
	comparisonUC := usecase.NewAgeComparisonUsecase(resultRepo)

	health := handler.NewHealthHandler(logger, map[string]handler.HealthCheck{
		"postgres": dbPool.Ping,
		"mongo": func(ctx context.Context) error {
			return mongoClient.Ping(ctx, nil)
		},
	})

	router := handler.NewRouter(submitUC, statusUC, resultUC, comparisonUC, health, logger, cfg.Server.MaxUploadBytes)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("API server stopped with error", zap.Error(err))
		return
	}
	logger.Info("API server stopped")
}
