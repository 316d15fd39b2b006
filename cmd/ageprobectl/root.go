package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/config"
	"github.com/ageprobe/ageprobe/internal/repository"
	"github.com/ageprobe/ageprobe/internal/repository/gridfs"
	"github.com/ageprobe/ageprobe/internal/repository/postgres"
	redisrepo "github.com/ageprobe/ageprobe/internal/repository/redis"
)

var outputJSON bool

var rootCmd = &cobra.Command{
	Use:          "ageprobectl",
	Short:        "ageprobectl inspects and operates the ageprobe image pipeline.",
	Long:         `An operator CLI for the ageprobe pipeline: query job status and results, submit images, run the analyzer by hand and trigger a maintenance sweep.`,
	SilenceUsage: true,
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// app holds the stores a command needs. Configuration comes from the same
// environment as the server and worker.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	jobs    repository.JobRepository
	results repository.ResultRepository
	blobs   repository.BlobStore
	leases  repository.LeaseStore

	closers []func()
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	a.jobs = postgres.NewPostgresJobRepository(pool)
	a.results = postgres.NewPostgresResultRepository(pool)

	mongoClient, err := gridfs.Connect(ctx, cfg.Mongo)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = mongoClient.Disconnect(context.Background()) })
	a.blobs, err = gridfs.NewGridFSBlobStore(mongoClient.Database(cfg.Mongo.Database))
	if err != nil {
		a.close()
		return nil, err
	}

	redisClient, err := redisrepo.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Warn("Redis unavailable, sweeping without a lease", zap.Error(err))
	} else {
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		a.leases = redisrepo.NewRedisLeaseStore(redisClient)
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
