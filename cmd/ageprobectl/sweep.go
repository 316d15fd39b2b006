package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/usecase"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Runs one maintenance pass: retry promotion, stale reclaim and retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer a.close()

		uc := usecase.NewMaintainJobsUsecase(a.jobs, a.results, a.blobs, a.leases, usecase.MaintenancePolicy{
			StaleAfter:  a.cfg.Pipeline.StaleAfter,
			MaxAttempts: a.cfg.Pipeline.MaxAttempts,
			Retention:   a.cfg.Pipeline.Retention,
			LeaseTTL:    a.cfg.Pipeline.SweepInterval,
		}, a.logger)
		defer func() {
			if err := uc.ReleaseLease(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("Failed to release sweep lease", zap.Error(err))
			}
		}()

		requeued, err := uc.RequeueDue(ctx)
		if err != nil {
			return fmt.Errorf("requeue due jobs: %w", err)
		}
		report, err := uc.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}

		if outputJSON {
			return printJSON(struct {
				Requeued int64 `json:"requeued"`
				usecase.SweepReport
			}{requeued, report})
		}
		if report.Skipped {
			fmt.Println("Sweep skipped: another process holds the sweep lease.")
		}
		fmt.Printf("requeued=%d reclaimed=%d abandoned=%d recovered=%d expired=%d\n",
			requeued, report.Reclaimed, report.Abandoned, report.Recovered, report.Expired)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(sweepCmd)
}
