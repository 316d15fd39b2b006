package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>...",
	Short: "Shows the status of one or more jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 0, len(args))
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("%q: %w", arg, domain.ErrInvalidJobID)
			}
			ids = append(ids, id)
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer a.close()

		uc := usecase.NewGetStatusUsecase(a.jobs, a.logger)
		statuses := make([]*domain.StatusResponse, 0, len(ids))
		for _, id := range ids {
			resp, err := uc.Execute(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to read status of %s: %w", id, err)
			}
			statuses = append(statuses, resp)
		}

		if outputJSON {
			return printJSON(statuses)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATUS\tATTEMPTS\tRETRY AT\tLAST ERROR")
		for _, s := range statuses {
			retryAt := "-"
			if s.RetryAt != nil {
				retryAt = s.RetryAt.Format(time.RFC3339)
			}
			lastError := s.LastError
			if lastError == "" {
				lastError = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.JobID, s.Status, s.Attempts, retryAt, lastError)
		}
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(statusCmd)
}
