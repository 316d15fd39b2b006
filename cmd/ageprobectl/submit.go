package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/publisher"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

var actualAge int

var submitCmd = &cobra.Command{
	Use:   "submit <image-file>",
	Short: "Submits an image for analysis and prints its job ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer a.close()

		pub, err := publisher.NewRabbitMQPublisher(a.cfg.RabbitMQ.URL, a.logger)
		if err != nil {
			a.logger.Warn("RabbitMQ unavailable, the job will be picked up by polling", zap.Error(err))
			pub = nil
		} else {
			defer pub.Close()
		}

		req := &domain.SubmitRequest{Filename: filepath.Base(args[0]), Data: data}
		if cmd.Flags().Changed("actual-age") {
			req.ActualAge = &actualAge
		}

		uc := usecase.NewSubmitImageUsecase(a.jobs, a.blobs, pub, a.cfg.Server.MaxUploadBytes, a.logger)
		resp, err := uc.Execute(ctx, req)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(resp)
		}
		fmt.Println(resp.JobID)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	submitCmd.Flags().IntVar(&actualAge, "actual-age", 0, "Ground-truth age of the subject")
	rootCmd.AddCommand(submitCmd)
}
