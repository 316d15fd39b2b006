package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

var (
	saveImagePath string
	showImage     bool
)

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Shows the analysis of a processed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("%q: %w", args[0], domain.ErrInvalidJobID)
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer a.close()

		resp, err := usecase.NewGetResultUsecase(a.jobs, a.results, a.blobs, a.logger).Execute(ctx, id)
		if err != nil {
			return err
		}

		if saveImagePath != "" {
			img, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
			if err != nil {
				return fmt.Errorf("decode image: %w", err)
			}
			if err := os.WriteFile(saveImagePath, img, 0o644); err != nil {
				return fmt.Errorf("save image: %w", err)
			}
		}
		if !showImage {
			resp.ImageBase64 = ""
		}

		if outputJSON {
			return printJSON(resp)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(w, "JOB ID\t%s\n", resp.JobID)
		fmt.Fprintf(w, "FILENAME\t%s\n", resp.Filename)
		fmt.Fprintf(w, "PREDICTED AGE\t%.1f\n", resp.Analysis.Age)
		if resp.Analysis.Gender != "" {
			fmt.Fprintf(w, "GENDER\t%s\n", resp.Analysis.Gender)
		}
		if resp.Analysis.Confidence != nil {
			fmt.Fprintf(w, "CONFIDENCE\t%.2f\n", *resp.Analysis.Confidence)
		}
		if resp.ActualAge != nil {
			fmt.Fprintf(w, "ACTUAL AGE\t%d\n", *resp.ActualAge)
		}
		if resp.IsCorrect != nil {
			fmt.Fprintf(w, "CORRECT\t%t\n", *resp.IsCorrect)
		}
		fmt.Fprintf(w, "UPLOADED\t%s\n", resp.UploadedAt.Format("2006-01-02 15:04:05"))
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	resultCmd.Flags().StringVar(&saveImagePath, "save-image", "", "Write the original image to this path")
	resultCmd.Flags().BoolVar(&showImage, "with-image", false, "Include the base64 image in JSON output")
	rootCmd.AddCommand(resultCmd)
}
