package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/analyzer"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image-file>...",
	Short: "Runs the analyzer directly on local images, bypassing the pipeline",
	Long:  `Posts each image to the analyzer with the long batch timeout (ANALYZER_BATCH_TIMEOUT). Nothing is stored.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		client := analyzer.NewClient(cfg.Analyzer, cfg.Analyzer.BatchTimeout)

		type row struct {
			File       string   `json:"file"`
			Age        float64  `json:"age,omitempty"`
			Gender     string   `json:"gender,omitempty"`
			Confidence *float64 `json:"confidence,omitempty"`
			Elapsed    string   `json:"elapsed"`
			Error      string   `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(args))
		failed := 0
		for _, path := range args {
			r := row{File: path}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			start := time.Now()
			analysis, err := client.Analyze(cmd.Context(), filepath.Base(path), data)
			r.Elapsed = time.Since(start).Round(time.Millisecond).String()
			if err != nil {
				logger.Warn("Analysis failed", zap.String("file", path), zap.Error(err))
				r.Error = err.Error()
				failed++
			} else {
				r.Age, r.Gender, r.Confidence = analysis.Age, analysis.Gender, analysis.Confidence
			}
			rows = append(rows, r)
		}

		if outputJSON {
			if err := printJSON(rows); err != nil {
				return err
			}
		} else {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "FILE\tAGE\tGENDER\tELAPSED\tERROR")
			for _, r := range rows {
				age, gender, errText := "-", "-", "-"
				if r.Error == "" {
					age = fmt.Sprintf("%.1f", r.Age)
					if r.Gender != "" {
						gender = r.Gender
					}
				} else {
					errText = r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.File, age, gender, r.Elapsed, errText)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d analyses failed", failed, len(args))
		}
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(analyzeCmd)
}
