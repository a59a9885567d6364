// inference-runner executes on the GPU instance the dispatch function
// provisions. It takes the JSON-encoded folder list injected via instance
// metadata as its sole positional argument and runs detection over each
// folder in turn.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BenioffOceanInitiative/TrashWheel/internal/gcp"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Inference script failed unexpectedly", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		bucket      string
		modelPrefix string
		batchSize   int
		workers     int
		confidence  float64
		imageSize   int
	)

	cmd := &cobra.Command{
		Use:   "inference-runner FOLDERS",
		Short: "Run object detection over bucket image folders and upload label files",
		Long: "FOLDERS is a JSON-encoded list of bucket folder paths containing an images/ " +
			"prefix, e.g. '[\"1/2023-1-1/\"]'.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var folders []string
			if err := json.Unmarshal([]byte(args[0]), &folders); err != nil {
				return fmt.Errorf("failed to parse folder list: %w", err)
			}

			detector := services.NewYOLODetector()
			detector.Confidence = confidence
			detector.ImageSize = imageSize
			detector.BatchSize = batchSize

			config := services.DefaultInferenceConfig(bucket)
			config.ModelPrefix = modelPrefix
			config.BatchSize = batchSize
			config.Workers = workers

			runner, err := services.NewInferenceRunner(cmd.Context(), config, detector)
			if err != nil {
				return err
			}

			slog.Info("Inference script started", "folders", folders)
			for _, folder := range folders {
				if err := runner.Run(cmd.Context(), folder); err != nil {
					return fmt.Errorf("inference failed for %s: %w", folder, err)
				}
			}
			slog.Info("Inference script succeeded", "folders", folders)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", gcp.GetEnv("BUCKET_NAME", "trashwheel"), "bucket holding images and model weights")
	cmd.Flags().StringVar(&modelPrefix, "model-prefix", "models/production/", "bucket prefix holding published model versions")
	cmd.Flags().IntVar(&batchSize, "batch-size", 16, "images per inference batch")
	cmd.Flags().IntVar(&workers, "workers", 8, "concurrent transfer workers")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.25, "detection confidence threshold")
	cmd.Flags().IntVar(&imageSize, "imgsz", 640, "model input resolution")
	return cmd
}
