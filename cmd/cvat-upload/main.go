// cvat-upload executes on the GPU instance after inference finishes. For
// each folder it stages images and machine labels from the mounted bucket
// and uploads them into a new review task on the annotation platform.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BenioffOceanInitiative/TrashWheel/internal/cvat"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/gcp"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/models"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Upload script failed unexpectedly", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var mountPath string

	cmd := &cobra.Command{
		Use:   "cvat-upload FOLDERS",
		Short: "Upload images and machine labels from the mounted bucket to review tasks",
		Long: "FOLDERS is a JSON-encoded list of bucket folder paths, e.g. '[\"1/2023-1-1/\"]'. " +
			"Platform credentials are read from CVAT_USERNAME and CVAT_PASSWORD.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var folders []string
			if err := json.Unmarshal([]byte(args[0]), &folders); err != nil {
				return fmt.Errorf("failed to parse folder list: %w", err)
			}

			client, err := cvat.NewClient(cmd.Context(), cvat.Config{
				Username: gcp.GetEnv("CVAT_USERNAME", ""),
				Password: gcp.GetEnv("CVAT_PASSWORD", ""),
			})
			if err != nil {
				return err
			}
			uploader := services.NewUploader(client, mountPath)

			var failures int
			for _, folder := range folders {
				key, err := models.ParseFolderKey(folder)
				if err != nil {
					return err
				}
				if err := uploader.Process(cmd.Context(), key); err != nil {
					slog.Error("Upload failed", "device", key.DeviceID, "date", key.Date, "error", err)
					failures++
					continue
				}
				slog.Info("Upload succeeded", "device", key.DeviceID, "date", key.Date)
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d folders failed to upload", failures, len(folders))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mountPath, "mount", "/trashwheel", "local mount point of the bucket")
	return cmd
}
