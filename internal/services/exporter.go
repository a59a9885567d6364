package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/cvat"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/gcp"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/models"
)

// DefaultManifestPath is where the pipeline records which folders the export
// function has already handled.
const DefaultManifestPath = "scripts/cloud_functions/downloaded_cvat_annotations_manifest.json"

// exportClient is the slice of the CVAT client the exporter drives.
type exportClient interface {
	CompletedTasks(ctx context.Context, forceRefresh bool) ([]cvat.Task, error)
	CompletedTaskByName(ctx context.Context, name string) (cvat.Task, error)
	ExportAnnotations(ctx context.Context, task cvat.Task, deviceID, date string) error
}

// ExporterConfig holds configuration for the export-and-download function.
type ExporterConfig struct {
	Bucket       string
	TrashWheels  []string
	ManifestPath string

	// ZipPollInterval/ZipWaitTimeout bound the wait for the platform's
	// export archive to land in the bucket.
	ZipPollInterval time.Duration
	ZipWaitTimeout  time.Duration

	// PauseBetweenFolders spaces out candidate processing so the platform
	// isn't hammered with back-to-back exports.
	PauseBetweenFolders time.Duration
}

// ExporterFunction finds folders whose human review finished, exports the
// corrected annotations, unpacks the delivered archive into the bucket, and
// records every outcome in the manifest.
type ExporterFunction struct {
	storageClient *storage.Client
	client        exportClient
	config        ExporterConfig
}

// NewExporter creates an ExporterFunction from the environment. CVAT
// authentication happens here; bad credentials fail the invocation before
// any folder is touched.
func NewExporter(ctx context.Context) (*ExporterFunction, error) {
	bucket := gcp.GetEnv("BUCKET_NAME", "")
	if bucket == "" {
		return nil, fmt.Errorf("BUCKET_NAME environment variable must be set")
	}
	var wheels []string
	if err := json.Unmarshal([]byte(gcp.GetEnv("TRASH_WHEELS", `["1", "2", "3"]`)), &wheels); err != nil {
		return nil, fmt.Errorf("failed to parse TRASH_WHEELS: %w", err)
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	client, err := cvat.NewClient(ctx, cvat.Config{
		Username: gcp.GetEnv("CVAT_USERNAME", ""),
		Password: gcp.GetEnv("CVAT_PASSWORD", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create CVAT client: %w", err)
	}

	return &ExporterFunction{
		storageClient: storageClient,
		client:        client,
		config: ExporterConfig{
			Bucket:              bucket,
			TrashWheels:         wheels,
			ManifestPath:        DefaultManifestPath,
			ZipPollInterval:     10 * time.Second,
			ZipWaitTimeout:      5 * time.Minute,
			PauseBetweenFolders: 5 * time.Second,
		},
	}, nil
}

// Process walks every device's date folders and exports each candidate:
// auto-annotations present, human annotations absent, not yet recorded as
// completed. Per-folder failures are recorded and processing continues.
func (f *ExporterFunction) Process(ctx context.Context) (*models.ExportResponse, error) {
	bucket := f.storageClient.Bucket(f.config.Bucket)

	manifest, generation, err := f.loadManifest(ctx, bucket)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded manifest.", "entries", manifest.Count())

	var results []models.ExportResult
	refreshedTasks := false

	for _, deviceID := range f.config.TrashWheels {
		dates, err := gcp.ListDateFolders(ctx, bucket, deviceID)
		if err != nil {
			return nil, err
		}
		for _, date := range dates {
			key := models.FolderKey{DeviceID: deviceID, Date: date}
			logCtx := slog.With("device", deviceID, "date", date)

			if manifest.Completed(deviceID, date) {
				logCtx.Info("Skipping already processed folder.")
				continue
			}

			candidate, err := f.isExportCandidate(ctx, bucket, key)
			if err != nil {
				return nil, err
			}
			if !candidate {
				continue
			}
			logCtx.Info("Found export candidate.")

			// One cache refresh per invocation picks up tasks completed
			// since the last run.
			if !refreshedTasks {
				if _, err := f.client.CompletedTasks(ctx, true); err != nil {
					return nil, err
				}
				refreshedTasks = true
			}

			status, procErr := f.processCandidate(ctx, bucket, key, logCtx)
			if err := f.recordOutcome(ctx, bucket, manifest, &generation, key, status); err != nil {
				logCtx.Error("Failed to update manifest.", "error", err)
			}
			results = append(results, newExportResult(key, status, procErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.config.PauseBetweenFolders):
			}
		}
	}

	return &models.ExportResponse{Status: "completed", ProcessedItems: results}, nil
}

// isExportCandidate checks the marker folders: inference output must exist
// and human annotations must not, meaning review finished but the export has
// not landed yet.
func (f *ExporterFunction) isExportCandidate(ctx context.Context, bucket *storage.BucketHandle, key models.FolderKey) (bool, error) {
	hasAuto, err := gcp.FolderExists(ctx, bucket, key.AutoAnnotationsPrefix())
	if err != nil {
		return false, err
	}
	hasAnnotations, err := gcp.FolderExists(ctx, bucket, key.AnnotationsPrefix())
	if err != nil {
		return false, err
	}
	return exportCandidate(hasAuto, hasAnnotations), nil
}

// exportCandidate is the candidacy rule: inference output present, human
// annotations absent. A folder carrying both is already exported and must
// never be picked up again.
func exportCandidate(hasAuto, hasAnnotations bool) bool {
	return hasAuto && !hasAnnotations
}

// processCandidate drives one folder through export, archive wait, and
// unpack, translating every distinguishable failure mode into its manifest
// status.
func (f *ExporterFunction) processCandidate(ctx context.Context, bucket *storage.BucketHandle, key models.FolderKey, logCtx *slog.Logger) (models.ManifestStatus, error) {
	if err := f.export(ctx, key); err != nil {
		logCtx.Error("Export failed.", "error", err)
		return models.StatusExportFailed, err
	}

	arrived, err := f.waitForArchive(ctx, bucket, key.ArchiveObject())
	if err != nil {
		logCtx.Error("Error while waiting for export archive.", "error", err)
		return models.StatusError, err
	}
	if !arrived {
		logCtx.Error("Timed out waiting for export archive.", "timeout", f.config.ZipWaitTimeout)
		return models.StatusTimeoutWaitingZip, fmt.Errorf("archive %s did not arrive within %s", key.ArchiveObject(), f.config.ZipWaitTimeout)
	}

	if err := f.processArchive(ctx, bucket, key); err != nil {
		logCtx.Error("Failed to process export archive.", "error", err)
		return models.StatusFailedZip, err
	}
	logCtx.Info("Folder export complete.")
	return models.StatusCompleted, nil
}

// newExportResult builds the per-folder entry for the HTTP response. The
// response vocabulary differs from the manifest's on two statuses, and
// failures carry their message so callers can see what went wrong without
// reading logs.
func newExportResult(key models.FolderKey, status models.ManifestStatus, err error) models.ExportResult {
	result := models.ExportResult{DeviceID: key.DeviceID, Date: key.Date, Status: string(status)}
	switch status {
	case models.StatusCompleted:
		result.Status = "success"
	case models.StatusFailedZip:
		result.Status = "zip_processing_error"
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// export looks up the folder's completed review task and triggers the
// platform-side export.
func (f *ExporterFunction) export(ctx context.Context, key models.FolderKey) error {
	task, err := f.client.CompletedTaskByName(ctx, key.TaskName())
	if err != nil {
		return err
	}
	return f.client.ExportAnnotations(ctx, task, key.DeviceID, key.Date)
}

// waitForArchive polls the bucket for the delivered archive until it appears
// or the wait times out. The timeout is reported via the return value, not
// an error, so it maps to its own manifest status.
func (f *ExporterFunction) waitForArchive(ctx context.Context, bucket *storage.BucketHandle, objectName string) (bool, error) {
	deadline := time.Now().Add(f.config.ZipWaitTimeout)
	for time.Now().Before(deadline) {
		exists, err := gcp.ObjectExists(ctx, bucket, objectName)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(f.config.ZipPollInterval):
		}
	}
	return false, nil
}

// processArchive downloads the delivered archive, extracts it, re-uploads
// every contained file under the folder's path, and deletes the archive.
func (f *ExporterFunction) processArchive(ctx context.Context, bucket *storage.BucketHandle, key models.FolderKey) error {
	tempDir, err := os.MkdirTemp("", "cvat_export")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	localZip := filepath.Join(tempDir, "annotations.zip")
	if err := gcp.DownloadObject(ctx, bucket, key.ArchiveObject(), localZip); err != nil {
		return err
	}
	if err := cvat.Unzip(localZip, tempDir); err != nil {
		return err
	}

	err = filepath.WalkDir(tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Name() == "annotations.zip" {
			return nil
		}
		rel, err := filepath.Rel(tempDir, path)
		if err != nil {
			return err
		}
		dest := key.String() + filepath.ToSlash(rel)
		slog.Info("Uploading extracted file.", "object", dest)
		return gcp.UploadFile(ctx, bucket, path, dest)
	})
	if err != nil {
		return fmt.Errorf("failed to upload extracted annotations: %w", err)
	}

	return gcp.DeleteObject(ctx, bucket, key.ArchiveObject())
}

// loadManifest reads the manifest, creating an empty one at the fixed path
// on first run.
func (f *ExporterFunction) loadManifest(ctx context.Context, bucket *storage.BucketHandle) (models.Manifest, int64, error) {
	manifest := models.Manifest{}
	generation, err := gcp.ReadJSONWithGeneration(ctx, bucket, f.config.ManifestPath, &manifest)
	if err != nil {
		return nil, 0, err
	}
	if generation == 0 {
		slog.Info("Manifest not found, creating a new one.", "path", f.config.ManifestPath)
		generation, err = gcp.WriteJSONIfGenerationMatch(ctx, bucket, f.config.ManifestPath, 0, manifest)
		if errors.Is(err, gcp.ErrPreconditionFailed) {
			// Another invocation created it first; pick up its contents.
			generation, err = gcp.ReadJSONWithGeneration(ctx, bucket, f.config.ManifestPath, &manifest)
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return manifest, generation, nil
}

// recordOutcome writes one manifest entry with a generation-matched write.
// A concurrent writer costs one reload-and-retry; a second collision gives
// up and reports the error.
func (f *ExporterFunction) recordOutcome(ctx context.Context, bucket *storage.BucketHandle, manifest models.Manifest, generation *int64, key models.FolderKey, status models.ManifestStatus) error {
	manifest.Set(key.DeviceID, key.Date, status, time.Now())

	newGen, err := gcp.WriteJSONIfGenerationMatch(ctx, bucket, f.config.ManifestPath, *generation, manifest)
	if errors.Is(err, gcp.ErrPreconditionFailed) {
		reloaded := models.Manifest{}
		gen, rerr := gcp.ReadJSONWithGeneration(ctx, bucket, f.config.ManifestPath, &reloaded)
		if rerr != nil {
			return rerr
		}
		reloaded.Set(key.DeviceID, key.Date, status, time.Now())
		newGen, err = gcp.WriteJSONIfGenerationMatch(ctx, bucket, f.config.ManifestPath, gen, reloaded)
		if err != nil {
			return err
		}
		// Adopt the merged view for the rest of the invocation.
		for device, dates := range reloaded {
			manifest[device] = dates
		}
		*generation = newGen
		return nil
	}
	if err != nil {
		return err
	}
	*generation = newGen
	return nil
}
