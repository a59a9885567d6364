package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/gcp"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/models"
)

// supportedImageFormats are the extensions the detection model accepts.
// Anything else under images/ means the day's upload is still in flight or
// malformed, and the folder is skipped.
var supportedImageFormats = map[string]bool{
	"bmp": true, "dng": true, "jpeg": true, "jpg": true, "mpo": true,
	"png": true, "tif": true, "tiff": true, "webp": true, "pfm": true,
	"heic": true,
}

// DispatcherConfig holds configuration for the scan-and-dispatch function.
type DispatcherConfig struct {
	Bucket      string
	TrashWheels []string
	VM          gcp.VMConfig
}

// DispatcherFunction scans the bucket for yesterday's un-inferred image
// folders and provisions the inference VM for them.
type DispatcherFunction struct {
	config DispatcherConfig

	// listObjects, startVM, and now are swappable for tests.
	listObjects func(ctx context.Context, prefix string) ([]string, error)
	startVM     func(ctx context.Context, cfg gcp.VMConfig, folders []string, date string) error
	now         func() time.Time
}

// NewDispatcher creates a DispatcherFunction from the environment.
func NewDispatcher(ctx context.Context) (*DispatcherFunction, error) {
	bucket := gcp.GetEnv("BUCKET_NAME", "")
	if bucket == "" {
		return nil, fmt.Errorf("BUCKET_NAME environment variable must be set")
	}
	templateName := gcp.GetEnv("INSTANCE_TEMPLATE_NAME", "")
	if templateName == "" {
		return nil, fmt.Errorf("INSTANCE_TEMPLATE_NAME environment variable must be set")
	}
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	var wheels []string
	if err := json.Unmarshal([]byte(gcp.GetEnv("TRASH_WHEELS", `["1", "2", "3", "4", "5"]`)), &wheels); err != nil {
		return nil, fmt.Errorf("failed to parse TRASH_WHEELS: %w", err)
	}

	config := DispatcherConfig{
		Bucket:      bucket,
		TrashWheels: wheels,
		VM: gcp.VMConfig{
			ProjectID:    projectID,
			Zone:         gcp.GetEnv("ZONE", "us-central1-a"),
			TemplateName: templateName,
			CVATUsername: gcp.GetEnv("CVAT_USERNAME", ""),
			CVATPassword: gcp.GetEnv("CVAT_PASSWORD", ""),
		},
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	bucketHandle := storageClient.Bucket(config.Bucket)

	return &DispatcherFunction{
		config: config,
		listObjects: func(ctx context.Context, prefix string) ([]string, error) {
			return gcp.ListObjectNames(ctx, bucketHandle, prefix)
		},
		startVM: gcp.StartInferenceVM,
		now:     time.Now,
	}, nil
}

// Process scans each device's folder for yesterday's date and, when any
// eligible folders are found, provisions a single inference VM carrying the
// full list. Repeated invocations before inference output appears will
// requeue the same folders; label uploads are idempotent so this is
// harmless at the once-daily cadence.
func (f *DispatcherFunction) Process(ctx context.Context) (*models.DispatchResponse, error) {
	// Yesterday, without zero padding, matching the bucket's folder names.
	yesterday := f.now().AddDate(0, 0, -1).Format("2006-1-2")

	var eligible []string
	for _, wheel := range f.config.TrashWheels {
		key := models.FolderKey{DeviceID: wheel, Date: yesterday}
		logCtx := slog.With("device", wheel, "date", yesterday)
		logCtx.Info("Scanning folder.", "path", key.String())

		imageNames, err := f.listObjects(ctx, key.ImagesPrefix())
		if err != nil {
			return nil, err
		}
		autoNames, err := f.listObjects(ctx, key.AutoAnnotationsPrefix())
		if err != nil {
			return nil, err
		}

		ok, reason := folderEligible(imageNames, autoNames, key.AutoAnnotationsPrefix())
		if !ok {
			logCtx.Info("Skipping folder.", "reason", reason)
			continue
		}
		eligible = append(eligible, key.String())
	}

	if len(eligible) == 0 {
		slog.Info("No folders eligible for inference.", "date", yesterday)
		return &models.DispatchResponse{Status: "no_work", Date: yesterday}, nil
	}

	slog.Info("Dispatching inference VM.", "date", yesterday, "folders", eligible)
	if err := f.startVM(ctx, f.config.VM, eligible, yesterday); err != nil {
		return nil, fmt.Errorf("failed to start inference VM: %w", err)
	}

	return &models.DispatchResponse{Status: "dispatched", Date: yesterday, EligibleFolders: eligible}, nil
}

// folderEligible decides whether a folder should be queued for inference
// given the object names under its images/ and auto-annotations/ prefixes.
// A folder qualifies when it has at least one image, every image is a
// supported format, and no inference output exists yet. A bare
// auto-annotations/ placeholder object does not count as output.
func folderEligible(imageNames, autoNames []string, autoPrefix string) (bool, string) {
	if len(imageNames) == 0 {
		return false, "no files found"
	}
	for _, name := range imageNames {
		ext := name[strings.LastIndex(name, ".")+1:]
		if !supportedImageFormats[strings.ToLower(ext)] {
			return false, fmt.Sprintf("unsupported file format: %s", name)
		}
	}
	for _, name := range autoNames {
		if name != autoPrefix {
			return false, "auto-annotations already present"
		}
	}
	return true, ""
}
