package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"

	"github.com/BenioffOceanInitiative/TrashWheel/internal/gcp"
)

// InferenceConfig holds the knobs for a VM inference run.
type InferenceConfig struct {
	Bucket      string
	ModelPrefix string
	BatchSize   int
	Workers     int
}

// DefaultInferenceConfig mirrors the production run parameters: batches
// sized for the GPU, eight transfer workers to overlap network I/O.
func DefaultInferenceConfig(bucket string) InferenceConfig {
	return InferenceConfig{
		Bucket:      bucket,
		ModelPrefix: "models/production/",
		BatchSize:   16,
		Workers:     8,
	}
}

// InferenceRunner downloads the latest production model, runs detection over
// a folder's images in batches, and uploads the resulting label files.
type InferenceRunner struct {
	storageClient *storage.Client
	detector      Detector
	config        InferenceConfig
}

// NewInferenceRunner creates a runner against the given detector.
func NewInferenceRunner(ctx context.Context, config InferenceConfig, detector Detector) (*InferenceRunner, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket must be set")
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &InferenceRunner{
		storageClient: storageClient,
		detector:      detector,
		config:        config,
	}, nil
}

var modelVersionRe = regexp.MustCompile(`model_v(\d+)/`)

// LatestModelVersion returns the bucket prefix of the highest-numbered
// model_vN directory under the production model prefix. No published model
// is fatal for the run.
func (r *InferenceRunner) LatestModelVersion(ctx context.Context) (string, error) {
	names, err := gcp.ListObjectNames(ctx, r.storageClient.Bucket(r.config.Bucket), r.config.ModelPrefix)
	if err != nil {
		return "", err
	}
	return latestModelPrefix(names, r.config.ModelPrefix)
}

// latestModelPrefix picks the numerically highest model_vN from a listing,
// so model_v10 beats model_v9.
func latestModelPrefix(objectNames []string, modelPrefix string) (string, error) {
	best := -1
	for _, name := range objectNames {
		m := modelVersionRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if version > best {
			best = version
		}
	}
	if best < 0 {
		return "", fmt.Errorf("no model versions found under %s", modelPrefix)
	}
	return fmt.Sprintf("%smodel_v%d/", modelPrefix, best), nil
}

// Run executes the full inference workflow for one folder: fetch model,
// batch-download images, detect, guarantee a label file per image, upload
// labels to auto-annotations/. Any mid-batch failure aborts the run.
func (r *InferenceRunner) Run(ctx context.Context, folderPath string) error {
	bucket := r.storageClient.Bucket(r.config.Bucket)
	logCtx := slog.With("folder", folderPath)

	modelPrefix, err := r.LatestModelVersion(ctx)
	if err != nil {
		return err
	}
	logCtx.Info("Found latest production model.", "modelPrefix", modelPrefix)

	tmpDir, err := os.MkdirTemp("", "inference")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := gcp.DownloadPrefix(ctx, bucket, modelPrefix, tmpDir); err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	weightsPath := filepath.Join(tmpDir, "weights", "best.pt")
	if _, err := os.Stat(weightsPath); err != nil {
		return fmt.Errorf("model weights missing at %s: %w", weightsPath, err)
	}

	imagesPrefix := folderPath + "images/"
	annotatedPrefix := folderPath + "auto-annotations/"

	names, err := gcp.ListObjectNames(ctx, bucket, imagesPrefix)
	if err != nil {
		return err
	}
	var imagePaths []string
	for _, name := range names {
		if isSupportedImage(name) {
			imagePaths = append(imagePaths, name)
		}
	}
	logCtx.Info("Listed images for inference.", "count", len(imagePaths))
	if len(imagePaths) == 0 {
		logCtx.Warn("No images found to process.")
		return nil
	}

	inputDir := filepath.Join(tmpDir, "input_images")
	outputDir := filepath.Join(tmpDir, "annotated_images")

	for start := 0; start < len(imagePaths); start += r.config.BatchSize {
		end := min(start+r.config.BatchSize, len(imagePaths))
		batch := imagePaths[start:end]
		logCtx.Info("Processing batch.", "batch", start/r.config.BatchSize+1, "images", len(batch))

		if err := resetDirs(inputDir, outputDir); err != nil {
			return err
		}
		if err := r.downloadBatch(ctx, bucket, batch, inputDir); err != nil {
			return err
		}
		if err := r.detector.Detect(ctx, weightsPath, inputDir, outputDir); err != nil {
			return err
		}
		if err := ensureLabelFiles(inputDir, outputDir); err != nil {
			return err
		}
		if err := r.uploadLabels(ctx, bucket, outputDir, annotatedPrefix); err != nil {
			return err
		}
	}

	logCtx.Info("Inference and upload completed.")
	return nil
}

// downloadBatch pulls a batch of images concurrently through the bounded
// worker pool.
func (r *InferenceRunner) downloadBatch(ctx context.Context, bucket *storage.BucketHandle, batch []string, inputDir string) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.config.Workers)
	for _, objectName := range batch {
		eg.Go(func() error {
			dest := filepath.Join(inputDir, filepath.Base(objectName))
			return gcp.DownloadObject(gctx, bucket, objectName, dest)
		})
	}
	return eg.Wait()
}

// uploadLabels pushes every label file in outputDir to the annotated prefix
// concurrently.
func (r *InferenceRunner) uploadLabels(ctx context.Context, bucket *storage.BucketHandle, outputDir, annotatedPrefix string) error {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return fmt.Errorf("failed to read label directory: %w", err)
	}
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.config.Workers)
	var count int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		count++
		eg.Go(func() error {
			return gcp.UploadFile(gctx, bucket, filepath.Join(outputDir, name), annotatedPrefix+name)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	slog.Info("Uploaded label files.", "count", count, "prefix", annotatedPrefix)
	return nil
}

// ensureLabelFiles creates an empty .txt for every image in inputDir that
// detection produced no label for, so "no objects" is recorded explicitly
// rather than as missing data.
func ensureLabelFiles(inputDir, outputDir string) error {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return fmt.Errorf("failed to read input directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSupportedImage(entry.Name()) {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		labelPath := filepath.Join(outputDir, stem+".txt")
		if _, err := os.Stat(labelPath); os.IsNotExist(err) {
			f, err := os.Create(labelPath)
			if err != nil {
				return fmt.Errorf("failed to create empty label %s: %w", labelPath, err)
			}
			f.Close()
		}
	}
	return nil
}

// isSupportedImage matches the dispatch-side extension set.
func isSupportedImage(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	return supportedImageFormats[ext]
}

// resetDirs clears and recreates the batch work directories.
func resetDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
