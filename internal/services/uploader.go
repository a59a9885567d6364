package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BenioffOceanInitiative/TrashWheel/internal/cvat"
	"github.com/BenioffOceanInitiative/TrashWheel/internal/models"
)

// taskClient is the slice of the CVAT client the uploader drives.
type taskClient interface {
	CreateTask(ctx context.Context, name string) (cvat.Task, error)
	UploadImages(ctx context.Context, taskID int, zipPath string) error
	UploadAnnotations(ctx context.Context, taskID int, zipPath string) error
}

// UploaderFunction stages a folder's images and machine labels out of the
// mounted bucket, packages them, and pushes them onto a new review task.
type UploaderFunction struct {
	client     taskClient
	mountPath  string
	classNames []string
}

// NewUploader creates an uploader reading from the bucket mount path.
func NewUploader(client taskClient, mountPath string) *UploaderFunction {
	if mountPath == "" {
		mountPath = "/trashwheel"
	}
	return &UploaderFunction{
		client:     client,
		mountPath:  mountPath,
		classNames: cvat.DefaultClassNames,
	}
}

// Process uploads one (device, date) folder for human review: create the
// task, upload the image archive, then upload the label archive. Temporary
// staging is cleaned up regardless of outcome.
func (f *UploaderFunction) Process(ctx context.Context, key models.FolderKey) error {
	logCtx := slog.With("device", key.DeviceID, "date", key.Date)

	tempDir, err := os.MkdirTemp("", fmt.Sprintf("cvat_%s_%s_", key.DeviceID, key.Date))
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	imagesDir := filepath.Join(tempDir, "images")
	labelsDir := filepath.Join(tempDir, "labels")
	if err := f.stage(key, imagesDir, labelsDir); err != nil {
		return err
	}

	task, err := f.client.CreateTask(ctx, key.TaskName())
	if err != nil {
		return err
	}

	imageZip, count, err := cvat.PackImages(imagesDir, key.DeviceID, key.Date)
	if err != nil {
		return err
	}
	defer os.Remove(imageZip)
	logCtx.Info("Uploading image archive.", "taskId", task.ID, "images", count)
	if err := f.client.UploadImages(ctx, task.ID, imageZip); err != nil {
		return err
	}

	labelZip, err := cvat.PackYOLO(imagesDir, labelsDir, f.classNames, key.DeviceID, key.Date)
	if err != nil {
		return err
	}
	defer os.Remove(labelZip)
	logCtx.Info("Uploading annotation archive.", "taskId", task.ID)
	if err := f.client.UploadAnnotations(ctx, task.ID, labelZip); err != nil {
		return err
	}

	logCtx.Info("Upload complete.", "taskName", key.TaskName())
	return nil
}

// stage copies the folder's images and auto-annotations from the mounted
// bucket into local staging directories. An empty source on either side is
// an error: a folder reaches this stage only after inference wrote labels.
func (f *UploaderFunction) stage(key models.FolderKey, imagesDir, labelsDir string) error {
	imagesSrc := filepath.Join(f.mountPath, key.DeviceID, key.Date, "images")
	labelsSrc := filepath.Join(f.mountPath, key.DeviceID, key.Date, "auto-annotations")

	imageCount, err := copyMatching(imagesSrc, imagesDir, isStageImage)
	if err != nil {
		return err
	}
	if imageCount == 0 {
		return fmt.Errorf("no images found in %s", imagesSrc)
	}

	labelCount, err := copyMatching(labelsSrc, labelsDir, func(name string) bool {
		return strings.EqualFold(filepath.Ext(name), ".txt")
	})
	if err != nil {
		return err
	}
	if labelCount == 0 {
		return fmt.Errorf("no annotations found in %s", labelsSrc)
	}

	slog.Info("Staged folder data.", "images", imageCount, "labels", labelCount)
	return nil
}

func isStageImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// copyMatching copies the files in src that match the predicate into dest,
// returning how many were copied.
func copyMatching(src, dest string, match func(string) bool) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, fmt.Errorf("source directory not found at %s: %w", src, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	var count int
	for _, entry := range entries {
		if entry.IsDir() || !match(entry.Name()) {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
