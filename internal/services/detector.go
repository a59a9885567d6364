package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Detector runs object detection over a directory of images, leaving one
// YOLO-format .txt per detected image in outputDir.
type Detector interface {
	Detect(ctx context.Context, weightsPath, inputDir, outputDir string) error
}

// YOLODetector shells out to the ultralytics `yolo` CLI installed on the GPU
// VM. Detection parameters are fixed per run; the model itself is external
// to this pipeline.
type YOLODetector struct {
	Binary     string
	Confidence float64
	ImageSize  int
	BatchSize  int

	// runner is swappable for tests.
	runner func(ctx context.Context, dir, name string, args ...string) error
}

// NewYOLODetector returns a detector with the production defaults: the
// stock confidence threshold, 640px inputs, and GPU batches of 16.
func NewYOLODetector() *YOLODetector {
	return &YOLODetector{
		Binary:     "yolo",
		Confidence: 0.25,
		ImageSize:  640,
		BatchSize:  16,
	}
}

// WithRunner sets a custom command runner (for testing).
func (d *YOLODetector) WithRunner(runner func(ctx context.Context, dir, name string, args ...string) error) {
	d.runner = runner
}

// Detect runs `yolo predict` over inputDir and moves the produced label
// files into outputDir. The CLI writes labels under runs/detect/predict/
// relative to its working directory; that tree is removed after harvesting
// so the next batch starts clean.
func (d *YOLODetector) Detect(ctx context.Context, weightsPath, inputDir, outputDir string) error {
	workDir := filepath.Dir(inputDir)
	args := d.buildArgs(weightsPath, inputDir)

	if err := d.run(ctx, workDir, d.Binary, args...); err != nil {
		return fmt.Errorf("yolo predict failed: %w", err)
	}

	predictDir := filepath.Join(workDir, "runs", "detect", "predict")
	labelsDir := filepath.Join(predictDir, "labels")
	if entries, err := os.ReadDir(labelsDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".txt" {
				continue
			}
			src := filepath.Join(labelsDir, entry.Name())
			dst := filepath.Join(outputDir, entry.Name())
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("failed to collect label file %s: %w", entry.Name(), err)
			}
		}
	}
	if err := os.RemoveAll(filepath.Join(workDir, "runs")); err != nil {
		return fmt.Errorf("failed to clear predict directory: %w", err)
	}
	return nil
}

func (d *YOLODetector) buildArgs(weightsPath, inputDir string) []string {
	return []string{
		"predict",
		"model=" + weightsPath,
		"source=" + inputDir,
		"save_txt=True",
		fmt.Sprintf("imgsz=%d", d.ImageSize),
		fmt.Sprintf("conf=%g", d.Confidence),
		fmt.Sprintf("batch=%d", d.BatchSize),
		"device=0",
	}
}

func (d *YOLODetector) run(ctx context.Context, dir, name string, args ...string) error {
	if d.runner != nil {
		return d.runner(ctx, dir, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
