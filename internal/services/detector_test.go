package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestYOLODetectorBuildArgs(t *testing.T) {
	d := NewYOLODetector()
	args := d.buildArgs("/tmp/weights/best.pt", "/tmp/input")

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"predict",
		"model=/tmp/weights/best.pt",
		"source=/tmp/input",
		"save_txt=True",
		"imgsz=640",
		"conf=0.25",
		"batch=16",
		"device=0",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
}

func TestYOLODetectorCollectsLabels(t *testing.T) {
	workDir := t.TempDir()
	inputDir := filepath.Join(workDir, "input_images")
	outputDir := filepath.Join(workDir, "annotated_images")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	d := NewYOLODetector()
	var gotName string
	var gotArgs []string
	d.WithRunner(func(ctx context.Context, dir, name string, args ...string) error {
		gotName = name
		gotArgs = args
		// Simulate the CLI writing labels under runs/detect/predict/labels
		// relative to the working directory.
		labelsDir := filepath.Join(dir, "runs", "detect", "predict", "labels")
		if err := os.MkdirAll(labelsDir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(labelsDir, "a.txt"), []byte("0 0.1 0.1 0.2 0.2\n"), 0o644)
	})

	if err := d.Detect(context.Background(), "best.pt", inputDir, outputDir); err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}

	if gotName != "yolo" {
		t.Errorf("expected the yolo binary, got %q", gotName)
	}
	if len(gotArgs) == 0 || gotArgs[0] != "predict" {
		t.Errorf("unexpected args: %v", gotArgs)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "a.txt")); err != nil {
		t.Fatalf("label file was not collected: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "runs")); !os.IsNotExist(err) {
		t.Fatal("predict directory was not cleared")
	}
}

func TestYOLODetectorPropagatesRunnerErrors(t *testing.T) {
	workDir := t.TempDir()
	inputDir := filepath.Join(workDir, "input_images")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		t.Fatal(err)
	}

	d := NewYOLODetector()
	d.WithRunner(func(ctx context.Context, dir, name string, args ...string) error {
		return os.ErrPermission
	})
	if err := d.Detect(context.Background(), "best.pt", inputDir, workDir); err == nil {
		t.Fatal("expected error from failing runner")
	}
}
