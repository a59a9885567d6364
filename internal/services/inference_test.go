package services

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLatestModelPrefixPicksNumericMax(t *testing.T) {
	names := []string{
		"models/production/model_v1/weights/best.pt",
		"models/production/model_v9/weights/best.pt",
		"models/production/model_v10/weights/best.pt",
		"models/production/model_v2/config.yaml",
	}
	got, err := latestModelPrefix(names, "models/production/")
	if err != nil {
		t.Fatalf("latestModelPrefix returned error: %v", err)
	}
	// model_v9 sorts after model_v10 lexically; the numeric max must win.
	if got != "models/production/model_v10/" {
		t.Fatalf("latestModelPrefix = %q, want models/production/model_v10/", got)
	}
}

func TestLatestModelPrefixIgnoresUnrelatedObjects(t *testing.T) {
	names := []string{
		"models/production/readme.md",
		"models/production/model_v3/weights/best.pt",
	}
	got, err := latestModelPrefix(names, "models/production/")
	if err != nil {
		t.Fatalf("latestModelPrefix returned error: %v", err)
	}
	if got != "models/production/model_v3/" {
		t.Fatalf("latestModelPrefix = %q", got)
	}
}

func TestLatestModelPrefixFailsWithoutVersions(t *testing.T) {
	if _, err := latestModelPrefix([]string{"models/production/notes.txt"}, "models/production/"); err == nil {
		t.Fatal("expected error when no model versions exist")
	}
}

func TestEnsureLabelFilesCreatesEmptyLabels(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	for _, name := range []string{"a.jpg", "b.JPG", "c.png"} {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Detection produced a label for a.jpg only.
	if err := os.WriteFile(filepath.Join(outputDir, "a.txt"), []byte("0 0.5 0.5 0.1 0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ensureLabelFiles(inputDir, outputDir); err != nil {
		t.Fatalf("ensureLabelFiles returned error: %v", err)
	}

	for _, stem := range []string{"a", "b", "c"} {
		info, err := os.Stat(filepath.Join(outputDir, stem+".txt"))
		if err != nil {
			t.Fatalf("missing label file for %s: %v", stem, err)
		}
		if stem != "a" && info.Size() != 0 {
			t.Errorf("label for %s should be empty, has %d bytes", stem, info.Size())
		}
	}

	// The populated label must survive untouched.
	content, err := os.ReadFile(filepath.Join(outputDir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "0 0.5 0.5 0.1 0.1\n" {
		t.Errorf("existing label was modified: %q", content)
	}
}

func TestEnsureLabelFilesSkipsNonImages(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(inputDir, "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureLabelFiles(inputDir, outputDir); err != nil {
		t.Fatalf("ensureLabelFiles returned error: %v", err)
	}
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no label files, got %d", len(entries))
	}
}
