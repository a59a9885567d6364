package cvat

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFiles(t *testing.T, dir string, names map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func zipEntries(t *testing.T, zipPath string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer zr.Close()

	entries := make(map[string]string)
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		entries[zf.Name] = string(data)
	}
	return entries
}

func TestPackImagesLayout(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.jpg":     "img-a",
		"b.PNG":     "img-b",
		"notes.txt": "not an image",
	})

	zipPath, count, err := PackImages(dir, "3", "2025-1-4")
	if err != nil {
		t.Fatalf("PackImages returned error: %v", err)
	}
	defer os.Remove(zipPath)

	if count != 2 {
		t.Fatalf("image count = %d, want 2", count)
	}
	entries := zipEntries(t, zipPath)
	if entries["3/2025-1-4/images/a.jpg"] != "img-a" {
		t.Errorf("a.jpg missing or wrong: %v", entries)
	}
	if _, ok := entries["3/2025-1-4/images/b.PNG"]; !ok {
		t.Errorf("uppercase extension was skipped")
	}
	if _, ok := entries["3/2025-1-4/images/notes.txt"]; ok {
		t.Errorf("non-image leaked into the archive")
	}
}

func TestPackImagesFailsWhenEmpty(t *testing.T) {
	if _, _, err := PackImages(t.TempDir(), "3", "2025-1-4"); err == nil {
		t.Fatal("expected error for an empty directory")
	}
}

func TestPackYOLOBundle(t *testing.T) {
	imagesDir := t.TempDir()
	labelsDir := t.TempDir()
	writeFiles(t, imagesDir, map[string]string{"a.jpg": "img-a", "b.jpg": "img-b"})
	// Only a.jpg has detections; b.jpg legitimately has no label file here.
	writeFiles(t, labelsDir, map[string]string{"a.txt": "0 0.5 0.5 0.1 0.1\n"})

	zipPath, err := PackYOLO(imagesDir, labelsDir, DefaultClassNames, "3", "2025-1-4")
	if err != nil {
		t.Fatalf("PackYOLO returned error: %v", err)
	}
	defer os.Remove(zipPath)

	entries := zipEntries(t, zipPath)
	if _, ok := entries["obj_train_data/3/2025-1-4/images/a.jpg"]; !ok {
		t.Errorf("image entry missing: %v", entries)
	}
	if entries["obj_train_data/3/2025-1-4/images/a.txt"] != "0 0.5 0.5 0.1 0.1\n" {
		t.Errorf("label entry missing or wrong")
	}
	if _, ok := entries["obj_train_data/3/2025-1-4/images/b.txt"]; ok {
		t.Errorf("unexpected label for unannotated image")
	}

	names := strings.Split(strings.TrimSpace(entries["obj.names"]), "\n")
	if len(names) != len(DefaultClassNames) || names[0] != "plastic bottle" {
		t.Errorf("obj.names content wrong: %v", names)
	}
	if !strings.Contains(entries["obj.data"], "classes = 18") {
		t.Errorf("obj.data content wrong: %q", entries["obj.data"])
	}
	train := strings.Split(strings.TrimSpace(entries["train.txt"]), "\n")
	if len(train) != 2 || train[0] != "obj_train_data/3/2025-1-4/images/a.jpg" {
		t.Errorf("train.txt content wrong: %v", train)
	}
}

func TestPackYOLOFailsWithoutImages(t *testing.T) {
	if _, err := PackYOLO(t.TempDir(), t.TempDir(), DefaultClassNames, "3", "2025-1-4"); err == nil {
		t.Fatal("expected error for an empty image directory")
	}
}

func TestUnzipRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	writeFiles(t, srcDir, map[string]string{"a.jpg": "img-a"})

	zipPath, _, err := PackImages(srcDir, "3", "2025-1-4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(zipPath)

	destDir := t.TempDir()
	if err := Unzip(zipPath, destDir); err != nil {
		t.Fatalf("Unzip returned error: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(destDir, "3", "2025-1-4", "images", "a.jpg"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(content) != "img-a" {
		t.Errorf("extracted content = %q", content)
	}
}

func TestUnzipRejectsEscapingEntries(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("nope"))
	zw.Close()
	f.Close()

	if err := Unzip(zipPath, t.TempDir()); err == nil {
		t.Fatal("expected error for a path-traversal entry")
	}
}
