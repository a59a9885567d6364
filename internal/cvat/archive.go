package cvat

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
)

// DefaultClassNames is the trash taxonomy the detection model is trained on.
// Order matters: label files reference classes by index.
var DefaultClassNames = []string{
	"plastic bottle", "polystyrene container", "food wrapper",
	"polystyrene piece", "mini liquor bottle", "plastic bag",
	"plastic straw", "plastic toy", "ball", "plastic bottle cap",
	"plastic jug", "medicine bottle", "plastic cup", "plastic cup lid",
	"aluminum can", "plastic squeeze tube", "plastic container",
	"plastic utensil",
}

// isImageFile reports whether name is one of the formats CVAT accepts from
// this pipeline.
func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// newZipWriter wraps w in a zip writer with the faster deflate
// implementation registered.
func newZipWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	return zw
}

// PackImages builds a zip of every image in dir, laid out as
// {device}/{date}/images/<name> so CVAT preserves the bucket structure. It
// returns the archive path and the image count; zero images is an error.
func PackImages(dir, deviceID, date string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read image directory %s: %w", dir, err)
	}

	zipPath := filepath.Join(os.TempDir(), fmt.Sprintf("images_%s_%s.zip", deviceID, date))
	f, err := os.Create(zipPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive %s: %w", zipPath, err)
	}
	defer f.Close()
	zw := newZipWriter(f)

	var count int
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		entryName := fmt.Sprintf("%s/%s/images/%s", deviceID, date, entry.Name())
		if err := addFileToZip(zw, filepath.Join(dir, entry.Name()), entryName); err != nil {
			zw.Close()
			return "", 0, err
		}
		count++
	}
	if count == 0 {
		zw.Close()
		os.Remove(zipPath)
		return "", 0, fmt.Errorf("no images found in %s", dir)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize archive %s: %w", zipPath, err)
	}
	return zipPath, count, nil
}

// PackYOLO builds the YOLO 1.1 interchange bundle CVAT expects for an
// annotation upload: images and their label files under obj_train_data/ (with
// the full {device}/{date}/images/ layout preserved), plus obj.names,
// obj.data and train.txt describing the set.
func PackYOLO(imagesDir, labelsDir string, classNames []string, deviceID, date string) (string, error) {
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return "", fmt.Errorf("failed to read image directory %s: %w", imagesDir, err)
	}

	zipPath := filepath.Join(os.TempDir(), fmt.Sprintf("upload_%s_%s.zip", deviceID, date))
	f, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive %s: %w", zipPath, err)
	}
	defer f.Close()
	zw := newZipWriter(f)

	relImages := fmt.Sprintf("%s/%s/images", deviceID, date)
	var trainEntries []string
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		rel := relImages + "/" + entry.Name()
		if err := addFileToZip(zw, filepath.Join(imagesDir, entry.Name()), "obj_train_data/"+rel); err != nil {
			zw.Close()
			return "", err
		}
		trainEntries = append(trainEntries, "obj_train_data/"+rel)

		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		labelPath := filepath.Join(labelsDir, stem+".txt")
		if _, err := os.Stat(labelPath); err == nil {
			labelEntry := fmt.Sprintf("obj_train_data/%s/%s/images/%s.txt", deviceID, date, stem)
			if err := addFileToZip(zw, labelPath, labelEntry); err != nil {
				zw.Close()
				return "", err
			}
		}
	}
	if len(trainEntries) == 0 {
		zw.Close()
		os.Remove(zipPath)
		return "", fmt.Errorf("no images found in %s", imagesDir)
	}
	sort.Strings(trainEntries)

	if err := addStringToZip(zw, "obj.names", strings.Join(classNames, "\n")); err != nil {
		zw.Close()
		return "", err
	}
	objData := fmt.Sprintf("classes = %d\nnames = obj.names\ntrain = train.txt\n", len(classNames))
	if err := addStringToZip(zw, "obj.data", objData); err != nil {
		zw.Close()
		return "", err
	}
	if err := addStringToZip(zw, "train.txt", strings.Join(trainEntries, "\n")); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive %s: %w", zipPath, err)
	}
	return zipPath, nil
}

// Unzip extracts an archive into destDir, refusing entries that escape it.
func Unzip(zipPath, destDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		dest := filepath.Join(destDir, filepath.FromSlash(zf.Name))
		if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dest, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", dest, err)
		}
		src, err := zf.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %s: %w", zf.Name, err)
		}
		out, err := os.Create(dest)
		if err != nil {
			src.Close()
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}
		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", zf.Name, err)
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, localPath, entryName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w, err := zw.Create(entryName)
	if err != nil {
		return fmt.Errorf("failed to create archive entry %s: %w", entryName, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write archive entry %s: %w", entryName, err)
	}
	return nil
}

func addStringToZip(zw *zip.Writer, entryName, content string) error {
	w, err := zw.Create(entryName)
	if err != nil {
		return fmt.Errorf("failed to create archive entry %s: %w", entryName, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		return fmt.Errorf("failed to write archive entry %s: %w", entryName, err)
	}
	return nil
}
