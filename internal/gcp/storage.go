package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrPreconditionFailed is returned by the conditional JSON writer when the
// object changed underneath the caller between read and write.
var ErrPreconditionFailed = errors.New("storage precondition failed")

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ListObjectNames returns the names of every object under prefix.
func ListObjectNames(ctx context.Context, bucket *storage.BucketHandle, prefix string) ([]string, error) {
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// FolderExists reports whether any real object or sub-folder exists under
// prefix. A bare placeholder object whose name equals the prefix itself (as
// left behind by console folder creation) does not count.
func FolderExists(ctx context.Context, bucket *storage.BucketHandle, prefix string) (bool, error) {
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check folder %q: %w", prefix, err)
		}
		if folderEntryIsContent(attrs.Name, attrs.Prefix, prefix) {
			return true, nil
		}
	}
}

// folderEntryIsContent decides whether one delimiter-listing entry counts as
// real content under prefix: any sub-folder does, and any object other than
// the bare placeholder named after the folder itself.
func folderEntryIsContent(objectName, subPrefix, prefix string) bool {
	if subPrefix != "" {
		return true
	}
	return objectName != prefix
}

// ListDateFolders returns the date sub-folders directly under a device's
// top-level prefix, using a delimiter listing so only one level is walked.
func ListDateFolders(ctx context.Context, bucket *storage.BucketHandle, deviceID string) ([]string, error) {
	prefix := deviceID + "/"
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var dates []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list date folders for device %s: %w", deviceID, err)
		}
		if attrs.Prefix == "" {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/")
		if date != "" {
			dates = append(dates, date)
		}
	}
	return dates, nil
}

// DownloadObject copies one object to a local file, creating parent
// directories as needed.
func DownloadObject(ctx context.Context, bucket *storage.BucketHandle, objectName, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create local directory for %s: %w", destPath, err)
	}
	r, err := bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open gs object %s: %w", objectName, err)
	}
	defer r.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to download %s: %w", objectName, err)
	}
	return f.Close()
}

// UploadFile uploads a local file to the given object name.
func UploadFile(ctx context.Context, bucket *storage.BucketHandle, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w := bucket.Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload of %s: %w", objectName, err)
	}
	return nil
}

// DownloadPrefix downloads every object under prefix into destDir, preserving
// the layout below the prefix. Placeholder directory objects are skipped.
func DownloadPrefix(ctx context.Context, bucket *storage.BucketHandle, prefix, destDir string) error {
	names, err := ListObjectNames(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if strings.HasSuffix(name, "/") {
			continue
		}
		rel := strings.TrimPrefix(name, prefix)
		if err := DownloadObject(ctx, bucket, name, filepath.Join(destDir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// ObjectExists reports whether a single object is present.
func ObjectExists(ctx context.Context, bucket *storage.BucketHandle, objectName string) (bool, error) {
	_, err := bucket.Object(objectName).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", objectName, err)
	}
	return true, nil
}

// DeleteObject removes one object from the bucket.
func DeleteObject(ctx context.Context, bucket *storage.BucketHandle, objectName string) error {
	if err := bucket.Object(objectName).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete %s: %w", objectName, err)
	}
	return nil
}

// ReadJSONWithGeneration reads and decodes a JSON object, returning the
// object generation observed so the caller can write back conditionally.
// A missing object yields generation 0 and leaves v untouched.
func ReadJSONWithGeneration(ctx context.Context, bucket *storage.BucketHandle, objectName string, v any) (int64, error) {
	attrs, err := bucket.Object(objectName).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", objectName, err)
	}

	r, err := bucket.Object(objectName).Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", objectName, err)
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", objectName, err)
	}
	return attrs.Generation, nil
}

// WriteJSONIfGenerationMatch encodes v to the object only if its generation
// still matches the one observed at read time (or the object still does not
// exist, for generation 0). A lost race surfaces as ErrPreconditionFailed so
// the caller can reload and retry. On success the new object generation is
// returned for the next conditional write.
func WriteJSONIfGenerationMatch(ctx context.Context, bucket *storage.BucketHandle, objectName string, generation int64, v any) (int64, error) {
	conds := storage.Conditions{GenerationMatch: generation}
	if generation == 0 {
		conds = storage.Conditions{DoesNotExist: true}
	}
	w := bucket.Object(objectName).If(conds).NewWriter(ctx)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("failed to encode %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			return 0, ErrPreconditionFailed
		}
		return 0, fmt.Errorf("failed to finalize write of %s: %w", objectName, err)
	}
	return w.Attrs().Generation, nil
}
