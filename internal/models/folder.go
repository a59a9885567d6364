package models

import (
	"fmt"
	"strings"
)

// FolderKey identifies one unit of pipeline work: the images a single trash
// wheel captured on a single day. It maps to the bucket layout
// {device}/{date}/images/, .../auto-annotations/ and .../annotations/.
type FolderKey struct {
	DeviceID string
	Date     string
}

// ParseFolderKey parses a bucket folder path such as "3/2025-1-4/" into its
// device and date components. A trailing slash is optional.
func ParseFolderKey(path string) (FolderKey, error) {
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return FolderKey{}, fmt.Errorf("invalid folder path %q: want {device}/{date}/", path)
	}
	return FolderKey{DeviceID: parts[0], Date: parts[1]}, nil
}

// String returns the bucket path form "{device}/{date}/".
func (k FolderKey) String() string {
	return fmt.Sprintf("%s/%s/", k.DeviceID, k.Date)
}

// ImagesPrefix is the bucket prefix holding the day's raw captures.
func (k FolderKey) ImagesPrefix() string {
	return k.String() + "images/"
}

// AutoAnnotationsPrefix is the bucket prefix holding model-generated labels.
func (k FolderKey) AutoAnnotationsPrefix() string {
	return k.String() + "auto-annotations/"
}

// AnnotationsPrefix is the bucket prefix holding human-corrected labels.
func (k FolderKey) AnnotationsPrefix() string {
	return k.String() + "annotations/"
}

// ArchiveObject is the object name the annotation platform delivers its
// export archive to.
func (k FolderKey) ArchiveObject() string {
	return fmt.Sprintf("%s/%s/annotations.zip", k.DeviceID, k.Date)
}

// TaskName is the review task name on the annotation platform.
func (k FolderKey) TaskName() string {
	return fmt.Sprintf("%s_%s", k.DeviceID, k.Date)
}
