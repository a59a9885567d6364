package models

import "time"

// ManifestStatus records the outcome of an export-and-download attempt for
// one (device, date) folder.
type ManifestStatus string

const (
	StatusCompleted         ManifestStatus = "completed"
	StatusFailedZip         ManifestStatus = "failed_zip_processing"
	StatusExportFailed      ManifestStatus = "export_failed"
	StatusTimeoutWaitingZip ManifestStatus = "timeout_waiting_for_zip"
	StatusError             ManifestStatus = "error"
)

// manifestTimeFormat matches the timestamp layout already present in the
// persisted manifest, so old and new entries read uniformly.
const manifestTimeFormat = "2006-01-02 15:04:05"

// ManifestEntry is the per-date record inside the manifest.
type ManifestEntry struct {
	Status      ManifestStatus `json:"status"`
	ProcessedAt string         `json:"processed_at"`
}

// Manifest is the persisted record of which (device, date) folders the export
// function has already handled. Keys are device IDs, then date strings.
type Manifest map[string]map[string]ManifestEntry

// Set records the outcome for a (device, date) pair, overwriting any previous
// entry for the same pair.
func (m Manifest) Set(deviceID, date string, status ManifestStatus, now time.Time) {
	if m[deviceID] == nil {
		m[deviceID] = make(map[string]ManifestEntry)
	}
	m[deviceID][date] = ManifestEntry{
		Status:      status,
		ProcessedAt: now.Format(manifestTimeFormat),
	}
}

// Completed reports whether the pair has already been processed successfully.
func (m Manifest) Completed(deviceID, date string) bool {
	return m[deviceID][date].Status == StatusCompleted
}

// Count returns the total number of recorded entries across all devices.
func (m Manifest) Count() int {
	var n int
	for _, dates := range m {
		n += len(dates)
	}
	return n
}
