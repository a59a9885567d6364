package models

// These structs define the JSON payloads the HTTP-triggered functions return
// to their invokers (Cloud Scheduler or a manual trigger).

// DispatchResponse is the output of the scan-and-dispatch function.
type DispatchResponse struct {
	Status          string   `json:"status"`
	Date            string   `json:"date"`
	EligibleFolders []string `json:"eligibleFolders"`
}

// ExportResult is the outcome for one (device, date) folder handled by the
// export-and-download function.
type ExportResult struct {
	DeviceID string `json:"device_id"`
	Date     string `json:"date"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ExportResponse is the output of the export-and-download function.
type ExportResponse struct {
	Status         string         `json:"status"`
	ProcessedItems []ExportResult `json:"processed_items"`
}
