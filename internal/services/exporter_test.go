package services

import (
	"errors"
	"testing"

	"github.com/BenioffOceanInitiative/TrashWheel/internal/models"
)

func TestExportCandidate(t *testing.T) {
	cases := []struct {
		name           string
		hasAuto        bool
		hasAnnotations bool
		want           bool
	}{
		{"inference done, not yet exported", true, false, true},
		{"both folders present", true, true, false},
		{"only human annotations", false, true, false},
		{"neither folder", false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exportCandidate(tc.hasAuto, tc.hasAnnotations); got != tc.want {
				t.Errorf("exportCandidate(%v, %v) = %v, want %v", tc.hasAuto, tc.hasAnnotations, got, tc.want)
			}
		})
	}
}

func TestNewExportResult(t *testing.T) {
	key := models.FolderKey{DeviceID: "3", Date: "2025-1-4"}

	cases := []struct {
		name       string
		status     models.ManifestStatus
		err        error
		wantStatus string
		wantError  string
	}{
		{"completed maps to success", models.StatusCompleted, nil, "success", ""},
		{"zip failure uses response vocabulary", models.StatusFailedZip, errors.New("unzip: corrupt archive"), "zip_processing_error", "unzip: corrupt archive"},
		{"export failure carries message", models.StatusExportFailed, errors.New("task 3_2025-1-4 not completed"), "export_failed", "task 3_2025-1-4 not completed"},
		{"timeout status passes through", models.StatusTimeoutWaitingZip, errors.New("archive 3/2025-1-4/annotations.zip did not arrive within 5m0s"), "timeout_waiting_for_zip", "archive 3/2025-1-4/annotations.zip did not arrive within 5m0s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := newExportResult(key, tc.status, tc.err)
			if result.DeviceID != "3" || result.Date != "2025-1-4" {
				t.Errorf("result key = %s/%s, want 3/2025-1-4", result.DeviceID, result.Date)
			}
			if result.Status != tc.wantStatus {
				t.Errorf("result.Status = %q, want %q", result.Status, tc.wantStatus)
			}
			if result.Error != tc.wantError {
				t.Errorf("result.Error = %q, want %q", result.Error, tc.wantError)
			}
		})
	}
}
