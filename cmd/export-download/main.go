package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/BenioffOceanInitiative/TrashWheel/internal/services"
)

var (
	exporterInstance *services.ExporterFunction
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("ExportAndDownload", handleExportAndDownload)
}

// main is required by the Go Functions Framework.
func main() {}

// handleExportAndDownload is the HTTP handler for the export function. It
// reports per-folder outcomes in the response body; only initialization or
// bucket-level failures produce a non-200 status.
func handleExportAndDownload(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		exporterInstance, initErr = services.NewExporter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: exporter initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	res, err := exporterInstance.Process(r.Context())
	if err != nil {
		slog.Error("Export run failed", "error", err)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
