package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/BenioffOceanInitiative/TrashWheel/internal/services"
)

var (
	dispatcherInstance *services.DispatcherFunction
	once               sync.Once
	initErr            error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// The function is reachable both over plain HTTP (manual triggering)
	// and as a CloudEvent target for the Cloud Scheduler Pub/Sub topic.
	functions.HTTP("ScanAndDispatch", handleScanAndDispatch)
	functions.CloudEvent("ScanAndDispatchEvent", handleScanAndDispatchEvent)
}

// main is required by the Go Functions Framework.
func main() {}

func dispatcher() (*services.DispatcherFunction, error) {
	once.Do(func() {
		dispatcherInstance, initErr = services.NewDispatcher(context.Background())
	})
	return dispatcherInstance, initErr
}

// handleScanAndDispatch is the HTTP entry point.
func handleScanAndDispatch(w http.ResponseWriter, r *http.Request) {
	instance, err := dispatcher()
	if err != nil {
		slog.Error("Critical: dispatcher initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	res, err := instance.Process(r.Context())
	if err != nil {
		slog.Error("Dispatch failed", "error", err)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

// handleScanAndDispatchEvent is the Pub/Sub CloudEvent entry point. The
// message payload is ignored; the scheduler tick itself is the trigger.
func handleScanAndDispatchEvent(ctx context.Context, e cloudevents.Event) error {
	instance, err := dispatcher()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	res, err := instance.Process(ctx)
	if err != nil {
		// Returning the error marks the function invocation as failed.
		return err
	}
	slog.Info("Dispatch complete.", "status", res.Status, "eligibleFolders", res.EligibleFolders)
	return nil
}
