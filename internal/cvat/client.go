// Package cvat is a thin session-scoped client for the CVAT annotation
// platform's REST API, covering only the surface this pipeline consumes:
// authentication, task lookup and creation, archive uploads, and asynchronous
// annotation export to cloud storage.
package cvat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultBaseURL is the hosted CVAT API root.
const DefaultBaseURL = "https://app.cvat.ai/api"

// Config holds connection settings and polling knobs for a Client. Zero
// values fall back to the production defaults.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Org       string
	ProjectID int

	// CloudStorageID is the CVAT-side registration of the trashwheel bucket,
	// the destination of every export.
	CloudStorageID int

	// Poll intervals and timeouts for the platform's asynchronous endpoints.
	ImagePollInterval      time.Duration
	AnnotationPollInterval time.Duration
	ExportPollInterval     time.Duration
	ExportTimeout          time.Duration

	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Org == "" {
		c.Org = "BOSL"
	}
	if c.ProjectID == 0 {
		c.ProjectID = 184108
	}
	if c.CloudStorageID == 0 {
		c.CloudStorageID = 2140
	}
	if c.ImagePollInterval == 0 {
		c.ImagePollInterval = 15 * time.Second
	}
	if c.AnnotationPollInterval == 0 {
		c.AnnotationPollInterval = 5 * time.Second
	}
	if c.ExportPollInterval == 0 {
		c.ExportPollInterval = 10 * time.Second
	}
	if c.ExportTimeout == 0 {
		c.ExportTimeout = 10 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
}

// Task is the subset of CVAT task fields this pipeline reads.
type Task struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Client is an authenticated CVAT session. The task caches live on the
// struct and refresh only when asked to, so repeated lookups within one
// invocation stay cheap.
type Client struct {
	cfg   Config
	token string

	tasks          []Task
	completedTasks []Task
}

// NewClient authenticates against the platform and returns a session client.
// Authentication failure is fatal for the calling process by contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	c := &Client{cfg: cfg}

	body, err := json.Marshal(map[string]string{
		"username": cfg.Username,
		"password": cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication failed: %s", readError(resp))
	}
	var login struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	if login.Key == "" {
		return nil, fmt.Errorf("no authentication token received")
	}
	c.token = login.Key
	return c, nil
}

// do issues an authenticated request with the session headers applied.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/vnd.cvat+json")
	return c.cfg.HTTPClient.Do(req)
}

// AllTasks returns every task visible to the session, following pagination.
// The result is cached; pass forceRefresh to hit the API again.
func (c *Client) AllTasks(ctx context.Context, forceRefresh bool) ([]Task, error) {
	if c.tasks != nil && !forceRefresh {
		return c.tasks, nil
	}

	var all []Task
	next := c.cfg.BaseURL + "/tasks"
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build task list request: %w", err)
		}
		resp, err := c.do(req)
		if err != nil {
			return nil, fmt.Errorf("task list request failed: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			msg := readError(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("failed to get tasks: %s", msg)
		}
		var page struct {
			Results []Task  `json:"results"`
			Next    *string `json:"next"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode task page: %w", err)
		}
		all = append(all, page.Results...)
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	c.tasks = all
	return c.tasks, nil
}

// TaskByName finds a task by exact name in the cached task list.
func (c *Client) TaskByName(ctx context.Context, name string) (Task, error) {
	tasks, err := c.AllTasks(ctx, false)
	if err != nil {
		return Task{}, err
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("task %q not found", name)
}

// CompletedTasks returns the cached completed tasks, sorted by name.
func (c *Client) CompletedTasks(ctx context.Context, forceRefresh bool) ([]Task, error) {
	if c.completedTasks != nil && !forceRefresh {
		return c.completedTasks, nil
	}
	tasks, err := c.AllTasks(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	completed := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == "completed" {
			completed = append(completed, t)
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].Name < completed[j].Name })
	c.completedTasks = completed
	return c.completedTasks, nil
}

// CompletedTaskByName finds a completed task, distinguishing "no such task"
// from "exists but review is unfinished".
func (c *Client) CompletedTaskByName(ctx context.Context, name string) (Task, error) {
	completed, err := c.CompletedTasks(ctx, false)
	if err != nil {
		return Task{}, err
	}
	for _, t := range completed {
		if t.Name == name {
			return t, nil
		}
	}
	if _, err := c.TaskByName(ctx, name); err != nil {
		return Task{}, fmt.Errorf("task %q was not found", name)
	}
	return Task{}, fmt.Errorf("task %q is not completed", name)
}

// CreateTask creates a new review task under the configured project and
// organization.
func (c *Client) CreateTask(ctx context.Context, name string) (Task, error) {
	body, err := json.Marshal(map[string]any{
		"name":         name,
		"project_id":   c.cfg.ProjectID,
		"organization": c.cfg.Org,
	})
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode task request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return Task{}, fmt.Errorf("failed to build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization", c.cfg.Org)

	resp, err := c.do(req)
	if err != nil {
		return Task{}, fmt.Errorf("task creation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return Task{}, fmt.Errorf("failed to create task: %s", readError(resp))
	}
	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return Task{}, fmt.Errorf("failed to decode task response: %w", err)
	}
	if task.ID == 0 {
		return Task{}, fmt.Errorf("invalid task creation response for %q: missing id", name)
	}
	slog.Info("Created review task.", "taskId", task.ID, "taskName", task.Name)
	return task, nil
}

// TaskStatus returns the task's processing state ("Queued", "Started",
// "Finished", "Failed").
func (c *Client) TaskStatus(ctx context.Context, taskID int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tasks/%d/status", c.cfg.BaseURL, taskID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build status request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get task status: %s", readError(resp))
	}
	var status struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return status.State, nil
}

// waitForProcessing polls the task status until the platform reports a
// terminal state.
func (c *Client) waitForProcessing(ctx context.Context, taskID int, interval time.Duration) error {
	for {
		state, err := c.TaskStatus(ctx, taskID)
		if err != nil {
			return err
		}
		switch state {
		case "Finished":
			return nil
		case "Failed":
			return fmt.Errorf("task %d processing failed", taskID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// UploadImages uploads an image archive as the task's data and waits for the
// platform to finish chunking it.
func (c *Client) UploadImages(ctx context.Context, taskID int, zipPath string) error {
	fields := map[string]string{
		"image_quality":  "70",
		"use_zip_chunks": "true",
		"use_cache":      "true",
	}
	resp, err := c.uploadArchive(ctx, http.MethodPost, fmt.Sprintf("%s/tasks/%d/data", c.cfg.BaseURL, taskID), "client_files[0]", zipPath, fields)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to upload images: %s", readError(resp))
	}
	slog.Info("Image archive accepted, waiting for processing.", "taskId", taskID)
	if err := c.waitForProcessing(ctx, taskID, c.cfg.ImagePollInterval); err != nil {
		return err
	}
	slog.Info("Image upload complete.", "taskId", taskID)
	return nil
}

// UploadAnnotations uploads a YOLO 1.1 annotation archive onto the task and,
// when the platform processes it asynchronously, waits for completion.
func (c *Client) UploadAnnotations(ctx context.Context, taskID int, zipPath string) error {
	endpoint := fmt.Sprintf("%s/tasks/%d/annotations?format=%s", c.cfg.BaseURL, taskID, url.QueryEscape("YOLO 1.1"))
	resp, err := c.uploadArchive(ctx, http.MethodPut, endpoint, "annotation_file", zipPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to upload annotations: %s", readError(resp))
	}
	if resp.StatusCode == http.StatusAccepted {
		slog.Info("Annotation archive accepted, waiting for processing.", "taskId", taskID)
		if err := c.waitForProcessing(ctx, taskID, c.cfg.AnnotationPollInterval); err != nil {
			return err
		}
	}
	slog.Info("Annotation upload complete.", "taskId", taskID)
	return nil
}

// uploadArchive sends a multipart request with the archive under fileField
// plus any extra form fields.
func (c *Client) uploadArchive(ctx context.Context, method, endpoint, fileField, zipPath string, fields map[string]string) (*http.Response, error) {
	f, err := os.Open(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(fileField, filepath.Base(zipPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to buffer archive %s: %w", zipPath, err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	return resp, nil
}

// ExportAnnotations exports a completed task's corrected annotations in COCO
// 1.0 format to the registered cloud storage, under {device}/{date}/. The
// export endpoint is asynchronous: a 202 with a request ID means the platform
// is still packaging, and the same endpoint is re-polled with the request ID
// until it reports 200/201 (delivered), any other status (failed), or the
// hard export timeout elapses.
func (c *Client) ExportAnnotations(ctx context.Context, task Task, deviceID, date string) error {
	storagePath := fmt.Sprintf("%s/%s", deviceID, date)
	if err := c.setCloudStoragePrefix(ctx, storagePath); err != nil {
		return err
	}

	params := url.Values{
		"format":               {"COCO 1.0"},
		"location":             {"cloud_storage"},
		"cloud_storage_id":     {fmt.Sprintf("%d", c.cfg.CloudStorageID)},
		"filename":             {storagePath + "/annotations.zip"},
		"use_default_location": {"false"},
	}
	endpoint := fmt.Sprintf("%s/tasks/%d/annotations", c.cfg.BaseURL, task.ID)

	status, body, err := c.exportRequest(ctx, endpoint, params)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		slog.Info("Export delivered.", "taskId", task.ID, "path", storagePath)
		return nil
	case status != http.StatusAccepted:
		return fmt.Errorf("export failed: status %d: %s", status, body)
	}

	var accepted struct {
		RqID string `json:"rq_id"`
	}
	if err := json.Unmarshal([]byte(body), &accepted); err != nil || accepted.RqID == "" {
		return fmt.Errorf("no request ID received for export of task %d", task.ID)
	}
	slog.Info("Export initiated.", "taskId", task.ID, "rqId", accepted.RqID)

	params.Set("rq_id", accepted.RqID)
	deadline := time.Now().Add(c.cfg.ExportTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ExportPollInterval):
		}
		status, body, err = c.exportRequest(ctx, endpoint, params)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK || status == http.StatusCreated:
			slog.Info("Export delivered.", "taskId", task.ID, "path", storagePath)
			return nil
		case status != http.StatusAccepted:
			return fmt.Errorf("export failed: status %d: %s", status, body)
		}
		slog.Info("Export in progress.", "taskId", task.ID, "rqId", accepted.RqID)
	}
	return fmt.Errorf("export of task %d timed out after %s", task.ID, c.cfg.ExportTimeout)
}

// setCloudStoragePrefix points the registered cloud storage at the folder
// the export should land in.
func (c *Client) setCloudStoragePrefix(ctx context.Context, prefix string) error {
	body, err := json.Marshal(map[string]string{"prefix": prefix})
	if err != nil {
		return fmt.Errorf("failed to encode prefix: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		fmt.Sprintf("%s/cloudstorages/%d", c.cfg.BaseURL, c.cfg.CloudStorageID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build cloud storage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("cloud storage update failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) exportRequest(ctx context.Context, endpoint string, params url.Values) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build export request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, "", fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read export response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// readError renders a non-success response as "status - body" for error
// messages.
func readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Sprintf("%d - %s", resp.StatusCode, bytes.TrimSpace(body))
}
