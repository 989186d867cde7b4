package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/chordfinder/api/internal/config"
)

// AnalysisProvider defines the remote song-analysis protocol as a
// sequence of independent, retryable steps. Implementations must keep
// the steps side-effect free with respect to each other so a failure
// can short-circuit the remainder of a run.
type AnalysisProvider interface {
	CreateUploadSlot(ctx context.Context, fileName string) (*UploadSlot, error)
	UploadPayload(ctx context.Context, uploadURL string, data []byte, onProgress func(float64)) error
	CreateAsset(ctx context.Context, fileName, s3Path string) (string, error)
	AwaitAssetReady(ctx context.Context, assetID string) (*Asset, error)
	CreateAnalysisTask(ctx context.Context, assetID string) (string, error)
	AwaitTaskCompletion(ctx context.Context, taskID string) (*Asset, error)
}

// FadrClient implements AnalysisProvider against the FADR HTTP API.
// Construct one per process and pass it in explicitly; there is no
// package-level instance.
type FadrClient struct {
	httpClient   *http.Client
	uploadClient *http.Client
	baseURL      string
	apiKey       string

	pollInterval      time.Duration
	assetPollAttempts int
	taskPollAttempts  int

	// sleep is the cooperative wait between polling attempts. Tests
	// substitute a fake clock here.
	sleep func(ctx context.Context, d time.Duration) error
}

// UploadSlot is a write-once upload target issued by the service.
type UploadSlot struct {
	URL    string `json:"url"`
	S3Path string `json:"s3Path"`
}

// Asset is the remote representation of an uploaded audio payload.
// MetaData and Stems are populated only after the associated analysis
// task completes.
type Asset struct {
	ID             string        `json:"_id"`
	UploadComplete bool          `json:"uploadComplete"`
	MetaData       AssetMetadata `json:"metaData"`
	Stems          []string      `json:"stems"`
}

type AssetMetadata struct {
	Key   string  `json:"key"`
	Tempo float64 `json:"tempo"`
}

// Task is the remote representation of an in-progress analysis over an
// asset.
type Task struct {
	ID     string     `json:"_id"`
	Asset  string     `json:"asset"`
	Status TaskStatus `json:"status"`
}

type TaskStatus struct {
	Complete bool `json:"complete"`
}

type assetEnvelope struct {
	Asset *Asset `json:"asset"`
}

type taskEnvelope struct {
	Task *Task `json:"task"`
}

// NewFadrClient creates a new FADR API client.
func NewFadrClient(cfg *config.FadrConfig) *FadrClient {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	uploadTimeout := time.Duration(cfg.UploadTimeoutSecs) * time.Second
	if uploadTimeout <= 0 {
		uploadTimeout = 5 * time.Minute
	}
	assetAttempts := cfg.AssetPollAttempts
	if assetAttempts <= 0 {
		assetAttempts = 60
	}
	taskAttempts := cfg.TaskPollAttempts
	if taskAttempts <= 0 {
		taskAttempts = 120
	}

	return &FadrClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		uploadClient: &http.Client{
			Timeout: uploadTimeout,
		},
		baseURL:           cfg.BaseURL,
		apiKey:            cfg.APIKey,
		pollInterval:      interval,
		assetPollAttempts: assetAttempts,
		taskPollAttempts:  taskAttempts,
		sleep:             sleepContext,
	}
}

// IsConfigured returns true if the client has valid configuration.
func (c *FadrClient) IsConfigured() bool {
	return c.apiKey != ""
}

// CreateUploadSlot asks the service for a write-once upload target and
// the server-side storage path token.
func (c *FadrClient) CreateUploadSlot(ctx context.Context, fileName string) (*UploadSlot, error) {
	body := map[string]string{
		"name":      fileName,
		"extension": fileExtension(fileName),
	}

	var slot UploadSlot
	if err := c.post(ctx, "create upload slot", "/assets/upload2", body, &slot); err != nil {
		return nil, err
	}
	if slot.URL == "" || slot.S3Path == "" {
		return nil, &APIError{Op: "create upload slot", Status: http.StatusOK, Body: "response missing url or s3Path"}
	}
	return &slot, nil
}

// UploadPayload transfers the raw audio bytes to the upload slot. The
// call enforces a hard timeout and reports transfer progress through
// onProgress as a fraction in [0,1].
func (c *FadrClient) UploadPayload(ctx context.Context, uploadURL string, data []byte, onProgress func(float64)) error {
	var body io.Reader = bytes.NewReader(data)
	if onProgress != nil {
		body = &progressReader{r: body, total: int64(len(data)), onProgress: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return &UploadError{Err: err}
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "audio/mpeg")

	log.Printf("[FADR API] → PUT %s (%d bytes)", uploadURL, len(data))

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		log.Printf("[FADR API] ✗ payload upload failed: %v", err)
		return &UploadError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[FADR API] ✗ payload upload failed with status %d", resp.StatusCode)
		return &UploadError{Status: resp.StatusCode}
	}

	if onProgress != nil {
		onProgress(1)
	}
	return nil
}

// CreateAsset registers the uploaded payload as a named asset in the
// song-analysis group.
func (c *FadrClient) CreateAsset(ctx context.Context, fileName, s3Path string) (string, error) {
	body := map[string]string{
		"name":      fileName,
		"extension": fileExtension(fileName),
		"group":     "song-analysis",
		"s3Path":    s3Path,
	}

	var env assetEnvelope
	if err := c.post(ctx, "create asset", "/assets", body, &env); err != nil {
		return "", err
	}
	if env.Asset == nil || env.Asset.ID == "" {
		return "", fmt.Errorf("create asset: %w", ErrAssetCreation)
	}
	return env.Asset.ID, nil
}

// AwaitAssetReady polls asset status until uploadComplete is true or
// the attempt ceiling is reached. An asset that is already ready
// returns after a single status read.
func (c *FadrClient) AwaitAssetReady(ctx context.Context, assetID string) (*Asset, error) {
	var ready *Asset
	err := c.pollFor(ctx, c.assetPollAttempts, ErrUploadTimeout, func(attempt int) (bool, error) {
		asset, err := c.fetchAsset(ctx, assetID)
		if err != nil {
			return false, err
		}
		log.Printf("[FADR API] Asset check #%d/%d (asset=%s) uploadComplete: %t",
			attempt, c.assetPollAttempts, assetID, asset.UploadComplete)
		if asset.UploadComplete {
			ready = asset
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// CreateAnalysisTask starts the remote stem/metadata analysis for an
// asset.
func (c *FadrClient) CreateAnalysisTask(ctx context.Context, assetID string) (string, error) {
	body := map[string]string{"_id": assetID}

	var env taskEnvelope
	if err := c.post(ctx, "create analysis task", "/assets/analyze/stem", body, &env); err != nil {
		return "", err
	}
	if env.Task == nil || env.Task.ID == "" {
		return "", fmt.Errorf("create analysis task: %w", ErrTaskCreation)
	}
	return env.Task.ID, nil
}

// AwaitTaskCompletion polls task status until complete or the attempt
// ceiling is reached, then fetches the associated asset once more for
// the final metadata.
func (c *FadrClient) AwaitTaskCompletion(ctx context.Context, taskID string) (*Asset, error) {
	var assetID string
	err := c.pollFor(ctx, c.taskPollAttempts, ErrAnalysisTimeout, func(attempt int) (bool, error) {
		task, err := c.fetchTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		log.Printf("[FADR API] Task check #%d/%d (task=%s) complete: %t",
			attempt, c.taskPollAttempts, taskID, task.Status.Complete)
		if task.Status.Complete {
			assetID = task.Asset
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if assetID == "" {
		return nil, fmt.Errorf("task %s completed: %w", taskID, ErrIncompleteResult)
	}

	asset, err := c.fetchAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// pollFor runs check on a fixed interval until it reports done, fails,
// or maxAttempts is exhausted, in which case timeoutErr is returned.
// The first check happens before any wait.
func (c *FadrClient) pollFor(ctx context.Context, maxAttempts int, timeoutErr error, check func(attempt int) (bool, error)) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := check(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return err
		}
	}
	return timeoutErr
}

func (c *FadrClient) fetchAsset(ctx context.Context, assetID string) (*Asset, error) {
	var env assetEnvelope
	if err := c.get(ctx, "fetch asset", "/assets/"+assetID, &env); err != nil {
		return nil, err
	}
	if env.Asset == nil {
		return nil, fmt.Errorf("fetch asset %s: %w", assetID, ErrIncompleteResult)
	}
	return env.Asset, nil
}

func (c *FadrClient) fetchTask(ctx context.Context, taskID string) (*Task, error) {
	var env taskEnvelope
	if err := c.get(ctx, "fetch task", "/tasks/"+taskID, &env); err != nil {
		return nil, err
	}
	if env.Task == nil {
		return nil, fmt.Errorf("fetch task %s: %w", taskID, ErrIncompleteResult)
	}
	return env.Task, nil
}

// post sends a POST request with JSON body
func (c *FadrClient) post(ctx context.Context, op, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, op, result)
}

// get sends a GET request and parses JSON response
func (c *FadrClient) get(ctx context.Context, op, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, op, result)
}

// doRequest executes an HTTP request and parses the response
func (c *FadrClient) doRequest(req *http.Request, op string, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[FADR API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[FADR API] ✗ %s %s request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[FADR API] ✗ %s %s failed to read response: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[FADR API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[FADR API] ✗ unmarshal error for %s %s: %v (body: %s)", req.Method, req.URL.String(), err, string(respBody))
		return &APIError{Op: op, Status: resp.StatusCode, Body: "malformed response body"}
	}

	return nil
}

// progressReader reports the fraction of bytes read from the wrapped
// reader.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.read += int64(n)
		p.onProgress(float64(p.read) / float64(p.total))
	}
	return n, err
}

func fileExtension(fileName string) string {
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	if ext == "" {
		return "mp3"
	}
	return ext
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
