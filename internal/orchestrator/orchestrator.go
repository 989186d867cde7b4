package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/chordfinder/api/internal/client"
	"github.com/chordfinder/api/internal/model"
)

// ErrInvalidInput is returned when a request names neither a URL nor a
// stored-file reference, or both. No network traffic happens in that
// case.
var ErrInvalidInput = errors.New("exactly one of url or filePath must be provided")

// ValidationError rejects a payload before any remote call is made
// (size ceiling, extension/MIME allow-list).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// PayloadRetrievalError is a failure to obtain the audio bytes from
// the blob store or the source URL.
type PayloadRetrievalError struct {
	Source string
	Status int
	Err    error
}

func (e *PayloadRetrievalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to retrieve payload from %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("failed to retrieve payload from %s: status %d", e.Source, e.Status)
}

func (e *PayloadRetrievalError) Unwrap() error { return e.Err }

// Input is one inbound analysis request. Exactly one of URL / FilePath
// must be set.
type Input struct {
	URL      string
	FilePath string
}

// Title returns the display name derived from the input source.
func (in Input) Title() string {
	if in.FilePath != "" {
		return model.TitleFromSource(in.FilePath)
	}
	return model.TitleFromSource(in.URL)
}

// Validate checks the exactly-one-source contract.
func (in Input) Validate() error {
	if (in.URL == "") == (in.FilePath == "") {
		return ErrInvalidInput
	}
	return nil
}

// ProgressFunc observes coarse stage transitions during a run.
type ProgressFunc func(progress int, step string)

// Orchestrator turns a single analysis request into a terminal
// outcome. It is the only component permitted to perform outbound
// calls to the analysis service. One run is fully sequential: each
// step begins only after its predecessor succeeded, and the first
// failure short-circuits the rest.
type Orchestrator struct {
	provider   client.AnalysisProvider
	storage    client.StorageClient
	httpClient *http.Client
}

// New constructs an Orchestrator. storage may be nil when stored-file
// inputs are not served (URL-only deployments).
func New(provider client.AnalysisProvider, storage client.StorageClient) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		storage:  storage,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Run resolves the payload, drives the analysis protocol end to end
// and returns the normalized result. report may be nil.
func (o *Orchestrator) Run(ctx context.Context, in Input, report ProgressFunc) (*model.AnalysisResult, error) {
	if report == nil {
		report = func(int, string) {}
	}

	if err := in.Validate(); err != nil {
		return nil, err
	}

	report(5, "Retrieving audio...")
	payload, err := o.resolvePayload(ctx, in)
	if err != nil {
		return nil, err
	}

	fileName := in.Title()
	if err := validatePayload(in, fileName, payload); err != nil {
		return nil, err
	}

	report(15, "Requesting upload slot...")
	slot, err := o.provider.CreateUploadSlot(ctx, fileName)
	if err != nil {
		return nil, fmt.Errorf("request upload slot: %w", err)
	}

	report(20, "Uploading audio...")
	uploadProgress := func(fraction float64) {
		// Map transfer progress onto the 20-40 band.
		report(20+int(fraction*20), "Uploading audio...")
	}
	if err := o.provider.UploadPayload(ctx, slot.URL, payload, uploadProgress); err != nil {
		return nil, fmt.Errorf("upload payload: %w", err)
	}

	report(45, "Registering asset...")
	assetID, err := o.provider.CreateAsset(ctx, fileName, slot.S3Path)
	if err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}

	report(50, "Waiting for asset...")
	if _, err := o.provider.AwaitAssetReady(ctx, assetID); err != nil {
		return nil, fmt.Errorf("await asset ready: %w", err)
	}

	report(60, "Starting analysis...")
	taskID, err := o.provider.CreateAnalysisTask(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("create analysis task: %w", err)
	}

	report(65, "Analyzing...")
	asset, err := o.provider.AwaitTaskCompletion(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("await task completion: %w", err)
	}

	report(95, "Finalizing...")
	return normalizeResult(asset), nil
}

// resolvePayload turns the input reference into raw audio bytes.
func (o *Orchestrator) resolvePayload(ctx context.Context, in Input) ([]byte, error) {
	if in.FilePath != "" {
		if o.storage == nil {
			return nil, &PayloadRetrievalError{Source: in.FilePath, Err: errors.New("storage not configured")}
		}
		data, err := o.storage.Download(ctx, in.FilePath)
		if err != nil {
			return nil, &PayloadRetrievalError{Source: in.FilePath, Err: err}
		}
		if len(data) == 0 {
			return nil, &PayloadRetrievalError{Source: in.FilePath, Err: errors.New("empty payload")}
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, &PayloadRetrievalError{Source: in.URL, Err: err}
	}

	log.Printf("[Orchestrator] Fetching payload from %s", in.URL)
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, &PayloadRetrievalError{Source: in.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &PayloadRetrievalError{Source: in.URL, Status: resp.StatusCode}
	}

	// Read one byte past the ceiling so exact-limit payloads pass and
	// anything larger is rejected without buffering it whole.
	data, err := io.ReadAll(io.LimitReader(resp.Body, model.MaxUploadSize+1))
	if err != nil {
		return nil, &PayloadRetrievalError{Source: in.URL, Err: err}
	}
	if len(data) == 0 {
		return nil, &PayloadRetrievalError{Source: in.URL, Err: errors.New("empty payload")}
	}
	return data, nil
}

// validatePayload enforces the upload policy ahead of any remote
// analysis call. Stored files are always checked by name; URL sources
// are checked when their path carries an extension, since streaming
// URLs may carry no file name at all.
func validatePayload(in Input, fileName string, payload []byte) error {
	if int64(len(payload)) > model.MaxUploadSize {
		return &ValidationError{Reason: "payload exceeds 50MB limit"}
	}
	if in.FilePath != "" || urlExtension(in.URL) != "" {
		if err := model.ValidateAudioFile(fileName, "", int64(len(payload))); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
	}
	return nil
}

// urlExtension returns the extension of the URL's path component,
// ignoring query parameters.
func urlExtension(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return filepath.Ext(u.Path)
}

// normalizeResult maps the terminal asset to the response triple with
// the documented defaults. Chords carries the provider's stem
// identifiers; the field name is a long-standing client contract.
func normalizeResult(asset *client.Asset) *model.AnalysisResult {
	result := &model.AnalysisResult{
		Key:    strings.TrimSpace(asset.MetaData.Key),
		BPM:    asset.MetaData.Tempo,
		Chords: asset.Stems,
	}
	if result.Key == "" {
		result.Key = "Unknown"
	}
	if result.BPM < 0 {
		result.BPM = 0
	}
	if result.Chords == nil {
		result.Chords = []string{}
	}
	return result
}
