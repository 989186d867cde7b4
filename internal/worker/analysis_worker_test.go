package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/chordfinder/api/internal/client"
	"github.com/chordfinder/api/internal/config"
	"github.com/chordfinder/api/internal/model"
	"github.com/chordfinder/api/internal/orchestrator"
	"github.com/chordfinder/api/internal/service"
	"github.com/chordfinder/api/internal/store"
	"github.com/chordfinder/api/internal/websocket"
	"github.com/chordfinder/api/internal/worker"
)

// scriptedProvider returns a fixed result or error for every run.
type scriptedProvider struct {
	err    error
	result client.Asset
}

func (p *scriptedProvider) CreateUploadSlot(ctx context.Context, fileName string) (*client.UploadSlot, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &client.UploadSlot{URL: "https://uploads.example/slot", S3Path: "tmp/abc"}, nil
}

func (p *scriptedProvider) UploadPayload(ctx context.Context, uploadURL string, data []byte, onProgress func(float64)) error {
	return p.err
}

func (p *scriptedProvider) CreateAsset(ctx context.Context, fileName, s3Path string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "asset-1", nil
}

func (p *scriptedProvider) AwaitAssetReady(ctx context.Context, assetID string) (*client.Asset, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &client.Asset{ID: assetID, UploadComplete: true}, nil
}

func (p *scriptedProvider) CreateAnalysisTask(ctx context.Context, assetID string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "task-1", nil
}

func (p *scriptedProvider) AwaitTaskCompletion(ctx context.Context, taskID string) (*client.Asset, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &p.result, nil
}

func newWorker(t *testing.T, provider client.AnalysisProvider) (*worker.AnalysisWorker, *store.Store, *websocket.Hub) {
	t.Helper()
	cfg := &config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")}
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	orch := orchestrator.New(provider, nil)
	svc := service.NewAnalysisService(st, nil, orch)
	hub := websocket.NewHub()
	go hub.Run()
	return worker.NewAnalysisWorker(svc, hub), st, hub
}

func audioServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func pendingJob(t *testing.T, st *store.Store, url string) *model.AnalysisJob {
	t.Helper()
	job := &model.AnalysisJob{
		ID:        uuid.NewString(),
		Owner:     "user-1",
		URL:       url,
		Title:     model.TitleFromSource(url),
		Status:    model.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func analysisTask(t *testing.T, job *model.AnalysisJob) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(&service.AnalysisTaskPayload{
		JobID:    job.ID,
		Owner:    job.Owner,
		URL:      job.URL,
		FilePath: job.FilePath,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(service.TaskTypeAnalysis, payload)
}

// awaitFrame reads frames until one of the wanted type arrives and
// returns its raw bytes.
func awaitFrame(t *testing.T, sub *websocket.Subscriber, want string) []byte {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				t.Fatalf("frame stream closed before %q frame", want)
			}
			var msg model.WSMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("bad frame %s: %v", frame, err)
			}
			if msg.Type == want {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", want)
		}
	}
}

func TestProcessTaskCompletesJobAndNotifies(t *testing.T) {
	srv := audioServer(t)
	provider := &scriptedProvider{result: client.Asset{
		ID:             "asset-1",
		UploadComplete: true,
		MetaData:       client.AssetMetadata{Key: "C#m", Tempo: 128},
		Stems:          []string{"vocals", "drums"},
	}}
	w, st, hub := newWorker(t, provider)

	job := pendingJob(t, st, srv.URL+"/track.mp3")
	sub := websocket.NewSubscriber(job.ID, nil)
	hub.Register(sub)
	defer hub.Unregister(sub)

	if err := w.ProcessTask(context.Background(), analysisTask(t, job)); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	frame := awaitFrame(t, sub, model.WSMessageTypeProgress)
	var progress model.WSProgressMessage
	if err := json.Unmarshal(frame, &progress); err != nil {
		t.Fatalf("bad progress frame: %v", err)
	}
	if progress.JobID != job.ID || progress.CurrentStep == "" {
		t.Fatalf("unexpected progress frame: %#v", progress)
	}

	frame = awaitFrame(t, sub, model.WSMessageTypeComplete)
	var complete model.WSCompleteMessage
	if err := json.Unmarshal(frame, &complete); err != nil {
		t.Fatalf("bad complete frame: %v", err)
	}
	if complete.JobID != job.ID || complete.Result == nil {
		t.Fatalf("unexpected complete frame: %#v", complete)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q", got.Status)
	}
	if got.Key != "C#m" || got.BPM != 128 {
		t.Fatalf("unexpected persisted result: %#v", got)
	}
}

func TestProcessTaskFailureMarksJobAndBroadcastsError(t *testing.T) {
	srv := audioServer(t)
	provider := &scriptedProvider{err: errors.New("backend down")}
	w, st, hub := newWorker(t, provider)

	job := pendingJob(t, st, srv.URL+"/track.mp3")
	sub := websocket.NewSubscriber(job.ID, nil)
	hub.Register(sub)
	defer hub.Unregister(sub)

	if err := w.ProcessTask(context.Background(), analysisTask(t, job)); err == nil {
		t.Fatal("expected ProcessTask to fail")
	}

	frame := awaitFrame(t, sub, model.WSMessageTypeError)
	var wsErr model.WSErrorMessage
	if err := json.Unmarshal(frame, &wsErr); err != nil {
		t.Fatalf("bad error frame: %v", err)
	}
	if wsErr.JobID != job.ID || wsErr.Error.Code != "ANALYSIS_FAILED" {
		t.Fatalf("unexpected error frame: %#v", wsErr)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != model.JobStatusFailed {
		t.Fatalf("expected failed job, got %q", got.Status)
	}
	if got.Error == nil || *got.Error == "" {
		t.Fatalf("expected persisted error message, got %#v", got.Error)
	}
}

func TestProcessTaskRejectsMalformedPayload(t *testing.T) {
	w, _, _ := newWorker(t, &scriptedProvider{})

	err := w.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeAnalysis, []byte("{")))
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
