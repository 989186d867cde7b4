package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chordfinder/api/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*FadrClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewFadrClient(&config.FadrConfig{
		APIKey:              "test-key",
		BaseURL:             srv.URL,
		PollIntervalSeconds: 1,
		AssetPollAttempts:   3,
		TaskPollAttempts:    3,
	})
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestCreateUploadSlot(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/assets/upload2" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["name"] != "track.mp3" || body["extension"] != "mp3" {
			t.Errorf("unexpected request body: %v", body)
		}
		writeJSON(t, w, map[string]string{"url": "https://uploads.example/slot", "s3Path": "tmp/abc"})
	}))

	slot, err := c.CreateUploadSlot(context.Background(), "track.mp3")
	if err != nil {
		t.Fatalf("CreateUploadSlot failed: %v", err)
	}
	if slot.URL != "https://uploads.example/slot" || slot.S3Path != "tmp/abc" {
		t.Fatalf("unexpected slot: %#v", slot)
	}
}

func TestCreateUploadSlotMissingFields(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"url": "https://uploads.example/slot"})
	}))

	_, err := c.CreateUploadSlot(context.Background(), "track.mp3")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestCreateUploadSlotServerError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no credits", http.StatusPaymentRequired)
	}))

	_, err := c.CreateUploadSlot(context.Background(), "track.mp3")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", apiErr.Status)
	}
}

func TestUploadPayload(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "audio/mpeg" {
			t.Errorf("unexpected content type %q", ct)
		}
		buf, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		uploaded = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, http.NewServeMux())

	var last float64
	err := c.UploadPayload(context.Background(), srv.URL, []byte("audio-bytes"), func(f float64) { last = f })
	if err != nil {
		t.Fatalf("UploadPayload failed: %v", err)
	}
	if string(uploaded) != "audio-bytes" {
		t.Fatalf("unexpected upload body: %q", uploaded)
	}
	if last != 1 {
		t.Fatalf("expected final progress 1, got %v", last)
	}
}

func TestUploadPayloadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, http.NewServeMux())

	err := c.UploadPayload(context.Background(), srv.URL, []byte("x"), nil)
	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if upErr.Status != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", upErr.Status)
	}
}

func TestCreateAsset(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["group"] != "song-analysis" || body["s3Path"] != "tmp/abc" {
			t.Errorf("unexpected request body: %v", body)
		}
		writeJSON(t, w, map[string]any{"asset": map[string]any{"_id": "asset-1"}})
	}))

	id, err := c.CreateAsset(context.Background(), "track.mp3", "tmp/abc")
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	if id != "asset-1" {
		t.Fatalf("unexpected asset id %q", id)
	}
}

func TestCreateAssetEmptyID(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"asset": map[string]any{}})
	}))

	_, err := c.CreateAsset(context.Background(), "track.mp3", "tmp/abc")
	if !errors.Is(err, ErrAssetCreation) {
		t.Fatalf("expected ErrAssetCreation, got %v", err)
	}
}

func TestAwaitAssetReadySingleReadWhenReady(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(t, w, map[string]any{"asset": map[string]any{"_id": "asset-1", "uploadComplete": true}})
	}))

	asset, err := c.AwaitAssetReady(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("AwaitAssetReady failed: %v", err)
	}
	if !asset.UploadComplete {
		t.Fatal("expected uploadComplete asset")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 status read for a ready asset, got %d", got)
	}
}

func TestAwaitAssetReadyEventually(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		writeJSON(t, w, map[string]any{"asset": map[string]any{"_id": "asset-1", "uploadComplete": n >= 3}})
	}))

	asset, err := c.AwaitAssetReady(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("AwaitAssetReady failed: %v", err)
	}
	if !asset.UploadComplete {
		t.Fatal("expected uploadComplete asset")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 status reads, got %d", got)
	}
}

func TestAwaitAssetReadyTimesOut(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(t, w, map[string]any{"asset": map[string]any{"_id": "asset-1", "uploadComplete": false}})
	}))

	_, err := c.AwaitAssetReady(context.Background(), "asset-1")
	if !errors.Is(err, ErrUploadTimeout) {
		t.Fatalf("expected ErrUploadTimeout, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected attempt ceiling of 3, got %d reads", got)
	}
}

func TestAwaitAssetReadyCancelled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"asset": map[string]any{"_id": "asset-1", "uploadComplete": false}})
	}))
	c.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.AwaitAssetReady(ctx, "asset-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCreateAnalysisTask(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/analyze/stem" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["_id"] != "asset-1" {
			t.Errorf("unexpected request body: %v", body)
		}
		writeJSON(t, w, map[string]any{"task": map[string]any{"_id": "task-1"}})
	}))

	id, err := c.CreateAnalysisTask(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("CreateAnalysisTask failed: %v", err)
	}
	if id != "task-1" {
		t.Fatalf("unexpected task id %q", id)
	}
}

func TestAwaitTaskCompletion(t *testing.T) {
	var taskReads int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/task-1":
			n := atomic.AddInt32(&taskReads, 1)
			writeJSON(t, w, map[string]any{"task": map[string]any{
				"_id":    "task-1",
				"asset":  "asset-1",
				"status": map[string]any{"complete": n >= 2},
			}})
		case "/assets/asset-1":
			writeJSON(t, w, map[string]any{"asset": map[string]any{
				"_id":            "asset-1",
				"uploadComplete": true,
				"metaData":       map[string]any{"key": "C#m", "tempo": 128.0},
				"stems":          []string{"vocals", "drums"},
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	asset, err := c.AwaitTaskCompletion(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("AwaitTaskCompletion failed: %v", err)
	}
	if asset.MetaData.Key != "C#m" || asset.MetaData.Tempo != 128 {
		t.Fatalf("unexpected metadata: %#v", asset.MetaData)
	}
	if len(asset.Stems) != 2 {
		t.Fatalf("unexpected stems: %v", asset.Stems)
	}
}

func TestAwaitTaskCompletionTimesOut(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"task": map[string]any{
			"_id":    "task-1",
			"asset":  "asset-1",
			"status": map[string]any{"complete": false},
		}})
	}))

	_, err := c.AwaitTaskCompletion(context.Background(), "task-1")
	if !errors.Is(err, ErrAnalysisTimeout) {
		t.Fatalf("expected ErrAnalysisTimeout, got %v", err)
	}
}

func TestDoRequestMalformedBody(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))

	_, err := c.CreateUploadSlot(context.Background(), "track.mp3")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestFileExtension(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"track.mp3", "mp3"},
		{"track.WAV", "WAV"},
		{"archive.tar.gz", "gz"},
		{"noextension", "mp3"},
	}
	for _, tc := range cases {
		if got := fileExtension(tc.name); got != tc.want {
			t.Errorf("fileExtension(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
