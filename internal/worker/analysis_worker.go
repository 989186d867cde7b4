package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/chordfinder/api/internal/model"
	"github.com/chordfinder/api/internal/orchestrator"
	"github.com/chordfinder/api/internal/service"
	"github.com/chordfinder/api/internal/websocket"
)

// AnalysisWorker processes queued analysis jobs. One orchestration run
// executes per task with no shared mutable state across runs; the
// persisted record is the only cross-run surface.
type AnalysisWorker struct {
	analysisService *service.AnalysisService
	hub             *websocket.Hub
}

// NewAnalysisWorker creates a new analysis worker.
func NewAnalysisWorker(analysisService *service.AnalysisService, hub *websocket.Hub) *AnalysisWorker {
	return &AnalysisWorker{
		analysisService: analysisService,
		hub:             hub,
	}
}

// ProcessTask handles one analysis task end to end.
func (w *AnalysisWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.AnalysisTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	jobID := payload.JobID
	log.Printf("Starting analysis job: %s", jobID)

	in := orchestrator.Input{URL: payload.URL, FilePath: payload.FilePath}

	report := func(progress int, step string) {
		w.hub.BroadcastProgress(jobID, progress, model.JobStatusPending, step)
	}

	result, err := w.analysisService.Execute(ctx, jobID, payload.Owner, in, report)
	if err != nil {
		w.hub.BroadcastError(jobID, "ANALYSIS_FAILED", err.Error())
		log.Printf("Analysis job %s failed: %v", jobID, err)
		return err
	}

	w.hub.BroadcastComplete(jobID, result)
	log.Printf("Analysis job %s completed (key=%s bpm=%.0f)", jobID, result.Key, result.BPM)
	return nil
}
