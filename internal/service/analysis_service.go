package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/chordfinder/api/internal/model"
	"github.com/chordfinder/api/internal/orchestrator"
	"github.com/chordfinder/api/internal/store"
)

const TaskTypeAnalysis = "analysis:process"

// AnalysisTaskPayload is the queued task body for one analysis run.
type AnalysisTaskPayload struct {
	JobID    string `json:"jobId"`
	Owner    string `json:"owner"`
	URL      string `json:"url,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

// AnalysisService manages analysis job records and reconciles
// orchestration outcomes back into them. It is the only writer of
// terminal job state.
type AnalysisService struct {
	store        *store.Store
	asynqClient  *asynq.Client
	orchestrator *orchestrator.Orchestrator
}

func NewAnalysisService(st *store.Store, asynqClient *asynq.Client, orch *orchestrator.Orchestrator) *AnalysisService {
	return &AnalysisService{
		store:        st,
		asynqClient:  asynqClient,
		orchestrator: orch,
	}
}

// Enqueue validates the request, inserts a pending job record and
// queues the orchestration task.
func (s *AnalysisService) Enqueue(ctx context.Context, owner string, req *model.AnalysisRequest) (*model.AnalysisStartResponse, error) {
	in := orchestrator.Input{URL: req.URL, FilePath: req.FilePath}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	job, err := s.createJob(ctx, owner, in)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&AnalysisTaskPayload{
		JobID:    job.ID,
		Owner:    owner,
		URL:      req.URL,
		FilePath: req.FilePath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	// MaxRetry 0: a failed orchestration is terminal; the steps'
	// internal polling is the only retry mechanism.
	_, err = s.asynqClient.Enqueue(asynq.NewTask(TaskTypeAnalysis, payload),
		asynq.Queue("analysis"),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		if failErr := s.store.FailJob(ctx, job.ID, "failed to queue analysis"); failErr != nil {
			log.Printf("Failed to mark unqueued job %s failed: %v", job.ID, failErr)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.AnalysisStartResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Title:     job.Title,
		CreatedAt: job.CreatedAt,
	}, nil
}

// AnalyzeNow runs the whole orchestration within the caller's request
// and reconciles the record before returning the normalized result.
func (s *AnalysisService) AnalyzeNow(ctx context.Context, owner string, req *model.AnalysisRequest) (*model.AnalysisResult, error) {
	in := orchestrator.Input{URL: req.URL, FilePath: req.FilePath}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	job, err := s.createJob(ctx, owner, in)
	if err != nil {
		return nil, err
	}

	return s.Execute(ctx, job.ID, owner, in, nil)
}

// Execute drives one orchestration run and writes the terminal state.
// Any failure marks the job failed; it never stays pending.
func (s *AnalysisService) Execute(ctx context.Context, jobID, owner string, in orchestrator.Input, report orchestrator.ProgressFunc) (*model.AnalysisResult, error) {
	result, err := s.orchestrator.Run(ctx, in, report)
	if err != nil {
		if failErr := s.store.FailJob(ctx, jobID, err.Error()); failErr != nil && !errors.Is(failErr, store.ErrJobTerminal) {
			log.Printf("Failed to mark job %s failed: %v", jobID, failErr)
		}
		return nil, err
	}

	if err := s.store.CompleteJob(ctx, jobID, result); err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}

	if err := s.store.ConsumeCredit(ctx, owner); err != nil {
		// The analysis already succeeded; log and keep the result.
		log.Printf("Failed to consume credit for %s: %v", owner, err)
	}

	return result, nil
}

// GetJob returns a job owned by the caller.
func (s *AnalysisService) GetJob(ctx context.Context, id, owner string) (*model.AnalysisJob, error) {
	return s.store.GetJobForOwner(ctx, id, owner)
}

// ListJobs returns the caller's jobs, newest first.
func (s *AnalysisService) ListJobs(ctx context.Context, owner string) ([]*model.AnalysisJob, error) {
	return s.store.ListJobs(ctx, owner)
}

// DeleteJob removes a job owned by the caller. The store's guarded
// writes keep a concurrent terminal update from resurrecting it.
func (s *AnalysisService) DeleteJob(ctx context.Context, id, owner string) error {
	return s.store.DeleteJob(ctx, id, owner)
}

// createJob checks credits and inserts the pending record.
func (s *AnalysisService) createJob(ctx context.Context, owner string, in orchestrator.Input) (*model.AnalysisJob, error) {
	if err := s.store.EnsureSubscription(ctx, owner); err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscription(ctx, owner)
	if err != nil {
		return nil, err
	}
	if sub.CreditsRemaining <= 0 {
		return nil, store.ErrNoCredits
	}

	job := &model.AnalysisJob{
		ID:        uuid.New().String(),
		Owner:     owner,
		URL:       in.URL,
		FilePath:  in.FilePath,
		Title:     in.Title(),
		Status:    model.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
