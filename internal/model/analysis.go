package model

import "time"

// JobStatus is the lifecycle state of an analysis job. A job starts
// pending and transitions exactly once to completed or failed.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AnalysisJob is the persisted record of one song-analysis request.
// Source is exactly one of URL / FilePath and is immutable once set.
// Key, BPM and Chords are present only once Status is completed.
type AnalysisJob struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url,omitempty"`
	FilePath  string    `json:"filePath,omitempty"`
	Title     string    `json:"title"`
	Status    JobStatus `json:"status"`
	Key       string    `json:"key,omitempty"`
	BPM       float64   `json:"bpm,omitempty"`
	Chords    []string  `json:"chords,omitempty"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnalysisRequest is the inbound request body for both the queued and
// the synchronous analyze endpoints. Exactly one of URL / FilePath must
// be populated.
type AnalysisRequest struct {
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
	FilePath string `json:"filePath,omitempty"`
}

// AnalysisStartResponse acknowledges a queued job.
type AnalysisStartResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnalysisResult is the normalized terminal outcome of a run.
// Chords carries the stem identifiers reported by the analysis
// provider; the field name is kept for compatibility with existing
// clients.
type AnalysisResult struct {
	Key    string   `json:"key"`
	BPM    float64  `json:"bpm"`
	Chords []string `json:"chords"`
}

// UploadResponse is returned after an audio file has been stored.
// FilePath is the stored-file reference accepted by AnalysisRequest.
type UploadResponse struct {
	FilePath  string    `json:"filePath"`
	Title     string    `json:"title"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}
