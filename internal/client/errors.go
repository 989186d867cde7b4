package client

import (
	"errors"
	"fmt"
)

// Terminal client failures. Each polling or creation step surfaces a
// distinct error so a failed run can be attributed to the exact remote
// stage.
var (
	ErrUploadTimeout    = errors.New("asset upload did not complete within the polling window")
	ErrAnalysisTimeout  = errors.New("analysis task did not complete within the polling window")
	ErrIncompleteResult = errors.New("final asset data missing from completed analysis")
	ErrAssetCreation    = errors.New("asset creation response carried no asset id")
	ErrTaskCreation     = errors.New("task creation response carried no task id")
)

// APIError is any non-2xx response from the analysis service. It keeps
// the HTTP status and raw body for diagnostics.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fadr %s failed (status %d): %s", e.Op, e.Status, e.Body)
}

// UploadError is a failed binary transfer to the upload slot, either a
// non-2xx response or a transport-level failure (including the hard
// upload timeout).
type UploadError struct {
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payload upload failed: %v", e.Err)
	}
	return fmt.Sprintf("payload upload failed with status %d", e.Status)
}

func (e *UploadError) Unwrap() error { return e.Err }
