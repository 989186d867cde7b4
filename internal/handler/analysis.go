package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/chordfinder/api/internal/middleware"
	"github.com/chordfinder/api/internal/model"
	"github.com/chordfinder/api/internal/orchestrator"
	"github.com/chordfinder/api/internal/service"
	"github.com/chordfinder/api/internal/store"
	"github.com/chordfinder/api/pkg/response"
)

type AnalysisHandler struct {
	service   *service.AnalysisService
	validator *validator.Validate
}

func NewAnalysisHandler(svc *service.AnalysisService, v *validator.Validate) *AnalysisHandler {
	return &AnalysisHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/analysis: queue an analysis job.
func (h *AnalysisHandler) Start(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return err
	}

	result, err := h.service.Enqueue(c.Context(), middleware.GetUserID(c), req)
	if err != nil {
		return analysisFailure(c, err)
	}

	return response.Accepted(c, result)
}

// Run handles POST /api/analysis/run: perform the analysis within the
// request and answer the normalized {key, bpm, chords} triple.
func (h *AnalysisHandler) Run(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return err
	}

	result, err := h.service.AnalyzeNow(c.Context(), middleware.GetUserID(c), req)
	if err != nil {
		return analysisFailure(c, err)
	}

	return response.OK(c, result)
}

// Get handles GET /api/analysis/:jobId
func (h *AnalysisHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.GetJob(c.Context(), jobID, middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, job)
}

// List handles GET /api/analysis
func (h *AnalysisHandler) List(c *fiber.Ctx) error {
	jobs, err := h.service.ListJobs(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	if jobs == nil {
		jobs = []*model.AnalysisJob{}
	}

	return response.OK(c, fiber.Map{"jobs": jobs})
}

// Delete handles DELETE /api/analysis/:jobId
func (h *AnalysisHandler) Delete(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	err := h.service.DeleteJob(c.Context(), jobID, middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.NoContent(c)
}

func (h *AnalysisHandler) parseRequest(c *fiber.Ctx) (*model.AnalysisRequest, error) {
	var req model.AnalysisRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return nil, response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	return &req, nil
}

// analysisFailure maps orchestration errors onto the response
// contract: 400 for caller input problems, 402 for exhausted credits,
// 500 for remote/upstream failures.
func analysisFailure(c *fiber.Ctx, err error) error {
	var validationErr *orchestrator.ValidationError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return response.ValidationError(c, err.Error(), nil)
	case errors.As(err, &validationErr):
		return response.ValidationError(c, validationErr.Reason, nil)
	case errors.Is(err, store.ErrNoCredits):
		return response.PaymentRequired(c, "No analysis credits remaining")
	default:
		return response.AnalysisError(c, "Analysis failed", err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
