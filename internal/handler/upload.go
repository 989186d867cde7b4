package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/chordfinder/api/internal/middleware"
	"github.com/chordfinder/api/internal/model"
	"github.com/chordfinder/api/internal/service"
	"github.com/chordfinder/api/pkg/response"
)

type UploadHandler struct {
	service *service.UploadService
}

func NewUploadHandler(svc *service.UploadService) *UploadHandler {
	return &UploadHandler{service: svc}
}

// Audio handles POST /api/upload. The stored reference it returns is
// what analysis requests pass as filePath.
func (h *UploadHandler) Audio(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	contentType := file.Header.Get("Content-Type")
	if err := model.ValidateAudioFile(file.Filename, contentType, file.Size); err != nil {
		return response.ValidationError(c, err.Error(), map[string]interface{}{
			"fileName":    file.Filename,
			"contentType": contentType,
			"fileSize":    file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.UploadAudio(c.Context(), middleware.GetUserID(c), file.Filename, contentType, f, file.Size)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, result)
}

// DeleteAudio handles DELETE /api/upload/*  where the wildcard is the
// stored-file key. Only the owner's prefix is deletable.
func (h *UploadHandler) DeleteAudio(c *fiber.Ctx) error {
	key := c.Params("*")
	if key == "" {
		return response.ValidationError(c, "File path is required", nil)
	}

	owner := middleware.GetUserID(c)
	if !strings.HasPrefix(key, owner+"/") {
		return response.Forbidden(c, "File does not belong to caller")
	}

	if err := h.service.DeleteAudio(c.Context(), key); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.NoContent(c)
}
