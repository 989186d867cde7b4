package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/chordfinder/api/internal/client"
	"github.com/chordfinder/api/internal/model"
)

// UploadService stores inbound audio files in the blob store and hands
// back the stored-file reference used by analysis requests.
type UploadService struct {
	storage client.StorageClient
}

func NewUploadService(storage client.StorageClient) *UploadService {
	return &UploadService{storage: storage}
}

// UploadAudio writes the file under {owner}/{randomId}-{fileName}.
func (s *UploadService) UploadAudio(ctx context.Context, owner, fileName, contentType string, file io.Reader, size int64) (*model.UploadResponse, error) {
	if s.storage == nil {
		return nil, fmt.Errorf("storage not configured")
	}

	key := fmt.Sprintf("%s/%s-%s", owner, uuid.New().String(), fileName)

	if _, err := s.storage.Upload(ctx, key, file, contentType); err != nil {
		return nil, fmt.Errorf("failed to upload audio: %w", err)
	}

	return &model.UploadResponse{
		FilePath:  key,
		Title:     fileName,
		Size:      size,
		CreatedAt: time.Now(),
	}, nil
}

// DeleteAudio removes a stored file by its full key.
func (s *UploadService) DeleteAudio(ctx context.Context, key string) error {
	if s.storage == nil {
		return nil
	}
	return s.storage.Delete(ctx, key)
}
