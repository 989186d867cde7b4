package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MaxUploadSize is the payload ceiling applied before any remote call.
const MaxUploadSize = 50 * 1024 * 1024 // 50MB

// Accepted audio formats. The lists are a superset covering every
// client the service has shipped with.
var (
	allowedExtensions = map[string]bool{
		".mp3": true,
		".wav": true,
		".m4a": true,
		".aac": true,
		".ogg": true,
	}

	allowedMIMETypes = map[string]bool{
		"audio/mpeg":  true,
		"audio/wav":   true,
		"audio/x-m4a": true,
		"audio/aac":   true,
		"audio/ogg":   true,
	}
)

// ValidateAudioFile checks name, declared content type and size against
// the upload policy. It returns a descriptive error suitable for the
// response envelope; no network traffic may happen before this passes.
func ValidateAudioFile(fileName, contentType string, size int64) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	if !allowedExtensions[ext] {
		return fmt.Errorf("unsupported file extension %q (allowed: .mp3 .wav .m4a .aac .ogg)", ext)
	}

	// Content type may carry parameters, e.g. "audio/ogg; codecs=opus".
	mime := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if mime != "" && !allowedMIMETypes[mime] {
		return fmt.Errorf("unsupported content type %q (allowed: audio/mpeg, audio/wav, audio/x-m4a, audio/aac, audio/ogg)", mime)
	}

	if size > MaxUploadSize {
		return fmt.Errorf("file size %d exceeds 50MB limit", size)
	}

	return nil
}

// TitleFromSource derives a display name from a URL or file name by
// taking the final path segment.
func TitleFromSource(source string) string {
	trimmed := strings.TrimRight(source, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.IndexByte(trimmed, '?'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return "Unknown"
	}
	return trimmed
}
