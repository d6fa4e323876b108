package handler

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"qatrack/internal/domain/attachment"
	"qatrack/internal/transport/httpdto"
)

func toAttachmentDTO(rec attachment.Record) httpdto.AttachmentDTO {
	dto := httpdto.AttachmentDTO{
		ID:         rec.ID.String(),
		StorageKey: rec.StorageKey,
		FileName:   rec.FileName,
		FileSize:   rec.FileSize,
		MimeType:   rec.MimeType,
		ProjectID:  rec.ProjectID.String(),
		EntityType: rec.EntityType,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.EntityID != nil {
		dto.EntityID = rec.EntityID.String()
	}
	if rec.UploaderID != nil {
		dto.UploaderID = rec.UploaderID.String()
	}
	return dto
}

// parseOptionalUUID returns nil for an absent or blank value.
func parseOptionalUUID(value *string) (*uuid.UUID, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*value))
	if err != nil {
		return nil, err
	}
	return &id, nil
}
