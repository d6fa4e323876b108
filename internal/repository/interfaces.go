package repository

import (
	"context"

	"github.com/google/uuid"

	"qatrack/internal/domain/attachment"
)

type AttachmentRepository interface {
	Create(ctx context.Context, r *attachment.Record) error
	GetByID(ctx context.Context, id uuid.UUID) (attachment.Record, error)
	GetByStorageKey(ctx context.Context, storageKey string) (attachment.Record, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]attachment.Record, error)
}
