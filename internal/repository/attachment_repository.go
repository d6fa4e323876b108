package repository

import (
	"context"
	"errors"
	"fmt"

	"qatrack/internal/domain/attachment"
	qatrack_errors "qatrack/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresAttachmentRepository struct {
	db *gorm.DB
}

func NewAttachmentRepository(db *gorm.DB) AttachmentRepository {
	return &PostgresAttachmentRepository{db: db}
}

func (r *PostgresAttachmentRepository) Create(ctx context.Context, rec *attachment.Record) error {
	res := r.db.WithContext(ctx).Create(rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("attachment for %s: %w", rec.StorageKey, qatrack_errors.ErrAlreadyExists)
		}
		return qatrack_errors.BackendUnavailable(res.Error, true, "insert attachment")
	}
	return nil
}

func (r *PostgresAttachmentRepository) GetByID(ctx context.Context, id uuid.UUID) (attachment.Record, error) {
	var rec attachment.Record
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return attachment.Record{}, qatrack_errors.NotFound("attachment %s not found", id)
		}
		return attachment.Record{}, qatrack_errors.BackendUnavailable(err, true, "load attachment")
	}
	return rec, nil
}

func (r *PostgresAttachmentRepository) GetByStorageKey(ctx context.Context, storageKey string) (attachment.Record, error) {
	var rec attachment.Record
	err := r.db.WithContext(ctx).Where("storage_key = ?", storageKey).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return attachment.Record{}, qatrack_errors.NotFound("no attachment for storage key")
		}
		return attachment.Record{}, qatrack_errors.BackendUnavailable(err, true, "load attachment")
	}
	return rec, nil
}

func (r *PostgresAttachmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&attachment.Record{}, "id = ?", id)
	if res.Error != nil {
		return qatrack_errors.BackendUnavailable(res.Error, true, "delete attachment")
	}
	if res.RowsAffected == 0 {
		return qatrack_errors.NotFound("attachment %s not found", id)
	}
	return nil
}

func (r *PostgresAttachmentRepository) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]attachment.Record, error) {
	var records []attachment.Record
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, qatrack_errors.BackendUnavailable(err, true, "list attachments")
	}
	return records, nil
}
