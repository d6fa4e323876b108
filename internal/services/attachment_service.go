package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"qatrack/internal/domain/attachment"
	"qatrack/internal/domain/upload"
	"qatrack/internal/events"
	"qatrack/internal/metrics"
	"qatrack/internal/repository"
	"qatrack/internal/storage"
	qatrack_errors "qatrack/pkg/errors"
	"qatrack/pkg/logger"
)

const downloadCacheSize = 1024

type DownloadURL struct {
	URL       string
	ExpiresAt time.Time
	FileName  string
	MimeType  string
}

type DeletePlan struct {
	Attachment attachment.Record
	StorageKey string
}

// AttachmentService serves reads and deletes of records created by upload completion.
type AttachmentService struct {
	gateway   storage.Gateway
	repo      repository.AttachmentRepository
	events    events.Publisher
	metrics   metrics.Recorder
	downloads *expirable.LRU[string, DownloadURL]
	now       func() time.Time
}

// NewAttachmentService caches presigned download URLs by storage key for half of
// downloadTTL so a cached URL always has at least that much life left.
func NewAttachmentService(gateway storage.Gateway, repo repository.AttachmentRepository, publisher events.Publisher, recorder metrics.Recorder, downloadTTL time.Duration) *AttachmentService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if downloadTTL <= 0 {
		downloadTTL = storage.DefaultDownloadTTL
	}
	return &AttachmentService{
		gateway:   gateway,
		repo:      repo,
		events:    publisher,
		metrics:   recorder,
		downloads: expirable.NewLRU[string, DownloadURL](downloadCacheSize, nil, downloadTTL/2),
		now:       time.Now,
	}
}

func (s *AttachmentService) GetDownloadURL(ctx context.Context, id uuid.UUID) (dl DownloadURL, err error) {
	start := s.now()
	defer func() { s.metrics.ObserveOperation(metrics.OpDownload, time.Since(start), err) }()

	// The record is the source of truth; another instance may have deleted it.
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return DownloadURL{}, err
	}
	if cached, ok := s.downloads.Get(rec.StorageKey); ok {
		return cached, nil
	}
	if s.gateway == nil {
		return DownloadURL{}, qatrack_errors.BackendUnavailable(nil, false, "storage backend is not configured")
	}
	req, err := s.gateway.PresignGetObject(ctx, rec.StorageKey, rec.FileName)
	if err != nil {
		logger.WithContext(ctx).Error("presign download failed", zap.String("attachment_id", id.String()), zap.Error(err))
		return DownloadURL{}, err
	}
	dl = DownloadURL{URL: req.URL, ExpiresAt: req.ExpiresAt, FileName: rec.FileName, MimeType: rec.MimeType}
	s.downloads.Add(rec.StorageKey, dl)
	return dl, nil
}

func (s *AttachmentService) PrepareDelete(ctx context.Context, id uuid.UUID) (DeletePlan, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return DeletePlan{}, err
	}
	return DeletePlan{Attachment: rec, StorageKey: rec.StorageKey}, nil
}

// ConfirmDelete removes the stored object, then the record. An object that is
// already gone does not block removing the record.
func (s *AttachmentService) ConfirmDelete(ctx context.Context, id uuid.UUID) (err error) {
	start := s.now()
	defer func() { s.metrics.ObserveOperation(metrics.OpDelete, time.Since(start), err) }()
	log := logger.WithContext(ctx)

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if s.gateway == nil {
		return qatrack_errors.BackendUnavailable(nil, false, "storage backend is not configured")
	}
	if err := s.gateway.DeleteObject(ctx, rec.StorageKey); err != nil && !errors.Is(err, qatrack_errors.ErrNotFound) {
		log.Error("delete stored object failed", zap.String("storage_key", rec.StorageKey), zap.Error(err))
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.downloads.Remove(rec.StorageKey)

	payload := events.AttachmentDeletedPayload{
		AttachmentID: rec.ID.String(),
		StorageKey:   rec.StorageKey,
		EntityType:   rec.EntityType,
	}
	if rec.EntityID != nil {
		payload.EntityID = rec.EntityID.String()
	}
	env, err := events.NewEnvelope(events.EventTypeAttachmentDeleted, events.AggregateAttachment, rec.ID.String(), rec.ProjectID.String(), payload)
	if err == nil {
		err = s.events.Publish(ctx, env)
	}
	if err != nil {
		log.Warn("event publish failed", zap.String("event_type", events.EventTypeAttachmentDeleted), zap.Error(err))
	}

	log.Info("attachment deleted", zap.String("attachment_id", id.String()))
	return nil
}

func (s *AttachmentService) ListAttachments(ctx context.Context, entityType upload.EntityType, entityID uuid.UUID) ([]attachment.Record, error) {
	if !entityType.Valid() {
		return nil, qatrack_errors.BadRequest("unknown entityType %q", entityType)
	}
	if entityID == uuid.Nil {
		return nil, qatrack_errors.BadRequest("entityId is required")
	}
	return s.repo.ListByEntity(ctx, string(entityType), entityID)
}
