package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"qatrack/internal/domain/attachment"
	"qatrack/internal/domain/upload"
	"qatrack/internal/events"
	"qatrack/internal/metrics"
	"qatrack/internal/redis"
	"qatrack/internal/repository"
	"qatrack/internal/storage"
	qatrack_errors "qatrack/pkg/errors"
	"qatrack/pkg/logger"
)

// sessionGrace keeps the correlation entry around after the part URLs expire so
// a late complete or abort still finds it.
const sessionGrace = time.Hour

type SessionStore interface {
	Save(ctx context.Context, sess upload.Session, ttl time.Duration) error
	Get(ctx context.Context, uploadID string) (upload.Session, error)
	MarkState(ctx context.Context, uploadID string, state upload.SessionState) (upload.SessionState, error)
}

type UploadService struct {
	gateway  storage.Gateway
	repo     repository.AttachmentRepository
	sessions SessionStore
	events   events.Publisher
	metrics  metrics.Recorder
	policy   UploadPolicy
	retry    qatrack_errors.RetryConfig
	now      func() time.Time
}

type InitializeInput struct {
	FileName   string
	FileSize   int64
	MimeType   string
	ProjectID  uuid.UUID
	EntityType upload.EntityType
	EntityID   *uuid.UUID
	UploaderID *uuid.UUID
}

type InitializeResult struct {
	StorageKey string
	UploadID   string
	PartSize   int64
	PartCount  int
	Parts      []upload.PartAuthorization
	ExpiresAt  time.Time
}

type CompleteInput struct {
	UploadID   string
	StorageKey string
	Parts      []upload.CompletedPart
	FileName   string
	FileSize   int64
	MimeType   string
	EntityID   *uuid.UUID
	UploaderID *uuid.UUID
}

// NewUploadService wires the orchestrator. A nil gateway means storage is not
// configured; every call that needs it fails with a backend error.
func NewUploadService(gateway storage.Gateway, repo repository.AttachmentRepository, sessions SessionStore, publisher events.Publisher, recorder metrics.Recorder, policy UploadPolicy) *UploadService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &UploadService{
		gateway:  gateway,
		repo:     repo,
		sessions: sessions,
		events:   publisher,
		metrics:  recorder,
		policy:   policy,
		retry: qatrack_errors.RetryConfig{
			MaxRetries:   1,
			BaseDelay:    200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			JitterFactor: 0.2,
		},
		now: time.Now,
	}
}

func (s *UploadService) InitializeUpload(ctx context.Context, in InitializeInput) (result InitializeResult, err error) {
	start := s.now()
	defer func() { s.metrics.ObserveOperation(metrics.OpInitialize, time.Since(start), err) }()
	log := logger.WithContext(ctx)

	in.FileName = strings.TrimSpace(in.FileName)
	switch {
	case in.FileName == "":
		return InitializeResult{}, qatrack_errors.BadRequest("fileName is required")
	case in.ProjectID == uuid.Nil:
		return InitializeResult{}, qatrack_errors.BadRequest("projectId is required")
	case in.EntityType == "":
		return InitializeResult{}, qatrack_errors.BadRequest("entityType is required")
	case !in.EntityType.Valid():
		return InitializeResult{}, qatrack_errors.BadRequest("unknown entityType %q", in.EntityType)
	case in.EntityID != nil && *in.EntityID == uuid.Nil:
		return InitializeResult{}, qatrack_errors.BadRequest("entityId must be a valid id when given")
	case strings.TrimSpace(in.MimeType) == "":
		return InitializeResult{}, qatrack_errors.BadRequest("mimeType is required")
	}
	if err := s.policy.CheckSize(in.FileSize); err != nil {
		return InitializeResult{}, err
	}
	if err := s.policy.CheckType(in.EntityType, in.MimeType); err != nil {
		return InitializeResult{}, err
	}
	if s.gateway == nil {
		return InitializeResult{}, qatrack_errors.BackendUnavailable(nil, false, "storage backend is not configured")
	}

	now := s.now()
	key := BuildStorageKey(in.EntityType, in.ProjectID, in.FileName, now)
	partSize := s.policy.PartSizeFor(in.FileSize)
	partCount := upload.PartCount(in.FileSize, partSize)

	uploadID, err := s.gateway.CreateMultipartUpload(ctx, key, in.MimeType)
	if err != nil {
		log.Error("create multipart upload failed", zap.String("storage_key", key), zap.Error(err))
		return InitializeResult{}, err
	}

	parts := make([]upload.PartAuthorization, 0, partCount)
	for n := 1; n <= partCount; n++ {
		req, err := s.gateway.PresignUploadPart(ctx, key, uploadID, int32(n))
		if err != nil {
			log.Error("presign upload part failed", zap.String("upload_id", uploadID), zap.Int("part", n), zap.Error(err))
			if abortErr := s.gateway.AbortMultipartUpload(ctx, key, uploadID); abortErr != nil {
				log.Warn("abort after presign failure failed", zap.String("upload_id", uploadID), zap.Error(abortErr))
			}
			return InitializeResult{}, err
		}
		parts = append(parts, upload.PartAuthorization{PartNumber: int32(n), URL: req.URL, ExpiresAt: req.ExpiresAt})
	}
	expiresAt := parts[0].ExpiresAt

	sess := upload.Session{
		UploadID:   uploadID,
		StorageKey: key,
		FileName:   in.FileName,
		FileSize:   in.FileSize,
		MimeType:   in.MimeType,
		ProjectID:  in.ProjectID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		UploaderID: in.UploaderID,
		PartSize:   partSize,
		PartCount:  partCount,
		State:      upload.SessionInitiated,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if s.sessions != nil {
		if err := s.sessions.Save(ctx, sess, expiresAt.Sub(now)+sessionGrace); err != nil {
			log.Warn("failed to record upload session", zap.String("upload_id", uploadID), zap.Error(err))
		}
	}

	log.Info("upload initialized",
		zap.String("upload_id", uploadID),
		zap.String("storage_key", key),
		zap.Int64("file_size", in.FileSize),
		zap.Int("part_count", partCount),
	)
	return InitializeResult{
		StorageKey: key,
		UploadID:   uploadID,
		PartSize:   partSize,
		PartCount:  partCount,
		Parts:      parts,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *UploadService) CompleteUpload(ctx context.Context, in CompleteInput) (rec attachment.Record, err error) {
	start := s.now()
	defer func() { s.metrics.ObserveOperation(metrics.OpComplete, time.Since(start), err) }()
	log := logger.WithContext(ctx)

	if in.UploadID == "" || in.StorageKey == "" {
		return attachment.Record{}, qatrack_errors.BadRequest("uploadId and storageKey are required")
	}
	entityType, projectID, err := ParseStorageKey(in.StorageKey)
	if err != nil {
		return attachment.Record{}, err
	}
	parts, err := orderedParts(in.Parts)
	if err != nil {
		return attachment.Record{}, err
	}

	sess, found := s.lookupSession(ctx, in.UploadID)
	if found {
		if sess.StorageKey != in.StorageKey {
			return attachment.Record{}, qatrack_errors.BadRequest("storageKey does not belong to upload %s", in.UploadID)
		}
		switch sess.State {
		case upload.SessionAborted:
			return attachment.Record{}, qatrack_errors.SessionState(nil, "upload %s was aborted", in.UploadID)
		case upload.SessionCompleted:
			return attachment.Record{}, qatrack_errors.SessionState(nil, "upload %s is already completed", in.UploadID)
		}
		if in.FileSize > 0 && in.FileSize != sess.FileSize {
			return attachment.Record{}, qatrack_errors.BadRequest("fileSize %d does not match the initialized size %d", in.FileSize, sess.FileSize)
		}
		if len(parts) != sess.PartCount {
			return attachment.Record{}, qatrack_errors.BadRequest("expected %d parts, got %d", sess.PartCount, len(parts))
		}
		in.FileSize = sess.FileSize
		if in.FileName == "" {
			in.FileName = sess.FileName
		}
		if in.MimeType == "" {
			in.MimeType = sess.MimeType
		}
		if in.EntityID == nil {
			in.EntityID = sess.EntityID
		}
		if in.UploaderID == nil {
			in.UploaderID = sess.UploaderID
		}
	}
	in.FileName = strings.TrimSpace(in.FileName)
	if in.FileName == "" {
		return attachment.Record{}, qatrack_errors.BadRequest("fileName is required")
	}
	if in.FileSize <= 0 {
		return attachment.Record{}, qatrack_errors.BadRequest("fileSize must be greater than zero")
	}
	if s.gateway == nil {
		return attachment.Record{}, qatrack_errors.BackendUnavailable(nil, false, "storage backend is not configured")
	}

	etag, err := s.assemble(ctx, in.StorageKey, in.UploadID, parts)
	if err != nil {
		log.Warn("complete multipart upload failed",
			zap.String("upload_id", in.UploadID),
			zap.String("kind", string(qatrack_errors.KindOf(err))),
			zap.Error(err),
		)
		return attachment.Record{}, err
	}

	info, err := s.gateway.StatObject(ctx, in.StorageKey)
	if err != nil {
		log.Error("stat assembled object failed", zap.String("storage_key", in.StorageKey), zap.Error(err))
		return attachment.Record{}, qatrack_errors.BackendUnavailable(err, false, "assembled object is not readable")
	}
	if info.Size != in.FileSize {
		s.removeObject(ctx, in.StorageKey)
		return attachment.Record{}, qatrack_errors.BadRequest("assembled object is %d bytes, declared %d", info.Size, in.FileSize)
	}
	if etag == "" {
		etag = info.ETag
	}

	rec = attachment.Record{
		StorageKey: in.StorageKey,
		FileName:   in.FileName,
		FileSize:   info.Size,
		MimeType:   in.MimeType,
		ETag:       etag,
		ProjectID:  projectID,
		EntityType: string(entityType),
		EntityID:   in.EntityID,
		UploaderID: in.UploaderID,
	}
	if err := s.repo.Create(ctx, &rec); err != nil {
		if errors.Is(err, qatrack_errors.ErrAlreadyExists) {
			return attachment.Record{}, qatrack_errors.SessionState(err, "upload %s is already completed", in.UploadID)
		}
		log.Error("insert attachment failed", zap.String("storage_key", in.StorageKey), zap.Error(err))
		s.removeObject(ctx, in.StorageKey)
		return attachment.Record{}, err
	}

	if found {
		if _, err := s.sessions.MarkState(ctx, in.UploadID, upload.SessionCompleted); err != nil {
			log.Warn("failed to mark upload session completed", zap.String("upload_id", in.UploadID), zap.Error(err))
		}
	}
	s.metrics.AddCompletedBytes(rec.FileSize)
	s.publish(ctx, events.EventTypeAttachmentCreated, events.AggregateAttachment, rec.ID.String(), projectID, createdPayload(rec))

	log.Info("upload completed",
		zap.String("upload_id", in.UploadID),
		zap.String("attachment_id", rec.ID.String()),
		zap.Int64("file_size", rec.FileSize),
	)
	return rec, nil
}

// assemble completes the multipart upload, retrying transient backend failures.
// A retry that finds the upload gone checks whether the first attempt landed.
func (s *UploadService) assemble(ctx context.Context, key, uploadID string, parts []upload.CompletedPart) (string, error) {
	attempt := 0
	return qatrack_errors.RetryWithResult(ctx, s.retry, logger.WithContext(ctx), func(ctx context.Context) (string, error) {
		attempt++
		etag, err := s.gateway.CompleteMultipartUpload(ctx, key, uploadID, parts)
		if err == nil || attempt == 1 || qatrack_errors.KindOf(err) != qatrack_errors.KindSessionState {
			return etag, err
		}
		if info, statErr := s.gateway.StatObject(ctx, key); statErr == nil {
			return info.ETag, nil
		}
		return "", err
	})
}

func (s *UploadService) AbortUpload(ctx context.Context, uploadID, storageKey string) (err error) {
	start := s.now()
	defer func() { s.metrics.ObserveOperation(metrics.OpAbort, time.Since(start), err) }()
	log := logger.WithContext(ctx)

	if uploadID == "" || storageKey == "" {
		return qatrack_errors.BadRequest("uploadId and storageKey are required")
	}
	_, projectID, err := ParseStorageKey(storageKey)
	if err != nil {
		return err
	}

	sess, found := s.lookupSession(ctx, uploadID)
	if found {
		if sess.StorageKey != storageKey {
			return qatrack_errors.BadRequest("storageKey does not belong to upload %s", uploadID)
		}
		if sess.State == upload.SessionCompleted {
			log.Info("abort ignored for completed upload", zap.String("upload_id", uploadID))
			return nil
		}
	}
	if s.gateway == nil {
		return qatrack_errors.BackendUnavailable(nil, false, "storage backend is not configured")
	}

	firstAbort := true
	if err := s.gateway.AbortMultipartUpload(ctx, storageKey, uploadID); err != nil {
		if qatrack_errors.KindOf(err) != qatrack_errors.KindSessionState {
			log.Error("abort multipart upload failed", zap.String("upload_id", uploadID), zap.Error(err))
			return err
		}
		// Already gone on the backend.
		firstAbort = false
	}

	if found {
		prev, err := s.sessions.MarkState(ctx, uploadID, upload.SessionAborted)
		if err != nil {
			log.Warn("failed to mark upload session aborted", zap.String("upload_id", uploadID), zap.Error(err))
		} else {
			firstAbort = prev != upload.SessionAborted
		}
	}

	if firstAbort {
		s.publish(ctx, events.EventTypeUploadAborted, events.AggregateUpload, uploadID, projectID, events.UploadAbortedPayload{
			UploadID:   uploadID,
			StorageKey: storageKey,
		})
		log.Info("upload aborted", zap.String("upload_id", uploadID), zap.String("storage_key", storageKey))
	}
	return nil
}

func (s *UploadService) lookupSession(ctx context.Context, uploadID string) (upload.Session, bool) {
	if s.sessions == nil {
		return upload.Session{}, false
	}
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if !errors.Is(err, redis.ErrSessionNotFound) {
			logger.WithContext(ctx).Warn("upload session lookup failed", zap.String("upload_id", uploadID), zap.Error(err))
		}
		return upload.Session{}, false
	}
	return sess, true
}

func (s *UploadService) removeObject(ctx context.Context, key string) {
	if err := s.gateway.DeleteObject(ctx, key); err != nil && !errors.Is(err, qatrack_errors.ErrNotFound) {
		logger.WithContext(ctx).Error("failed to remove orphaned object", zap.String("storage_key", key), zap.Error(err))
	}
}

func (s *UploadService) publish(ctx context.Context, eventType, aggregateType, aggregateID string, projectID uuid.UUID, payload interface{}) {
	env, err := events.NewEnvelope(eventType, aggregateType, aggregateID, projectID.String(), payload)
	if err == nil {
		err = s.events.Publish(ctx, env)
	}
	if err != nil {
		logger.WithContext(ctx).Warn("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

// orderedParts returns the parts sorted by number after checking they form 1..n.
func orderedParts(parts []upload.CompletedPart) ([]upload.CompletedPart, error) {
	if len(parts) == 0 {
		return nil, qatrack_errors.BadRequest("parts must not be empty")
	}
	if len(parts) > storage.MaxParts {
		return nil, qatrack_errors.BadRequest("too many parts: %d", len(parts))
	}
	sorted := make([]upload.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	for i, p := range sorted {
		if p.PartNumber != int32(i+1) {
			return nil, qatrack_errors.BadRequest("parts must be numbered contiguously from 1 without duplicates")
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, qatrack_errors.BadRequest("part %d has no etag", p.PartNumber)
		}
	}
	return sorted, nil
}

// ParseStorageKey recovers the entity type and project from a key built by BuildStorageKey.
func ParseStorageKey(key string) (upload.EntityType, uuid.UUID, error) {
	segments := strings.Split(key, "/")
	if len(segments) != 4 || !isUnderRoot(key) || segments[3] == "" {
		return "", uuid.Nil, qatrack_errors.BadRequest("storageKey is not an attachment key")
	}
	var entity upload.EntityType
	for _, et := range upload.EntityTypes {
		if et.Folder() == segments[1] {
			entity = et
		}
	}
	if entity == "" {
		return "", uuid.Nil, qatrack_errors.BadRequest("storageKey is not an attachment key")
	}
	projectID, err := uuid.Parse(segments[2])
	if err != nil {
		return "", uuid.Nil, qatrack_errors.BadRequest("storageKey is not an attachment key")
	}
	return entity, projectID, nil
}

func createdPayload(rec attachment.Record) events.AttachmentCreatedPayload {
	p := events.AttachmentCreatedPayload{
		AttachmentID: rec.ID.String(),
		StorageKey:   rec.StorageKey,
		FileName:     rec.FileName,
		FileSize:     rec.FileSize,
		MimeType:     rec.MimeType,
		EntityType:   rec.EntityType,
	}
	if rec.EntityID != nil {
		p.EntityID = rec.EntityID.String()
	}
	if rec.UploaderID != nil {
		p.UploaderID = rec.UploaderID.String()
	}
	return p
}
