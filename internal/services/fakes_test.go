package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qatrack/internal/domain/attachment"
	"qatrack/internal/domain/upload"
	"qatrack/internal/events"
	"qatrack/internal/redis"
	"qatrack/internal/storage"
	qatrack_errors "qatrack/pkg/errors"
)

type fakeGateway struct {
	mu sync.Mutex

	createErr   error
	presignErr  error
	completeErr []error
	abortErr    error
	statInfo    *storage.ObjectInfo
	statErr     error
	deleteErr   error
	listed      []storage.MultipartUpload

	created   []string
	completed [][]upload.CompletedPart
	aborted   []string
	deleted   []string
	presigned int
}

func (g *fakeGateway) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.created = append(g.created, key)
	return fmt.Sprintf("upload-%d", len(g.created)), nil
}

func (g *fakeGateway) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (storage.PresignedRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.presignErr != nil {
		return storage.PresignedRequest{}, g.presignErr
	}
	g.presigned++
	return storage.PresignedRequest{
		URL:       fmt.Sprintf("https://bucket.local/%s?partNumber=%d&uploadId=%s", key, partNumber, uploadID),
		ExpiresAt: time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC),
	}, nil
}

func (g *fakeGateway) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []upload.CompletedPart) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed = append(g.completed, parts)
	if len(g.completeErr) > 0 {
		err := g.completeErr[0]
		g.completeErr = g.completeErr[1:]
		if err != nil {
			return "", err
		}
	}
	return `"assembled-etag"`, nil
}

func (g *fakeGateway) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted = append(g.aborted, uploadID)
	return g.abortErr
}

func (g *fakeGateway) StatObject(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if g.statErr != nil {
		return storage.ObjectInfo{}, g.statErr
	}
	if g.statInfo == nil {
		return storage.ObjectInfo{}, qatrack_errors.NotFound("no object")
	}
	return *g.statInfo, nil
}

func (g *fakeGateway) PresignGetObject(ctx context.Context, key, fileName string) (storage.PresignedRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presigned++
	return storage.PresignedRequest{
		URL:       "https://bucket.local/" + key + "?download=" + fileName,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}, nil
}

func (g *fakeGateway) DeleteObject(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, key)
	return g.deleteErr
}

func (g *fakeGateway) ListMultipartUploads(ctx context.Context, prefix string) ([]storage.MultipartUpload, error) {
	return g.listed, nil
}

type fakeRepo struct {
	mu        sync.Mutex
	records   map[uuid.UUID]attachment.Record
	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[uuid.UUID]attachment.Record)}
}

func (r *fakeRepo) Create(ctx context.Context, rec *attachment.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.records {
		if existing.StorageKey == rec.StorageKey {
			return qatrack_errors.ErrAlreadyExists
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = time.Now()
	r.records[rec.ID] = *rec
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (attachment.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return attachment.Record{}, qatrack_errors.NotFound("attachment %s not found", id)
	}
	return rec, nil
}

func (r *fakeRepo) GetByStorageKey(ctx context.Context, key string) (attachment.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.StorageKey == key {
			return rec, nil
		}
	}
	return attachment.Record{}, qatrack_errors.NotFound("no attachment for storage key")
}

func (r *fakeRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return qatrack_errors.NotFound("attachment %s not found", id)
	}
	delete(r.records, id)
	return nil
}

func (r *fakeRepo) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]attachment.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []attachment.Record
	for _, rec := range r.records {
		if rec.EntityType == entityType && rec.EntityID != nil && *rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]upload.Session
	ttls     map[string]time.Duration
	saveErr  error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]upload.Session), ttls: make(map[string]time.Duration)}
}

func (f *fakeSessions) Save(ctx context.Context, sess upload.Session, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.sessions[sess.UploadID] = sess
	f.ttls[sess.UploadID] = ttl
	return nil
}

func (f *fakeSessions) Get(ctx context.Context, uploadID string) (upload.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[uploadID]
	if !ok {
		return upload.Session{}, redis.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeSessions) MarkState(ctx context.Context, uploadID string, state upload.SessionState) (upload.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[uploadID]
	if !ok {
		return "", redis.ErrSessionNotFound
	}
	prev := sess.State
	sess.State = state
	f.sessions[uploadID] = sess
	return prev, nil
}

type recordingEvents struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (r *recordingEvents) Publish(ctx context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envelopes))
	for _, e := range r.envelopes {
		out = append(out, e.EventType)
	}
	return out
}
