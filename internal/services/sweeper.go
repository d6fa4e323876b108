package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"qatrack/internal/domain/upload"
	"qatrack/internal/metrics"
	"qatrack/internal/storage"
	qatrack_errors "qatrack/pkg/errors"
	"qatrack/pkg/logger"
)

// SessionSweeper aborts multipart uploads that were started but never completed
// or aborted, so their parts stop accruing storage.
type SessionSweeper struct {
	gateway  storage.Gateway
	sessions SessionStore
	metrics  metrics.Recorder
	clock    func() time.Time
	interval time.Duration
	maxAge   time.Duration
}

const (
	defaultSweepInterval = 30 * time.Minute
	defaultSweepMaxAge   = 24 * time.Hour
)

func NewSessionSweeper(gateway storage.Gateway, sessions SessionStore, recorder metrics.Recorder, interval, maxAge time.Duration) *SessionSweeper {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = defaultSweepMaxAge
	}
	return &SessionSweeper{
		gateway:  gateway,
		sessions: sessions,
		metrics:  recorder,
		clock:    time.Now,
		interval: interval,
		maxAge:   maxAge,
	}
}

func (s *SessionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.WithContext(ctx).Warn("upload sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce aborts every upload under the attachment root older than maxAge and
// returns how many it aborted.
func (s *SessionSweeper) SweepOnce(ctx context.Context) (swept int, err error) {
	start := s.clock()
	defer func() { s.metrics.ObserveOperation(metrics.OpSweep, time.Since(start), err) }()

	if s.gateway == nil {
		return 0, qatrack_errors.BackendUnavailable(nil, false, "storage backend is not configured")
	}
	uploads, err := s.gateway.ListMultipartUploads(ctx, storageKeyRoot+"/")
	if err != nil {
		return 0, err
	}

	cutoff := s.clock().Add(-s.maxAge)
	log := logger.WithContext(ctx)
	for _, u := range uploads {
		if ctx.Err() != nil {
			break
		}
		if u.Initiated.IsZero() || u.Initiated.After(cutoff) {
			continue
		}
		if err := s.gateway.AbortMultipartUpload(ctx, u.Key, u.UploadID); err != nil && !errors.Is(err, qatrack_errors.ErrSessionState) {
			log.Warn("abort stale upload failed", zap.String("upload_id", u.UploadID), zap.Error(err))
			continue
		}
		if s.sessions != nil {
			if _, err := s.sessions.MarkState(ctx, u.UploadID, upload.SessionAborted); err != nil {
				log.Debug("stale upload has no session entry", zap.String("upload_id", u.UploadID))
			}
		}
		swept++
	}

	s.metrics.AddSweptUploads(swept)
	if swept > 0 {
		log.Info("stale uploads aborted", zap.Int("count", swept), zap.Int("listed", len(uploads)))
	}
	return swept, nil
}
