package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
	"qatrack/pkg/logger"
)

type Options struct {
	MaxFiles       int           // Max attachments pending or uploading at once
	Concurrency    int           // Parts in flight per attachment
	MaxRetries     int           // Retries per part after the first attempt
	BaseDelay      time.Duration // First part retry delay
	MaxDelay       time.Duration // Cap for a single part retry delay
	PartsPerSecond float64       // Pacing of part request starts; 0 disables
}

func DefaultOptions() Options {
	return Options{
		MaxFiles:    5,
		Concurrency: 4,
		MaxRetries:  3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Target is the business entity the uploaded files will belong to.
type Target struct {
	ProjectID  string
	EntityType string
	EntityID   string
}

type worker struct {
	file   File
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator drives the part upload loop for every file added to its Store.
// Each file runs in its own goroutine; cancelling one never touches another.
type Coordinator struct {
	orch      Orchestrator
	transport PartTransport
	target    Target
	opts      Options
	store     *Store
	limiter   *rate.Limiter

	mu      sync.Mutex
	workers map[string]*worker
}

func NewCoordinator(orch Orchestrator, transport PartTransport, store *Store, target Target, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaults.MaxDelay
	}
	if store == nil {
		store = NewStore(nil)
	}

	var limiter *rate.Limiter
	if opts.PartsPerSecond > 0 {
		burst := opts.Concurrency
		limiter = rate.NewLimiter(rate.Limit(opts.PartsPerSecond), burst)
	}

	return &Coordinator{
		orch:      orch,
		transport: transport,
		target:    target,
		opts:      opts,
		store:     store,
		limiter:   limiter,
		workers:   make(map[string]*worker),
	}
}

func (c *Coordinator) Store() *Store {
	return c.store
}

// Add starts uploading file in the background and returns the attachment id.
// ctx bounds the whole upload, not only this call.
func (c *Coordinator) Add(ctx context.Context, file File, fieldName string) (string, error) {
	if file.Reader == nil || file.Size <= 0 {
		return "", qatrack_errors.BadRequest("file %q is empty", file.Name)
	}
	if file.MimeType == "" {
		file.MimeType = detectMime(file)
	}

	id := uuid.NewString()
	err := c.store.add(Attachment{
		ID:        id,
		FieldName: fieldName,
		FileName:  file.Name,
		FileSize:  file.Size,
		MimeType:  file.MimeType,
	}, c.opts.MaxFiles)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w := &worker{file: file, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.workers[id] = w
	c.mu.Unlock()

	go func() {
		defer close(w.done)
		defer cancel()
		c.run(runCtx, id, file)
		c.release(id, w)
	}()
	return id, nil
}

func (c *Coordinator) run(ctx context.Context, id string, file File) {
	log := logger.WithContext(ctx).With(zap.String("attachment", id), zap.String("file_name", file.Name))

	if err := c.store.begin(id); err != nil {
		return
	}

	req := httpdto.InitializeUploadRequest{
		FileName:   file.Name,
		FileSize:   file.Size,
		MimeType:   file.MimeType,
		ProjectID:  c.target.ProjectID,
		EntityType: c.target.EntityType,
	}
	if c.target.EntityID != "" {
		entityID := c.target.EntityID
		req.EntityID = &entityID
	}
	session, err := c.orch.InitializeUpload(ctx, req)
	if err != nil {
		log.Warn("initialize upload failed", zap.Error(err))
		c.failUnlessCancelled(ctx, id, err)
		return
	}

	parts := append([]httpdto.PartURLDTO(nil), session.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	numbers := make([]int32, len(parts))
	for i, p := range parts {
		numbers[i] = p.PartNumber
	}
	// Recorded even when ctx is already cancelled so removal can abort the session.
	if err := c.store.sessionCreated(id, session.StorageKey, session.UploadID, numbers); err != nil {
		return
	}
	if err := validatePartPlan(numbers, session.PartSize, file.Size); err != nil {
		c.failUnlessCancelled(ctx, id, err)
		return
	}

	if err := c.uploadParts(ctx, id, file, session.PartSize, parts); err != nil {
		log.Warn("part upload failed", zap.Error(err))
		c.failUnlessCancelled(ctx, id, err)
		return
	}

	snapshot, ok := c.store.Get(id)
	if !ok {
		return
	}
	completed := make([]httpdto.CompletedPartDTO, 0, len(snapshot.Parts))
	for _, p := range snapshot.Parts {
		completed = append(completed, httpdto.CompletedPartDTO{PartNumber: p.Number, ETag: p.ETag})
	}
	completeReq := httpdto.CompleteUploadRequest{
		UploadID:   session.UploadID,
		StorageKey: session.StorageKey,
		Parts:      completed,
		FileName:   file.Name,
		FileSize:   file.Size,
		MimeType:   file.MimeType,
		EntityID:   req.EntityID,
	}
	// Completion is not retried here; a failure needs a fresh session. Once sent
	// it is not cancelled either, so removal never races a commit on the server.
	record, err := c.orch.CompleteUpload(context.WithoutCancel(ctx), completeReq)
	if err != nil {
		log.Warn("complete upload failed", zap.Error(err))
		c.failUnlessCancelled(ctx, id, err)
		return
	}
	if err := c.store.complete(id, record.ID); err != nil {
		log.Error("store rejected completion", zap.Error(err))
		return
	}
	log.Info("upload completed", zap.String("storage_key", session.StorageKey))
}

func (c *Coordinator) uploadParts(ctx context.Context, id string, file File, partSize int64, parts []httpdto.PartURLDTO) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for _, part := range parts {
		part := part
		g.Go(func() error {
			return c.uploadPart(gctx, id, file, partSize, part)
		})
	}
	return g.Wait()
}

func (c *Coordinator) uploadPart(ctx context.Context, id string, file File, partSize int64, part httpdto.PartURLDTO) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	offset := int64(part.PartNumber-1) * partSize
	length := partSize
	if offset+length > file.Size {
		length = file.Size - offset
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(file.Reader, offset, length), body); err != nil {
		return fmt.Errorf("read part %d: %w", part.PartNumber, err)
	}

	if err := c.store.partStarted(id, part.PartNumber); err != nil {
		return err
	}

	cfg := qatrack_errors.RetryConfig{
		MaxRetries:   c.opts.MaxRetries,
		BaseDelay:    c.opts.BaseDelay,
		MaxDelay:     c.opts.MaxDelay,
		JitterFactor: 0.2,
		Retryable:    retryablePartError,
	}
	etag, err := qatrack_errors.RetryWithResult(ctx, cfg, logger.WithContext(ctx), func(ctx context.Context) (string, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		return c.transport.UploadPart(ctx, part, body)
	})
	if err != nil {
		_ = c.store.partFailed(id, part.PartNumber)
		return fmt.Errorf("part %d: %w", part.PartNumber, err)
	}
	return c.store.partDone(id, part.PartNumber, etag)
}

// retryablePartError retries transient transport failures only. Expired
// authorization and rejected parts need a new session.
func retryablePartError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, qatrack_errors.ErrSessionState) {
		return false
	}
	return qatrack_errors.IsTransient(err)
}

func validatePartPlan(numbers []int32, partSize, fileSize int64) error {
	if len(numbers) == 0 || partSize <= 0 {
		return qatrack_errors.SessionState(nil, "upload session has no part authorizations")
	}
	for i, n := range numbers {
		if n != int32(i+1) {
			return qatrack_errors.SessionState(nil, "part authorizations are not contiguous")
		}
	}
	if int64(len(numbers)-1)*partSize >= fileSize || int64(len(numbers))*partSize < fileSize {
		return qatrack_errors.SessionState(nil, "part plan does not cover the file")
	}
	return nil
}

func (c *Coordinator) failUnlessCancelled(ctx context.Context, id string, err error) {
	if c.removing(id) {
		return
	}
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	_ = c.store.fail(id, err)
}

// release drops the file of a completed attachment. Failed ones keep theirs
// for Retry until Remove.
func (c *Coordinator) release(id string, w *worker) {
	if a, ok := c.store.Get(id); !ok || a.Status != StatusCompleted {
		return
	}
	c.mu.Lock()
	w.file = File{}
	c.mu.Unlock()
}

func (c *Coordinator) removing(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workers[id]
	return !ok
}

// Remove cancels the attachment's in-flight parts, aborts its upload session if
// one was created and not completed, and forgets it. An attachment whose
// completion was already sent when Remove was called stays tracked as
// completed and ErrAlreadyCompleted is returned; a second Remove forgets it.
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	before, _ := c.store.Get(id)
	c.mu.Lock()
	w, ok := c.workers[id]
	delete(c.workers, id)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownAttachment
	}

	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	snapshot, _ := c.store.Get(id)
	if snapshot.Status == StatusCompleted && before.Status != StatusCompleted {
		c.mu.Lock()
		c.workers[id] = w
		c.mu.Unlock()
		return ErrAlreadyCompleted
	}
	c.store.remove(id)

	if snapshot.UploadID == "" || snapshot.Status == StatusCompleted {
		return nil
	}
	abortErr := c.orch.AbortUpload(ctx, snapshot.UploadID, snapshot.StorageKey)
	if abortErr != nil && !errors.Is(abortErr, qatrack_errors.ErrNotFound) && !errors.Is(abortErr, qatrack_errors.ErrSessionState) {
		logger.WithContext(ctx).Warn("abort upload failed",
			zap.String("upload_id", snapshot.UploadID),
			zap.Error(abortErr),
		)
		return fmt.Errorf("abort upload %s: %w", snapshot.UploadID, abortErr)
	}
	return nil
}

// Retry replaces a failed attachment with a new one for the same file. Parts
// of the failed attempt are never reused.
func (c *Coordinator) Retry(ctx context.Context, id string) (string, error) {
	snapshot, ok := c.store.Get(id)
	if !ok {
		return "", ErrUnknownAttachment
	}
	if snapshot.Status != StatusError {
		return "", fmt.Errorf("%w: retry of %s attachment", qatrack_errors.ErrInvalidTransition, snapshot.Status)
	}
	c.mu.Lock()
	w, ok := c.workers[id]
	var file File
	if ok {
		file = w.file
	}
	c.mu.Unlock()
	if !ok {
		return "", ErrUnknownAttachment
	}

	file.MimeType = snapshot.MimeType
	newID, err := c.Add(ctx, file, snapshot.FieldName)
	if err != nil {
		return "", err
	}
	if err := c.Remove(ctx, id); err != nil {
		logger.WithContext(ctx).Warn("cleanup of failed attachment", zap.String("attachment", id), zap.Error(err))
	}
	return newID, nil
}

// Wait blocks until the attachment reaches a terminal status.
func (c *Coordinator) Wait(ctx context.Context, id string) (Attachment, error) {
	c.mu.Lock()
	w, ok := c.workers[id]
	c.mu.Unlock()
	if !ok {
		return Attachment{}, ErrUnknownAttachment
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return Attachment{}, ctx.Err()
	}
	a, ok := c.store.Get(id)
	if !ok {
		return Attachment{}, ErrUnknownAttachment
	}
	if a.Status == StatusError {
		return a, a.Err
	}
	return a, nil
}

func (c *Coordinator) List() []Attachment {
	return c.store.List()
}

func (c *Coordinator) Completed() []Attachment {
	return c.store.Completed()
}

func (c *Coordinator) Handoff() []LinkedFile {
	return c.store.Handoff()
}
