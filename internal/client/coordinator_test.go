package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
)

type fakeOrchestrator struct {
	mu sync.Mutex

	partBase    string
	partSize    int64
	expiresAt   time.Time
	initBlock   chan struct{}
	initErr     error
	completeErr error

	completeStarted chan struct{}
	completeBlock   chan struct{}
	completeCtxErr  error

	inits     []httpdto.InitializeUploadRequest
	completes []httpdto.CompleteUploadRequest
	aborts    []string
}

func (f *fakeOrchestrator) InitializeUpload(ctx context.Context, req httpdto.InitializeUploadRequest) (httpdto.InitializeUploadResponse, error) {
	if f.initBlock != nil {
		select {
		case <-f.initBlock:
		case <-ctx.Done():
			return httpdto.InitializeUploadResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, req)
	if f.initErr != nil {
		return httpdto.InitializeUploadResponse{}, f.initErr
	}

	uploadID := fmt.Sprintf("up-%d", len(f.inits))
	count := int((req.FileSize + f.partSize - 1) / f.partSize)
	expires := f.expiresAt
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	resp := httpdto.InitializeUploadResponse{
		StorageKey: "attachments/defects/p/" + uploadID + "-" + req.FileName,
		UploadID:   uploadID,
		PartSize:   f.partSize,
		PartCount:  count,
		ExpiresAt:  expires,
	}
	// Handed out in reverse to show the coordinator orders them itself.
	for n := count; n >= 1; n-- {
		resp.Parts = append(resp.Parts, httpdto.PartURLDTO{
			PartNumber: int32(n),
			URL:        fmt.Sprintf("%s/%s/%d", f.partBase, uploadID, n),
			ExpiresAt:  expires,
		})
	}
	return resp, nil
}

func (f *fakeOrchestrator) CompleteUpload(ctx context.Context, req httpdto.CompleteUploadRequest) (httpdto.AttachmentDTO, error) {
	if f.completeBlock != nil {
		close(f.completeStarted)
		<-f.completeBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCtxErr = ctx.Err()
	f.completes = append(f.completes, req)
	if f.completeErr != nil {
		return httpdto.AttachmentDTO{}, f.completeErr
	}
	return httpdto.AttachmentDTO{ID: "rec-" + req.UploadID, StorageKey: req.StorageKey, FileSize: req.FileSize}, nil
}

func (f *fakeOrchestrator) AbortUpload(ctx context.Context, uploadID, storageKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, uploadID)
	return nil
}

func (f *fakeOrchestrator) counts() (inits, completes, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inits), len(f.completes), len(f.aborts)
}

// partServer plays the storage side of presigned part uploads.
type partServer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	attempts map[int]int
	failing  map[int]bool
	order    []int
	released []int
	hold     bool
	srv      *httptest.Server
}

func newPartServer(t *testing.T) *partServer {
	ps := &partServer{attempts: map[int]int{}, failing: map[int]bool{}}
	ps.cond = sync.NewCond(&ps.mu)
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *partServer) handle(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(path.Base(r.URL.Path))

	ps.mu.Lock()
	ps.attempts[n]++
	hold, failing := ps.hold, ps.failing[n]
	ps.mu.Unlock()

	if hold {
		<-r.Context().Done()
		return
	}
	if failing {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	ps.mu.Lock()
	if len(ps.order) > 0 {
		for len(ps.released) < len(ps.order) && ps.order[len(ps.released)] != n {
			ps.cond.Wait()
		}
	}
	ps.released = append(ps.released, n)
	ps.cond.Broadcast()
	ps.mu.Unlock()

	w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
	w.WriteHeader(http.StatusOK)
}

func (ps *partServer) attemptsFor(n int) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.attempts[n]
}

func (ps *partServer) releaseOrder() []int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]int(nil), ps.released...)
}

func (ps *partServer) totalAttempts() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	total := 0
	for _, v := range ps.attempts {
		total += v
	}
	return total
}

func memFile(name string, size int) File {
	data := bytes.Repeat([]byte("x"), size)
	return File{Name: name, MimeType: "text/plain", Size: int64(size), Reader: bytes.NewReader(data)}
}

type progressLog struct {
	mu      sync.Mutex
	entries map[string][]Attachment
}

func (p *progressLog) record(a Attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries == nil {
		p.entries = map[string][]Attachment{}
	}
	p.entries[a.ID] = append(p.entries[a.ID], a)
}

func (p *progressLog) history(id string) []Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Attachment(nil), p.entries[id]...)
}

func testOptions() Options {
	return Options{MaxFiles: 5, Concurrency: 5, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestCoordinator(t *testing.T, orch *fakeOrchestrator, opts Options) (*Coordinator, *progressLog) {
	t.Helper()
	progress := &progressLog{}
	c := NewCoordinator(orch, NewHTTPPartTransport(nil), NewStore(progress.record), Target{ProjectID: "p", EntityType: "defect"}, opts)
	return c, progress
}

func TestCoordinatorOutOfOrderPartsComplete(t *testing.T) {
	ps := newPartServer(t)
	ps.order = []int{3, 1, 5, 2, 4}
	orch := &fakeOrchestrator{partBase: ps.srv.URL, partSize: 5}
	c, progress := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("report.log", 25), "evidence")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := c.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, 100, a.Progress)
	assert.Equal(t, "rec-up-1", a.AttachmentID)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, a.UploadedParts)
	assert.Equal(t, []int{3, 1, 5, 2, 4}, ps.releaseOrder())

	require.Len(t, orch.completes, 1)
	parts := orch.completes[0].Parts
	require.Len(t, parts, 5)
	for i, p := range parts {
		assert.Equal(t, int32(i+1), p.PartNumber)
		assert.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), p.ETag)
	}
	assert.Equal(t, int64(25), orch.completes[0].FileSize)

	last := -1
	for _, snap := range progress.history(id) {
		assert.GreaterOrEqual(t, snap.Progress, last, "progress never decreases")
		if snap.Progress == 100 {
			assert.Equal(t, StatusCompleted, snap.Status)
		}
		last = snap.Progress
	}

	assert.Equal(t, []LinkedFile{{
		StorageKey: a.StorageKey,
		FileName:   "report.log",
		MimeType:   "text/plain",
		FieldName:  "evidence",
	}}, c.Handoff())
}

func TestCoordinatorPermanentPartFailure(t *testing.T) {
	ps := newPartServer(t)
	ps.failing[4] = true
	orch := &fakeOrchestrator{partBase: ps.srv.URL, partSize: 5}
	c, progress := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("big.bin", 25), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := c.Wait(ctx, id)
	require.Error(t, err)

	assert.Equal(t, StatusError, a.Status)
	assert.Less(t, a.Progress, 100)
	assert.Equal(t, 3, ps.attemptsFor(4), "first attempt plus two retries")
	_, completes, _ := orch.counts()
	assert.Zero(t, completes)

	for _, snap := range progress.history(id) {
		assert.NotEqual(t, 100, snap.Progress)
	}
}

func TestCoordinatorExpiredAuthorizationIsNotRetried(t *testing.T) {
	ps := newPartServer(t)
	orch := &fakeOrchestrator{partBase: ps.srv.URL, partSize: 5, expiresAt: time.Now().Add(-time.Minute)}
	c, _ := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("a.txt", 7), "")
	require.NoError(t, err)

	a, err := c.Wait(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, qatrack_errors.ErrSessionState)
	assert.Equal(t, StatusError, a.Status)
	assert.Zero(t, ps.totalAttempts())
}

func TestCoordinatorStaleUploadOnComplete(t *testing.T) {
	ps := newPartServer(t)
	orch := &fakeOrchestrator{
		partBase:    ps.srv.URL,
		partSize:    5,
		completeErr: &qatrack_errors.Error{Kind: qatrack_errors.KindSessionState, Code: qatrack_errors.CodeSessionState, Message: "upload up-1 was aborted"},
	}
	c, _ := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("a.txt", 12), "steps")
	require.NoError(t, err)
	a, err := c.Wait(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, StatusError, a.Status)
	assert.Equal(t, "upload up-1 was aborted", a.Error)
	_, completes, _ := orch.counts()
	assert.Equal(t, 1, completes, "completion is never retried")

	orch.mu.Lock()
	orch.completeErr = nil
	orch.mu.Unlock()

	newID, err := c.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	retried, err := c.Wait(context.Background(), newID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, retried.Status)
	assert.Equal(t, "up-2", retried.UploadID, "retry runs on a fresh session")
	assert.Equal(t, "steps", retried.FieldName)

	_, ok := c.Store().Get(id)
	assert.False(t, ok)
	orch.mu.Lock()
	assert.Equal(t, []string{"up-1"}, orch.aborts)
	orch.mu.Unlock()
}

func TestCoordinatorRemoveAbortsOnce(t *testing.T) {
	ps := newPartServer(t)
	ps.hold = true
	orch := &fakeOrchestrator{partBase: ps.srv.URL, partSize: 5}
	c, _ := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("a.txt", 25), "")
	require.NoError(t, err)
	other, err := c.Add(context.Background(), memFile("b.txt", 10), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ps.totalAttempts() >= 7 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Remove(context.Background(), id))
	assert.ErrorIs(t, c.Remove(context.Background(), id), qatrack_errors.ErrNotFound)

	_, _, aborts := orch.counts()
	assert.Equal(t, 1, aborts)
	_, ok := c.Store().Get(id)
	assert.False(t, ok)

	a, ok := c.Store().Get(other)
	require.True(t, ok)
	assert.Equal(t, StatusUploading, a.Status, "removing one file leaves the other in flight")
	require.NoError(t, c.Remove(context.Background(), other))
}

func TestCoordinatorRemoveDuringCompletionKeepsRecord(t *testing.T) {
	ps := newPartServer(t)
	orch := &fakeOrchestrator{
		partBase:        ps.srv.URL,
		partSize:        5,
		completeStarted: make(chan struct{}),
		completeBlock:   make(chan struct{}),
	}
	c, _ := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("a.txt", 10), "evidence")
	require.NoError(t, err)
	<-orch.completeStarted

	removed := make(chan error, 1)
	go func() { removed <- c.Remove(context.Background(), id) }()
	require.Eventually(t, func() bool { return c.removing(id) }, 5*time.Second, time.Millisecond)
	close(orch.completeBlock)

	assert.ErrorIs(t, <-removed, ErrAlreadyCompleted)
	orch.mu.Lock()
	assert.NoError(t, orch.completeCtxErr, "completion is not cancelled by removal")
	assert.Empty(t, orch.aborts)
	orch.mu.Unlock()

	a, ok := c.Store().Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, "rec-up-1", a.AttachmentID)
	assert.Len(t, c.Handoff(), 1)

	require.NoError(t, c.Remove(context.Background(), id))
	assert.Empty(t, c.Handoff())
	_, _, aborts := orch.counts()
	assert.Zero(t, aborts, "a completed upload is never aborted")
}

func TestCoordinatorReleasesFileOfCompletedAttachment(t *testing.T) {
	ps := newPartServer(t)
	orch := &fakeOrchestrator{partBase: ps.srv.URL, partSize: 5}
	c, _ := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("a.txt", 10), "")
	require.NoError(t, err)
	_, err = c.Wait(context.Background(), id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.workers[id].file.Reader == nil
	}, 5*time.Second, time.Millisecond)
}

func TestCoordinatorRemoveBeforeSessionSkipsAbort(t *testing.T) {
	orch := &fakeOrchestrator{partSize: 5, initBlock: make(chan struct{})}
	c, _ := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("a.txt", 5), "")
	require.NoError(t, err)
	require.NoError(t, c.Remove(context.Background(), id))

	_, _, aborts := orch.counts()
	assert.Zero(t, aborts)
}

func TestCoordinatorMaxFiles(t *testing.T) {
	orch := &fakeOrchestrator{partSize: 5, initBlock: make(chan struct{})}
	opts := testOptions()
	opts.MaxFiles = 1
	c, _ := newTestCoordinator(t, orch, opts)

	id, err := c.Add(context.Background(), memFile("a.txt", 5), "")
	require.NoError(t, err)
	_, err = c.Add(context.Background(), memFile("b.txt", 5), "")
	assert.ErrorIs(t, err, ErrTooManyFiles)
	assert.Len(t, c.List(), 1)

	require.NoError(t, c.Remove(context.Background(), id))
}

func TestCoordinatorSniffsMissingMime(t *testing.T) {
	ps := newPartServer(t)
	orch := &fakeOrchestrator{partBase: ps.srv.URL, partSize: 64}
	c, _ := newTestCoordinator(t, orch, testOptions())

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 24)...)
	id, err := c.Add(context.Background(), File{Name: "shot", Size: int64(len(png)), Reader: bytes.NewReader(png)}, "")
	require.NoError(t, err)
	_, err = c.Wait(context.Background(), id)
	require.NoError(t, err)

	require.Len(t, orch.inits, 1)
	assert.Equal(t, "image/png", orch.inits[0].MimeType)
}

func TestCoordinatorInitializeErrorKeepsMessage(t *testing.T) {
	orch := &fakeOrchestrator{
		partSize: 5,
		initErr:  &qatrack_errors.Error{Kind: qatrack_errors.KindValidation, Code: qatrack_errors.CodeUnsupportedMediaType, Message: `mime type "application/x-msdownload" is not allowed for defect`},
	}
	c, _ := newTestCoordinator(t, orch, testOptions())

	id, err := c.Add(context.Background(), memFile("setup.exe", 5), "")
	require.NoError(t, err)
	a, err := c.Wait(context.Background(), id)
	assert.ErrorIs(t, err, qatrack_errors.ErrUnsupportedType)
	assert.Equal(t, `mime type "application/x-msdownload" is not allowed for defect`, a.Error)
	assert.Empty(t, a.UploadID)
}

func TestCoordinatorRejectsEmptyFile(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeOrchestrator{partSize: 5}, testOptions())
	_, err := c.Add(context.Background(), File{Name: "empty", Reader: bytes.NewReader(nil)}, "")
	assert.ErrorIs(t, err, qatrack_errors.ErrInvalidInput)
}
