package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qatrack/internal/domain/upload"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testSession() upload.Session {
	return upload.Session{
		UploadID:   "upload-1",
		StorageKey: "attachments/defects/p/1-abc-shot.png",
		FileName:   "shot.png",
		FileSize:   25 * 1024 * 1024,
		MimeType:   "image/png",
		ProjectID:  uuid.New(),
		EntityType: upload.EntityDefect,
		PartSize:   5 * 1024 * 1024,
		PartCount:  5,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestSessionStore_SaveAndGet(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewSessionStore(client)
	ctx := context.Background()

	sess := testSession()
	require.NoError(t, store.Save(ctx, sess, time.Hour))

	got, err := store.Get(ctx, sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, sess.StorageKey, got.StorageKey)
	assert.Equal(t, sess.FileSize, got.FileSize)
	assert.Equal(t, upload.SessionInitiated, got.State)
	assert.Equal(t, time.Hour, mr.TTL("upload:session:upload-1"))
}

func TestSessionStore_GetMissing(t *testing.T) {
	_, client := newTestClient(t)
	store := NewSessionStore(client)

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSessionStore_Expires(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewSessionStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSession(), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "upload-1")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSessionStore_MarkStateReturnsPrevious(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewSessionStore(client)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testSession(), time.Hour))

	prev, err := store.MarkState(ctx, "upload-1", upload.SessionAborted)
	require.NoError(t, err)
	assert.Equal(t, upload.SessionInitiated, prev)

	prev, err = store.MarkState(ctx, "upload-1", upload.SessionAborted)
	require.NoError(t, err)
	assert.Equal(t, upload.SessionAborted, prev)

	got, err := store.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, upload.SessionAborted, got.State)
	assert.Equal(t, time.Hour, mr.TTL("upload:session:upload-1"))

	_, err = store.MarkState(ctx, "missing", upload.SessionCompleted)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestRateLimiter_AllowUploadInit(t *testing.T) {
	_, client := newTestClient(t)
	limiter := NewRateLimiter(client, RateLimitConfig{UploadInitLimit: 2, UploadInitWindow: time.Minute})
	ctx := context.Background()

	res, err := limiter.AllowUploadInit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)

	res, err = limiter.AllowUploadInit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res, err = limiter.AllowUploadInit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)

	res, err = limiter.AllowUploadInit(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "limits are per user")

	require.NoError(t, limiter.ResetUser(ctx, "u1"))
	res, err = limiter.AllowUploadInit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPublisher_Publish(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "attachments:p1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	n, err := NewPublisher(client).Publish(ctx, "attachments:p1", []byte(`{"event_type":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"event_type":"x"}`, msg.Payload)
}
