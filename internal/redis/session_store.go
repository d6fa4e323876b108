package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"qatrack/internal/domain/upload"
)

// Key pattern:
// - upload:session:{upload_id} - hash {data, state}, TTL = part authorization lifetime + grace

var ErrSessionNotFound = errors.New("upload session not found")

const (
	fieldData  = "data"
	fieldState = "state"
)

var markStateScript = goredis.NewScript(`
	local prev = redis.call('HGET', KEYS[1], 'state')
	if prev == false then
		return false
	end
	redis.call('HSET', KEYS[1], 'state', ARGV[1])
	return prev
`)

// SessionStore keeps the correlation between an upload id and the metadata the
// server saw at initialize time. The storage backend stays authoritative for parts.
type SessionStore struct {
	client *goredis.Client
}

func NewSessionStore(client *goredis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func sessionKey(uploadID string) string {
	return fmt.Sprintf("upload:session:%s", uploadID)
}

func (s *SessionStore) Save(ctx context.Context, sess upload.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal upload session: %w", err)
	}
	state := sess.State
	if state == "" {
		state = upload.SessionInitiated
	}

	key := sessionKey(sess.UploadID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fieldData, data, fieldState, string(state))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save upload session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, uploadID string) (upload.Session, error) {
	vals, err := s.client.HGetAll(ctx, sessionKey(uploadID)).Result()
	if err != nil {
		return upload.Session{}, fmt.Errorf("load upload session: %w", err)
	}
	raw, ok := vals[fieldData]
	if !ok {
		return upload.Session{}, ErrSessionNotFound
	}

	var sess upload.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return upload.Session{}, fmt.Errorf("decode upload session: %w", err)
	}
	if state, ok := vals[fieldState]; ok {
		sess.State = upload.SessionState(state)
	}
	return sess, nil
}

// MarkState moves the session to state and returns the state it had before.
func (s *SessionStore) MarkState(ctx context.Context, uploadID string, state upload.SessionState) (upload.SessionState, error) {
	prev, err := markStateScript.Run(ctx, s.client, []string{sessionKey(uploadID)}, string(state)).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("update upload session state: %w", err)
	}
	return upload.SessionState(prev), nil
}

func (s *SessionStore) Delete(ctx context.Context, uploadID string) error {
	return s.client.Del(ctx, sessionKey(uploadID)).Err()
}
