package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
)

// ErrAuthorizationExpired means the presigned part URL can no longer be used.
// Retrying with the same authorization is pointless; the upload needs a fresh session.
var ErrAuthorizationExpired = qatrack_errors.SessionState(nil, "part authorization expired")

type PartTransport interface {
	UploadPart(ctx context.Context, part httpdto.PartURLDTO, body []byte) (etag string, err error)
}

// HTTPPartTransport PUTs part bytes straight to storage.
type HTTPPartTransport struct {
	client *http.Client
	now    func() time.Time
}

func NewHTTPPartTransport(client *http.Client) *HTTPPartTransport {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPPartTransport{client: client, now: time.Now}
}

func (t *HTTPPartTransport) UploadPart(ctx context.Context, part httpdto.PartURLDTO, body []byte) (string, error) {
	if !part.ExpiresAt.IsZero() && !t.now().Before(part.ExpiresAt) {
		return "", ErrAuthorizationExpired
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, part.URL, bytes.NewReader(body))
	if err != nil {
		return "", qatrack_errors.SessionState(err, "invalid part url for part %d", part.PartNumber)
	}
	req.ContentLength = int64(len(body))

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", qatrack_errors.BackendUnavailable(err, true, "part %d upload failed", part.PartNumber)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		etag := resp.Header.Get("ETag")
		if etag == "" {
			return "", qatrack_errors.BackendUnavailable(nil, false, "storage returned no etag for part %d", part.PartNumber)
		}
		return etag, nil
	case resp.StatusCode == http.StatusForbidden:
		return "", ErrAuthorizationExpired
	case resp.StatusCode == http.StatusNotFound:
		return "", qatrack_errors.SessionState(nil, "upload session no longer exists")
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return "", qatrack_errors.BackendUnavailable(nil, true, "storage returned %d for part %d", resp.StatusCode, part.PartNumber)
	default:
		return "", qatrack_errors.SessionState(nil, "storage rejected part %d with status %d", part.PartNumber, resp.StatusCode)
	}
}
