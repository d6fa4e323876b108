package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
)

func TestHTTPPartTransport(t *testing.T) {
	var (
		mu      sync.Mutex
		gotBody []byte
		status  = http.StatusOK
	)
	setStatus := func(s int) {
		mu.Lock()
		status = s
		mu.Unlock()
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, http.MethodPut, r.Method)
		gotBody, _ = io.ReadAll(r.Body)
		if status == http.StatusOK {
			w.Header().Set("ETag", `"abc"`)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	transport := NewHTTPPartTransport(srv.Client())
	part := httpdto.PartURLDTO{PartNumber: 1, URL: srv.URL + "/k?partNumber=1", ExpiresAt: time.Now().Add(time.Minute)}

	etag, err := transport.UploadPart(context.Background(), part, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, etag)
	mu.Lock()
	assert.Equal(t, "hello", string(gotBody))
	mu.Unlock()

	setStatus(http.StatusForbidden)
	_, err = transport.UploadPart(context.Background(), part, []byte("hello"))
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.False(t, qatrack_errors.IsTransient(err))

	setStatus(http.StatusServiceUnavailable)
	_, err = transport.UploadPart(context.Background(), part, []byte("hello"))
	assert.Equal(t, qatrack_errors.KindBackendUnavailable, qatrack_errors.KindOf(err))
	assert.True(t, qatrack_errors.IsTransient(err))

	setStatus(http.StatusBadRequest)
	_, err = transport.UploadPart(context.Background(), part, []byte("hello"))
	assert.ErrorIs(t, err, qatrack_errors.ErrSessionState)
}

func TestHTTPPartTransportExpiredLocally(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called.Store(true) }))
	defer srv.Close()

	transport := NewHTTPPartTransport(srv.Client())
	_, err := transport.UploadPart(context.Background(), httpdto.PartURLDTO{PartNumber: 1, URL: srv.URL, ExpiresAt: time.Now().Add(-time.Second)}, []byte("x"))
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.False(t, called.Load())
}

func TestHTTPPartTransportMissingETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := NewHTTPPartTransport(srv.Client()).UploadPart(context.Background(), httpdto.PartURLDTO{PartNumber: 2, URL: srv.URL}, []byte("x"))
	require.Error(t, err)
	assert.False(t, qatrack_errors.IsTransient(err))
}
