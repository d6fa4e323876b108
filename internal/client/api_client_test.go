package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
)

func writeEnvelope(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAPIClientInitializeAndComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/uploads/initialize":
			var req httpdto.InitializeUploadRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "a.txt", req.FileName)
			writeEnvelope(w, http.StatusOK, httpdto.NewSuccessResponse(httpdto.InitializeUploadResponse{
				StorageKey: "k", UploadID: "u", PartSize: 5, PartCount: 1,
				Parts: []httpdto.PartURLDTO{{PartNumber: 1, URL: "https://s3/p1"}},
			}))
		case "/v1/uploads/complete":
			writeEnvelope(w, http.StatusOK, httpdto.NewSuccessResponse(httpdto.CompleteUploadResponse{
				Attachment: httpdto.AttachmentDTO{ID: "rec-1", StorageKey: "k"},
			}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL+"/", "tok", srv.Client())
	res, err := api.InitializeUpload(context.Background(), httpdto.InitializeUploadRequest{FileName: "a.txt", FileSize: 3})
	require.NoError(t, err)
	assert.Equal(t, "u", res.UploadID)
	require.Len(t, res.Parts, 1)

	rec, err := api.CompleteUpload(context.Background(), httpdto.CompleteUploadRequest{UploadID: "u", StorageKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
}

func TestAPIClientMapsErrorCodes(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		message   string
		kind      qatrack_errors.Kind
		transient bool
	}{
		{http.StatusRequestEntityTooLarge, qatrack_errors.CodePayloadTooLarge, "file exceeds 500 MiB", qatrack_errors.KindValidation, false},
		{http.StatusBadRequest, qatrack_errors.CodeSessionState, "upload u was aborted", qatrack_errors.KindSessionState, false},
		{http.StatusNotFound, qatrack_errors.CodeNotFound, "attachment missing", qatrack_errors.KindNotFound, false},
		{http.StatusInternalServerError, qatrack_errors.CodeInternal, "upload service unavailable", qatrack_errors.KindBackendUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tc.status, httpdto.NewErrorResponse(tc.message, tc.code))
			}))
			defer srv.Close()

			_, err := NewAPIClient(srv.URL, "", srv.Client()).InitializeUpload(context.Background(), httpdto.InitializeUploadRequest{})
			require.Error(t, err)
			assert.Equal(t, tc.kind, qatrack_errors.KindOf(err))
			assert.Equal(t, tc.transient, qatrack_errors.IsTransient(err))
			assert.Equal(t, tc.message, err.Error())
		})
	}
}

func TestAPIClientAbortUsesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "u-1", r.URL.Query().Get("upload_id"))
		assert.Equal(t, "attachments/defects/p/k", r.URL.Query().Get("storage_key"))
		writeEnvelope(w, http.StatusOK, httpdto.NewSuccessResponse[any](nil))
	}))
	defer srv.Close()

	require.NoError(t, NewAPIClient(srv.URL, "", srv.Client()).AbortUpload(context.Background(), "u-1", "attachments/defects/p/k"))
}
