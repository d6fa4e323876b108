package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
)

// Orchestrator is the server side of the upload protocol.
type Orchestrator interface {
	InitializeUpload(ctx context.Context, req httpdto.InitializeUploadRequest) (httpdto.InitializeUploadResponse, error)
	CompleteUpload(ctx context.Context, req httpdto.CompleteUploadRequest) (httpdto.AttachmentDTO, error)
	AbortUpload(ctx context.Context, uploadID, storageKey string) error
}

// APIClient calls the upload endpoints of a qatrack server.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

func (c *APIClient) InitializeUpload(ctx context.Context, req httpdto.InitializeUploadRequest) (httpdto.InitializeUploadResponse, error) {
	var out httpdto.InitializeUploadResponse
	err := c.do(ctx, http.MethodPost, "/v1/uploads/initialize", req, &out)
	return out, err
}

func (c *APIClient) CompleteUpload(ctx context.Context, req httpdto.CompleteUploadRequest) (httpdto.AttachmentDTO, error) {
	var out httpdto.CompleteUploadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/uploads/complete", req, &out); err != nil {
		return httpdto.AttachmentDTO{}, err
	}
	return out.Attachment, nil
}

func (c *APIClient) AbortUpload(ctx context.Context, uploadID, storageKey string) error {
	q := url.Values{}
	q.Set("upload_id", uploadID)
	q.Set("storage_key", storageKey)
	return c.do(ctx, http.MethodDelete, "/v1/uploads/abort?"+q.Encode(), nil, nil)
}

func (c *APIClient) GetDownloadURL(ctx context.Context, attachmentID string) (httpdto.DownloadURLResponse, error) {
	var out httpdto.DownloadURLResponse
	err := c.do(ctx, http.MethodGet, "/v1/attachments/"+url.PathEscape(attachmentID)+"/download", nil, &out)
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return qatrack_errors.BackendUnavailable(err, true, "upload service unreachable")
	}
	defer resp.Body.Close()

	var env httpdto.Response[json.RawMessage]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return qatrack_errors.BackendUnavailable(err, resp.StatusCode >= 500, "unexpected response from upload service (status %d)", resp.StatusCode)
	}
	if env.Failed() || resp.StatusCode >= 400 {
		return remoteError(resp.StatusCode, env.Code, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// remoteError rebuilds a tagged error from the wire code. The server message is kept as is.
func remoteError(status int, code, message string) error {
	if code == "" {
		code = qatrack_errors.CodeInternal
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &qatrack_errors.Error{
		Kind:      qatrack_errors.KindForCode(code),
		Code:      code,
		Message:   message,
		Transient: status >= 500 || status == http.StatusTooManyRequests,
	}
}
