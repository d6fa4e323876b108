package httpdto

import "time"

// InitializeUploadRequest is used for POST /v1/uploads/initialize
type InitializeUploadRequest struct {
	FileName   string  `json:"file_name"`
	FileSize   int64   `json:"file_size"`
	MimeType   string  `json:"mime_type"`
	ProjectID  string  `json:"project_id"`
	EntityType string  `json:"entity_type"`
	EntityID   *string `json:"entity_id,omitempty"`
}

type PartURLDTO struct {
	PartNumber int32     `json:"part_number"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// InitializeUploadResponse carries everything a client needs to send the parts.
type InitializeUploadResponse struct {
	StorageKey string       `json:"storage_key"`
	UploadID   string       `json:"upload_id"`
	PartSize   int64        `json:"part_size"`
	PartCount  int          `json:"part_count"`
	Parts      []PartURLDTO `json:"parts"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

type CompletedPartDTO struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteUploadRequest is used for POST /v1/uploads/complete
type CompleteUploadRequest struct {
	UploadID   string             `json:"upload_id"`
	StorageKey string             `json:"storage_key"`
	Parts      []CompletedPartDTO `json:"parts"`
	FileName   string             `json:"file_name"`
	FileSize   int64              `json:"file_size"`
	MimeType   string             `json:"mime_type"`
	EntityID   *string            `json:"entity_id,omitempty"`
}

type CompleteUploadResponse struct {
	Attachment AttachmentDTO `json:"attachment"`
}

// AbortUploadRequest is read from the query string or a JSON body on DELETE /v1/uploads/abort
type AbortUploadRequest struct {
	UploadID   string `json:"upload_id" form:"upload_id"`
	StorageKey string `json:"storage_key" form:"storage_key"`
}
