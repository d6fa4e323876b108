package httpdto

import "time"

// AttachmentDTO represents an attachment record in API responses
type AttachmentDTO struct {
	ID         string `json:"id"`
	StorageKey string `json:"storage_key"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type"`
	ProjectID  string `json:"project_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	UploaderID string `json:"uploader_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type DownloadURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type"`
}

// PrepareDeleteResponse describes what a confirmed delete will remove.
type PrepareDeleteResponse struct {
	Attachment AttachmentDTO `json:"attachment"`
	StorageKey string        `json:"storage_key"`
}

// ListAttachmentsRequest holds query parameters for GET /v1/attachments
type ListAttachmentsRequest struct {
	EntityType string `form:"entity_type" binding:"required"`
	EntityID   string `form:"entity_id" binding:"required"`
}

type ListAttachmentsResponse struct {
	Attachments []AttachmentDTO `json:"attachments"`
}
