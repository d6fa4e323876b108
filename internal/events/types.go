package events

// Event types follow the format: domain.action
const (
	EventTypeAttachmentCreated = "attachment.created"
	EventTypeAttachmentDeleted = "attachment.deleted"
	EventTypeUploadAborted     = "upload.aborted"
)

const (
	AggregateAttachment = "attachment"
	AggregateUpload     = "upload"
)

type AttachmentCreatedPayload struct {
	AttachmentID string `json:"attachment_id"`
	StorageKey   string `json:"storage_key"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id,omitempty"`
	UploaderID   string `json:"uploader_id,omitempty"`
}

type AttachmentDeletedPayload struct {
	AttachmentID string `json:"attachment_id"`
	StorageKey   string `json:"storage_key"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id,omitempty"`
}

type UploadAbortedPayload struct {
	UploadID   string `json:"upload_id"`
	StorageKey string `json:"storage_key"`
}
