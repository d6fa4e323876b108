package upload

import (
	"time"

	"github.com/google/uuid"
)

// EntityType is the kind of business entity an attachment can belong to.
type EntityType string

const (
	EntityTestCase EntityType = "test_case"
	EntityTestRun  EntityType = "test_run"
	EntityDefect   EntityType = "defect"
	EntityComment  EntityType = "comment"
	EntityStep     EntityType = "step"
)

var EntityTypes = []EntityType{EntityTestCase, EntityTestRun, EntityDefect, EntityComment, EntityStep}

func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Folder is the storage path segment for the entity type.
func (t EntityType) Folder() string {
	switch t {
	case EntityTestCase:
		return "test-cases"
	case EntityTestRun:
		return "test-runs"
	case EntityDefect:
		return "defects"
	case EntityComment:
		return "comments"
	case EntityStep:
		return "steps"
	}
	return "misc"
}

type SessionState string

const (
	SessionInitiated SessionState = "initiated"
	SessionCompleted SessionState = "completed"
	SessionAborted   SessionState = "aborted"
)

// Session is the server-side correlation of one multipart upload. The storage
// backend stays the source of truth for uploaded parts.
type Session struct {
	UploadID   string       `json:"upload_id"`
	StorageKey string       `json:"storage_key"`
	FileName   string       `json:"file_name"`
	FileSize   int64        `json:"file_size"`
	MimeType   string       `json:"mime_type"`
	ProjectID  uuid.UUID    `json:"project_id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   *uuid.UUID   `json:"entity_id,omitempty"`
	UploaderID *uuid.UUID   `json:"uploader_id,omitempty"`
	PartSize   int64        `json:"part_size"`
	PartCount  int          `json:"part_count"`
	State      SessionState `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// PartAuthorization is a presigned, time limited target for one part.
type PartAuthorization struct {
	PartNumber int32     `json:"part_number"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CompletedPart is a part the backend acknowledged with an etag.
type CompletedPart struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// PartCount returns how many parts of partSize a file of size bytes needs.
func PartCount(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}
