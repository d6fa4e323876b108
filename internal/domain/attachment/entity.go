package attachment

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record represents attachments. Rows are only ever created by upload completion.
type Record struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	StorageKey string     `gorm:"type:text;not null;uniqueIndex" json:"storage_key"`
	FileName   string     `gorm:"type:text;not null" json:"file_name"`
	FileSize   int64      `gorm:"not null" json:"file_size"`
	MimeType   string     `gorm:"type:text;not null" json:"mime_type"`
	ETag       string     `gorm:"column:etag;type:text" json:"etag,omitempty"`
	ProjectID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	EntityType string     `gorm:"type:text;not null;index:idx_attachments_entity" json:"entity_type"`
	EntityID   *uuid.UUID `gorm:"type:uuid;index:idx_attachments_entity" json:"entity_id,omitempty"`
	UploaderID *uuid.UUID `gorm:"type:uuid" json:"uploader_id,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
}

func (Record) TableName() string {
	return "attachments"
}

func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Linked reports whether the record is already attached to an owning entity.
func (r Record) Linked() bool {
	return r.EntityID != nil && *r.EntityID != uuid.Nil
}
