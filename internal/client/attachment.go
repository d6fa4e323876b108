package client

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

type PartStatus string

const (
	PartPending   PartStatus = "pending"
	PartUploading PartStatus = "uploading"
	PartDone      PartStatus = "done"
	PartFailed    PartStatus = "failed"
)

type Part struct {
	Number int32
	ETag   string
	Status PartStatus
}

// File is the source of one attachment. Parts are read with ReadAt so several
// can be in flight at once.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.ReaderAt
}

// OpenFile wraps a local file. The caller closes the returned closer once the
// upload is terminal.
func OpenFile(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, err
	}
	return File{Name: filepath.Base(path), Size: info.Size(), Reader: f}, f, nil
}

const sniffLen = 3072

// detectMime sniffs the content type from the head of the file.
func detectMime(f File) string {
	n := int64(sniffLen)
	if f.Size < n {
		n = f.Size
	}
	head := make([]byte, n)
	read, err := f.Reader.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "application/octet-stream"
	}
	return mimetype.Detect(head[:read]).String()
}

// Attachment is a point-in-time copy of one tracked file.
type Attachment struct {
	ID        string
	FieldName string
	FileName  string
	FileSize  int64
	MimeType  string
	Status    Status
	Progress  int

	StorageKey    string
	UploadID      string
	Parts         []Part
	UploadedParts []int32

	// AttachmentID is the server record id once completed.
	AttachmentID string
	// Error is the failure message as reported, for diagnostics.
	Error string
	Err   error
}

// LinkedFile is what an entity save flow needs to associate a completed upload.
type LinkedFile struct {
	StorageKey string `json:"storage_key"`
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	FieldName  string `json:"field_name"`
}
