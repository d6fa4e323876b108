package services

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"qatrack/config"
	"qatrack/internal/domain/upload"
	"qatrack/internal/storage"
	qatrack_errors "qatrack/pkg/errors"
)

const (
	DefaultMaxFileSize = 500 * 1024 * 1024
	DefaultPartSize    = storage.MinPartSize
)

var (
	imageTypes    = []string{"image/png", "image/jpeg", "image/gif", "image/webp", "image/bmp"}
	documentTypes = []string{
		"application/pdf",
		"text/plain",
		"text/csv",
		"application/json",
		"application/xml",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	videoTypes   = []string{"video/mp4", "video/webm", "video/quicktime"}
	archiveTypes = []string{"application/zip", "application/gzip", "application/x-tar"}
)

// Spellings browsers send that mimetype does not know as aliases.
var mimeAliases = map[string]string{
	"image/jpg":                    "image/jpeg",
	"image/pjpeg":                  "image/jpeg",
	"image/x-png":                  "image/png",
	"application/x-zip-compressed": "application/zip",
	"application/x-gzip":           "application/gzip",
	"text/x-log":                   "text/plain",
}

func DefaultAllowedTypes() map[upload.EntityType][]string {
	concat := func(groups ...[]string) []string {
		var out []string
		for _, g := range groups {
			out = append(out, g...)
		}
		return out
	}
	return map[upload.EntityType][]string{
		upload.EntityTestCase: concat(imageTypes, documentTypes),
		upload.EntityTestRun:  concat(imageTypes, documentTypes, videoTypes, archiveTypes),
		upload.EntityDefect:   concat(imageTypes, documentTypes, videoTypes, archiveTypes),
		upload.EntityComment:  concat(imageTypes, documentTypes),
		upload.EntityStep:     concat(imageTypes, videoTypes, []string{"text/plain"}),
	}
}

// UploadPolicy decides whether a declared file may be uploaded and how it is split.
type UploadPolicy struct {
	MaxFileSize  int64
	PartSize     int64
	AllowedTypes map[upload.EntityType][]string
}

func NewUploadPolicy(cfg config.UploadConfig) UploadPolicy {
	p := UploadPolicy{
		MaxFileSize:  cfg.MaxFileSize,
		PartSize:     cfg.PartSize,
		AllowedTypes: DefaultAllowedTypes(),
	}
	if p.MaxFileSize <= 0 {
		p.MaxFileSize = DefaultMaxFileSize
	}
	if p.PartSize < storage.MinPartSize {
		p.PartSize = DefaultPartSize
	}
	for entity, types := range cfg.AllowedTypes {
		if len(types) > 0 {
			p.AllowedTypes[upload.EntityType(entity)] = types
		}
	}
	return p
}

func (p UploadPolicy) CheckSize(size int64) error {
	if size <= 0 {
		return qatrack_errors.BadRequest("fileSize must be greater than zero")
	}
	if size > p.MaxFileSize {
		return qatrack_errors.Validation(qatrack_errors.CodePayloadTooLarge,
			"file of %d bytes exceeds the %d byte limit", size, p.MaxFileSize)
	}
	return nil
}

func (p UploadPolicy) CheckType(entity upload.EntityType, mimeType string) error {
	declared := normalizeMime(mimeType)
	for _, allowed := range p.AllowedTypes[entity] {
		if mimeMatches(allowed, declared) {
			return nil
		}
	}
	return qatrack_errors.Validation(qatrack_errors.CodeUnsupportedMediaType,
		"%s attachments of type %q are not allowed", entity, mimeType)
}

// PartSizeFor grows the configured part size until size fits the backend part limit.
func (p UploadPolicy) PartSizeFor(size int64) int64 {
	partSize := p.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	for upload.PartCount(size, partSize) > storage.MaxParts {
		partSize *= 2
	}
	return partSize
}

func normalizeMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if canonical, ok := mimeAliases[m]; ok {
		return canonical
	}
	return m
}

func mimeMatches(allowed, declared string) bool {
	allowed = normalizeMime(allowed)
	if allowed == declared {
		return true
	}
	if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
		return strings.HasPrefix(declared, prefix+"/")
	}
	if known := mimetype.Lookup(allowed); known != nil {
		return known.Is(declared)
	}
	return false
}
