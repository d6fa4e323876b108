package services

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"qatrack/internal/domain/upload"
)

const (
	storageKeyRoot  = "attachments"
	maxFileNameLen  = 100
	maxExtensionLen = 16
)

// BuildStorageKey returns attachments/<folder>/<project>/<millis>-<token>-<name>.
func BuildStorageKey(entity upload.EntityType, projectID uuid.UUID, fileName string, now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("%s/%s/%s/%d-%s-%s",
		storageKeyRoot, entity.Folder(), projectID, now.UnixMilli(), token, SanitizeFileName(fileName))
}

// SanitizeFileName reduces a client supplied name to a safe single path segment.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.ReplaceAll(name, "..", "")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
		default:
			b.WriteByte('_')
		}
	}
	clean := strings.TrimLeft(b.String(), ".")
	if clean == "" || clean == "_" {
		clean = "file"
	}

	if len(clean) > maxFileNameLen {
		ext := path.Ext(clean)
		if len(ext) > maxExtensionLen {
			ext = ""
		}
		clean = clean[:maxFileNameLen-len(ext)] + ext
	}
	return clean
}

func isUnderRoot(key string) bool {
	return strings.HasPrefix(key, storageKeyRoot+"/")
}
