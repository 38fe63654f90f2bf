package importer

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Guizzs26/cu-sync-agent/pkg/encoding"
)

// UploadError is a field-level rejection reported before any parsing.
type UploadError struct {
	Field   string
	Message string
}

func (e *UploadError) Error() string {
	return e.Field + ": " + e.Message
}

// UploadPolicy bounds what a bulk import upload may be.
type UploadPolicy struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// CheckUpload rejects files with a disallowed extension or over the size limit.
func (p UploadPolicy) CheckUpload(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(p.AllowedExtensions, ext) {
		return &UploadError{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file type %q, allowed: %s", ext, strings.Join(p.AllowedExtensions, ", ")),
		}
	}
	if size <= 0 {
		return &UploadError{Field: "file", Message: "file is empty"}
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return &UploadError{
			Field:   "file",
			Message: fmt.Sprintf("file is %d bytes, limit is %d", size, p.MaxBytes),
		}
	}
	return nil
}

// DecodeUpload turns uploaded bytes into text. Spreadsheet exports that are
// not UTF-8 are read as Windows-1252.
func DecodeUpload(b []byte) string {
	return encoding.ToUTF8(b)
}
