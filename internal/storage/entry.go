package storage

import (
	"mime"
	"time"

	"github.com/bleepstore/bleepfs/internal/driver"
	"github.com/bleepstore/bleepfs/internal/paths"
)

const (
	defaultContentType = "application/octet-stream"
	markerContentType  = "application/x-directory"
)

// DirectoryEntry describes one file or folder as callers see it. Folders are
// synthetic: they carry no size and, unless a marker object exists, no times.
type DirectoryEntry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDirectory bool      `json:"isDirectory"`
	SizeBytes   int64     `json:"sizeBytes"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	ContentType string    `json:"contentType,omitempty"`
	Extension   string    `json:"extension,omitempty"`
	ETag        string    `json:"etag,omitempty"`
}

func fileEntry(p string, info driver.ObjectInfo) DirectoryEntry {
	ct := info.ContentType
	if ct == "" {
		ct = contentTypeFor(p, "")
	}
	return DirectoryEntry{
		Name:        paths.Base(p),
		Path:        p,
		SizeBytes:   info.Size,
		Created:     info.Created,
		Modified:    info.Modified,
		ContentType: ct,
		Extension:   paths.Ext(p),
		ETag:        info.ETag,
	}
}

// dirEntry builds a folder entry. marker, when non-nil, supplies timestamps.
func dirEntry(p string, marker *driver.ObjectInfo) DirectoryEntry {
	e := DirectoryEntry{
		Name:        paths.Base(p),
		Path:        p,
		IsDirectory: true,
	}
	if marker != nil {
		e.Created = marker.Created
		e.Modified = marker.Modified
	}
	return e
}

// contentTypeFor returns declared when set, otherwise a type guessed from the
// file extension.
func contentTypeFor(p, declared string) string {
	if declared != "" {
		return declared
	}
	if ext := paths.Ext(p); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return defaultContentType
}
