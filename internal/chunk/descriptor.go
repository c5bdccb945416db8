// Package chunk reassembles files uploaded as ordered chunks into a single
// committed object.
//
// A session collects chunks by index. Chunks may arrive out of order and may
// be resent; a resent index replaces the earlier bytes. When every index from
// 0 to TotalChunks-1 is present, the chunks are concatenated in index order
// and handed to a CommitFunc exactly once. Sessions that go quiet for longer
// than the idle timeout are abandoned by the registry's reaper.
package chunk

import (
	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// MaxChunks caps TotalChunks for a single upload.
const MaxChunks = 10000

// Descriptor accompanies every chunk payload.
type Descriptor struct {
	UploadID     string `json:"uploadId"`
	RelativePath string `json:"relativePath"`
	ContentType  string `json:"contentType"`
	ChunkIndex   int    `json:"chunkIndex"`
	TotalChunks  int    `json:"totalChunks"`
	// TotalFileSize is the expected assembled size in bytes; 0 means unknown.
	TotalFileSize int64 `json:"totalFileSizeBytes"`
}

// Validate checks the descriptor in isolation.
func (d Descriptor) Validate() error {
	switch {
	case d.UploadID == "":
		return fserr.ErrInvalidChunk.WithMessage("upload id is required")
	case d.TotalChunks < 1:
		return fserr.ErrInvalidChunk.WithMessage("total chunks must be at least 1, got %d", d.TotalChunks)
	case d.TotalChunks > MaxChunks:
		return fserr.ErrInvalidChunk.WithMessage("total chunks %d exceeds the limit of %d", d.TotalChunks, MaxChunks)
	case d.ChunkIndex < 0 || d.ChunkIndex >= d.TotalChunks:
		return fserr.ErrInvalidChunk.WithMessage("chunk index %d is outside [0, %d)", d.ChunkIndex, d.TotalChunks)
	case d.TotalFileSize < 0:
		return fserr.ErrInvalidChunk.WithMessage("total file size must not be negative")
	}
	return nil
}
