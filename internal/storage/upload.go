package storage

import (
	"context"
	"time"

	"github.com/bleepstore/bleepfs/internal/chunk"
	"github.com/bleepstore/bleepfs/internal/metrics"
)

// ChunkResult reports the state of an upload after a chunk or retry. Entry is
// set once the assembled file has been written.
type ChunkResult struct {
	Done     bool            `json:"done"`
	Received int             `json:"received"`
	Total    int             `json:"total"`
	Entry    *DirectoryEntry `json:"entry,omitempty"`
}

// WriteChunk accepts one chunk of a multi-part upload. Nothing is written to
// the backend until the final chunk arrives; the file at the target path
// appears in a single put.
func (s *Store) WriteChunk(ctx context.Context, d chunk.Descriptor, data []byte) (res ChunkResult, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("write_chunk", start, err) }(time.Now())

	n, err := normalizeFile(d.RelativePath)
	if err != nil {
		return ChunkResult{}, err
	}
	d.RelativePath = n

	var entry *DirectoryEntry
	st, err := s.uploads.Accept(ctx, d, data, s.commitUpload(&entry))
	res = ChunkResult{Done: st.Done, Received: st.Received, Total: st.Total, Entry: entry}
	if err != nil {
		return res, err
	}
	if entry != nil {
		s.logger.Info("upload committed", "upload_id", d.UploadID, "path", n, "size", entry.SizeBytes, "chunks", st.Total)
	} else if st.Done {
		res.Entry = s.committedEntry(ctx, d.UploadID, st.Path)
	}
	return res, nil
}

// RetryUpload re-runs the final write of a complete upload whose earlier
// write failed. The chunks need not be sent again.
func (s *Store) RetryUpload(ctx context.Context, uploadID string) (res ChunkResult, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("retry_upload", start, err) }(time.Now())

	var entry *DirectoryEntry
	st, err := s.uploads.Retry(ctx, uploadID, s.commitUpload(&entry))
	res = ChunkResult{Done: st.Done, Received: st.Received, Total: st.Total, Entry: entry}
	if err != nil {
		return res, err
	}
	if entry != nil {
		s.logger.Info("upload committed on retry", "upload_id", uploadID, "path", entry.Path)
	} else if st.Done {
		res.Entry = s.committedEntry(ctx, uploadID, st.Path)
	}
	return res, nil
}

// committedEntry describes the file of an upload that was committed by an
// earlier request. The file may have changed since; a failed lookup leaves
// the entry out.
func (s *Store) committedEntry(ctx context.Context, uploadID, p string) *DirectoryEntry {
	e, err := s.GetMetadata(ctx, p)
	if err != nil {
		s.logger.Debug("committed upload not found", "upload_id", uploadID, "path", p, "error", err)
		return nil
	}
	return &e
}

// AbandonUpload discards an upload and its buffered chunks.
func (s *Store) AbandonUpload(uploadID string) error {
	return s.uploads.Registry().Abandon(uploadID)
}

// commitUpload returns the commit step for the assembler. On success it
// stores the written entry in *out.
func (s *Store) commitUpload(out **DirectoryEntry) chunk.CommitFunc {
	return func(ctx context.Context, u chunk.Upload) error {
		e, err := s.put(ctx, u.RelativePath, u.Body, u.Size, u.ContentType)
		if err != nil {
			s.logger.Warn("upload commit failed", "upload_id", u.UploadID, "path", u.RelativePath, "error", err)
			return err
		}
		*out = &e
		return nil
	}
}
