package chunk

import (
	"bytes"
	"context"
	"io"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/metrics"
)

// Upload is the assembled file handed to a CommitFunc.
type Upload struct {
	UploadID     string
	RelativePath string
	ContentType  string
	Size         int64
	// Body yields the chunks concatenated in index order.
	Body io.Reader
}

// CommitFunc writes an assembled upload to its final location.
type CommitFunc func(ctx context.Context, u Upload) error

// Status reports progress after a chunk is accepted.
type Status struct {
	// Done is set once the upload has been committed.
	Done     bool
	Received int
	Total    int
	// Path is the destination of a committed upload.
	Path string
}

func committedStatus(path string, total int) Status {
	return Status{Done: true, Received: total, Total: total, Path: path}
}

// Assembler accepts chunks into sessions held by a Registry.
type Assembler struct {
	reg *Registry
}

// NewAssembler returns an Assembler over reg.
func NewAssembler(reg *Registry) *Assembler {
	return &Assembler{reg: reg}
}

// Registry returns the session registry the assembler uses.
func (a *Assembler) Registry() *Registry { return a.reg }

// Accept stores one chunk. When it completes the set, the session moves to
// committing and commit runs outside the session lock; exactly one caller
// performs the commit. A failed commit returns the session to receiving with
// its chunks intact so Retry can finish it without resending.
func (a *Assembler) Accept(ctx context.Context, d Descriptor, data []byte, commit CommitFunc) (Status, error) {
	if err := d.Validate(); err != nil {
		return Status{}, err
	}

	for {
		s, tb, done := a.reg.getOrCreate(d)
		if done {
			// A resend of a chunk whose upload already landed.
			return committedStatus(tb.path, tb.total), nil
		}
		s.mu.Lock()
		if s.state == StateAbandoned {
			// Reaped between lookup and lock; start a fresh session.
			s.mu.Unlock()
			a.reg.remove(d.UploadID, s)
			continue
		}
		return a.acceptLocked(ctx, s, d, data, commit)
	}
}

// acceptLocked is called with s.mu held and releases it.
func (a *Assembler) acceptLocked(ctx context.Context, s *Session, d Descriptor, data []byte, commit CommitFunc) (Status, error) {
	switch s.state {
	case StateCommitted:
		s.mu.Unlock()
		return committedStatus(s.path, s.total), nil
	case StateCommitting:
		s.mu.Unlock()
		return Status{}, fserr.ErrUploadInProgress.WithPath(s.path)
	}

	if d.RelativePath != s.path || d.TotalChunks != s.total || d.ContentType != s.contentType || d.TotalFileSize != s.totalSize {
		s.mu.Unlock()
		return Status{}, fserr.ErrInvalidChunk.WithPath(d.RelativePath).
			WithMessage("chunk does not match upload %q (path %q, %d chunks)", s.id, s.path, s.total)
	}

	s.chunks[d.ChunkIndex] = bytes.Clone(data)
	s.state = StateReceiving
	s.lastActivity = a.reg.clock.Now()
	metrics.ChunksReceivedTotal.Inc()

	if len(s.chunks) < s.total {
		st := Status{Received: len(s.chunks), Total: s.total}
		s.mu.Unlock()
		return st, nil
	}
	return a.commitLocked(ctx, s, commit)
}

// Retry re-runs the commit of a complete session whose earlier commit failed.
func (a *Assembler) Retry(ctx context.Context, uploadID string, commit CommitFunc) (Status, error) {
	s, ok := a.reg.lookup(uploadID)
	if !ok {
		if tb, ok := a.reg.tombstoneFor(uploadID); ok {
			return committedStatus(tb.path, tb.total), nil
		}
		return Status{}, fserr.ErrUploadNotFound.WithMessage("upload %q does not exist", uploadID)
	}
	s.mu.Lock()
	switch s.state {
	case StateAbandoned:
		s.mu.Unlock()
		return Status{}, fserr.ErrUploadNotFound.WithMessage("upload %q does not exist", uploadID)
	case StateCommitted:
		s.mu.Unlock()
		return committedStatus(s.path, s.total), nil
	case StateCommitting:
		s.mu.Unlock()
		return Status{}, fserr.ErrUploadInProgress.WithPath(s.path)
	}
	if len(s.chunks) < s.total {
		st := Status{Received: len(s.chunks), Total: s.total}
		s.mu.Unlock()
		return st, fserr.ErrInvalidChunk.WithPath(s.path).
			WithMessage("upload %q has %d of %d chunks", uploadID, st.Received, st.Total)
	}
	return a.commitLocked(ctx, s, commit)
}

// commitLocked is called with s.mu held and every chunk present. It releases
// the lock around the commit call.
func (a *Assembler) commitLocked(ctx context.Context, s *Session, commit CommitFunc) (Status, error) {
	var size int64
	readers := make([]io.Reader, 0, s.total)
	for i := 0; i < s.total; i++ {
		size += int64(len(s.chunks[i]))
		readers = append(readers, bytes.NewReader(s.chunks[i]))
	}
	if s.totalSize > 0 && size != s.totalSize {
		st := Status{Received: len(s.chunks), Total: s.total}
		s.mu.Unlock()
		return st, fserr.ErrInvalidChunk.WithPath(s.path).
			WithMessage("assembled size %d does not match declared size %d", size, s.totalSize)
	}

	// Chunk buffers are immutable while committing: Accept refuses writes.
	s.state = StateCommitting
	u := Upload{
		UploadID:     s.id,
		RelativePath: s.path,
		ContentType:  s.contentType,
		Size:         size,
		Body:         io.MultiReader(readers...),
	}
	s.mu.Unlock()

	err := commit(ctx, u)

	s.mu.Lock()
	if err != nil {
		s.state = StateReceiving
		s.lastActivity = a.reg.clock.Now()
		st := Status{Received: len(s.chunks), Total: s.total}
		s.mu.Unlock()
		return st, err
	}
	s.release(StateCommitted)
	s.mu.Unlock()

	a.reg.finish(s)
	return committedStatus(s.path, s.total), nil
}
