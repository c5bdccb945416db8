package chunk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/metrics"
)

// State is the lifecycle position of an upload session.
type State int

const (
	StateOpen State = iota
	StateReceiving
	StateCommitting
	StateCommitted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReceiving:
		return "receiving"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Session holds the chunks of one upload. Its mutex guards every field after
// construction.
type Session struct {
	mu sync.Mutex

	id          string
	path        string
	contentType string
	total       int
	totalSize   int64

	chunks       map[int][]byte
	state        State
	lastActivity time.Time
}

// release drops the chunk buffers. s.mu must be held.
func (s *Session) release(state State) {
	s.chunks = nil
	s.state = state
}

// tombstone remembers a committed upload until the idle timeout so that a
// resent chunk of it is answered as done instead of opening a new session.
type tombstone struct {
	path        string
	contentType string
	total       int
	totalSize   int64
	committedAt time.Time
}

func (tb tombstone) matches(d Descriptor) bool {
	return d.RelativePath == tb.path && d.ContentType == tb.contentType &&
		d.TotalChunks == tb.total && d.TotalFileSize == tb.totalSize
}

// Registry owns every live upload session. Lookups take the registry lock and
// then, separately, the session lock; no code path holds both.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	committed map[string]tombstone

	clock       clock.Clock
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewRegistry returns an empty registry that abandons sessions idle for
// longer than idleTimeout.
func NewRegistry(clk clock.Clock, idleTimeout time.Duration, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		committed:   make(map[string]tombstone),
		clock:       clk,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// getOrCreate returns the session for d.UploadID, creating it in StateOpen.
// When d repeats a chunk of an upload that was already committed, it returns
// the tombstone instead and the third result is true. A descriptor that differs from the
// tombstone reuses the id for a new upload.
func (r *Registry) getOrCreate(d Descriptor) (*Session, tombstone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[d.UploadID]; ok {
		return s, tombstone{}, false
	}
	if tb, ok := r.committed[d.UploadID]; ok {
		if tb.matches(d) {
			return nil, tb, true
		}
		delete(r.committed, d.UploadID)
	}
	s := &Session{
		id:           d.UploadID,
		path:         d.RelativePath,
		contentType:  d.ContentType,
		total:        d.TotalChunks,
		totalSize:    d.TotalFileSize,
		chunks:       make(map[int][]byte, d.TotalChunks),
		state:        StateOpen,
		lastActivity: r.clock.Now(),
	}
	r.sessions[d.UploadID] = s
	metrics.UploadSessionsActive.Inc()
	return s, tombstone{}, false
}

// lookup returns the live session for id.
func (r *Registry) lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// tombstoneFor returns the record of a committed upload.
func (r *Registry) tombstoneFor(id string) (tombstone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tb, ok := r.committed[id]
	return tb, ok
}

// finish replaces the committed session s with its tombstone.
func (r *Registry) finish(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
		metrics.UploadSessionsActive.Dec()
	}
	r.committed[s.id] = tombstone{
		path:        s.path,
		contentType: s.contentType,
		total:       s.total,
		totalSize:   s.totalSize,
		committedAt: r.clock.Now(),
	}
}

// remove deletes id only if it still maps to s, so a session created after s
// was finished is left alone.
func (r *Registry) remove(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		metrics.UploadSessionsActive.Dec()
	}
}

// Len returns the number of live sessions. Committed uploads are not counted.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Info is a point-in-time view of a session.
type Info struct {
	UploadID     string
	RelativePath string
	State        State
	Received     int
	Total        int
	LastActivity time.Time
}

// Lookup returns a snapshot of the session for id. A recently committed
// upload is reported in StateCommitted until the reaper forgets it.
func (r *Registry) Lookup(id string) (Info, bool) {
	s, ok := r.lookup(id)
	if !ok {
		tb, ok := r.tombstoneFor(id)
		if !ok {
			return Info{}, false
		}
		return Info{
			UploadID:     id,
			RelativePath: tb.path,
			State:        StateCommitted,
			Received:     tb.total,
			Total:        tb.total,
			LastActivity: tb.committedAt,
		}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		UploadID:     s.id,
		RelativePath: s.path,
		State:        s.state,
		Received:     len(s.chunks),
		Total:        s.total,
		LastActivity: s.lastActivity,
	}, true
}

// Abandon cancels the upload and releases its buffers. A session that is
// committing cannot be abandoned.
func (r *Registry) Abandon(id string) error {
	s, ok := r.lookup(id)
	if !ok {
		return fserr.ErrUploadNotFound.WithMessage("upload %q does not exist", id)
	}
	s.mu.Lock()
	switch s.state {
	case StateCommitting:
		s.mu.Unlock()
		return fserr.ErrUploadInProgress.WithPath(s.path)
	case StateCommitted, StateAbandoned:
		s.mu.Unlock()
		r.remove(id, s)
		return fserr.ErrUploadNotFound.WithMessage("upload %q does not exist", id)
	}
	s.release(StateAbandoned)
	s.mu.Unlock()

	r.remove(id, s)
	metrics.UploadSessionsAbandonedTotal.WithLabelValues("cancelled").Inc()
	r.logger.Info("upload abandoned", "upload_id", id)
	return nil
}

// Reap abandons every session idle for longer than the idle timeout and
// returns how many were removed. Committing sessions are never reaped.
// Tombstones older than the idle timeout are dropped without being counted.
func (r *Registry) Reap() int {
	cutoff := r.clock.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	for id, tb := range r.committed {
		if tb.committedAt.Before(cutoff) {
			delete(r.committed, id)
		}
	}
	r.mu.Unlock()

	removed := 0
	for _, s := range candidates {
		s.mu.Lock()
		stale := s.state != StateCommitting && s.state != StateCommitted && s.lastActivity.Before(cutoff)
		var idle time.Duration
		if stale {
			idle = r.clock.Now().Sub(s.lastActivity)
			s.release(StateAbandoned)
		}
		s.mu.Unlock()

		if stale {
			r.remove(s.id, s)
			removed++
			metrics.UploadSessionsAbandonedTotal.WithLabelValues("idle").Inc()
			r.logger.Info("reaper: removed idle upload", "upload_id", s.id, "path", s.path, "idle", idle.Round(time.Second))
		}
	}
	if removed > 0 {
		r.logger.Info("reaper: cycle complete", "removed", removed)
	}
	return removed
}

// Run calls Reap every interval until ctx is cancelled. A first pass runs
// immediately.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	r.Reap()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			r.Reap()
		}
	}
}
