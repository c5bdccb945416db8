package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/bleepstore/bleepfs/internal/cache"
	"github.com/bleepstore/bleepfs/internal/chunk"
	"github.com/bleepstore/bleepfs/internal/driver"
	fserr "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/logging"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/paths"
)

// Options tunes a Store. Zero fields take the defaults below.
type Options struct {
	// OperationTimeout bounds every backend call.
	OperationTimeout time.Duration
	// CacheTTL is how long metadata and existence answers are reused.
	// A negative value disables the cache.
	CacheTTL time.Duration
	// RetryAttempts and RetryDelay bound the per-object retry of bulk
	// operations on transient failures.
	RetryAttempts int
	RetryDelay    time.Duration
	// SessionIdleTimeout is how long an upload may sit without a chunk
	// before the reaper abandons it.
	SessionIdleTimeout time.Duration
	// Website holds the documents used when the static website is enabled.
	Website driver.WebsiteConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

const (
	DefaultOperationTimeout   = 30 * time.Second
	DefaultCacheTTL           = 5 * time.Second
	DefaultRetryAttempts      = 3
	DefaultRetryDelay         = 200 * time.Millisecond
	DefaultSessionIdleTimeout = 15 * time.Minute
	DefaultIndexDocument      = "index.html"
	DefaultErrorDocument      = "404.html"
)

func (o *Options) applyDefaults() {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.SessionIdleTimeout <= 0 {
		o.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if o.Website.IndexDocument == "" {
		o.Website.IndexDocument = DefaultIndexDocument
	}
	if o.Website.ErrorDocument404Path == "" {
		o.Website.ErrorDocument404Path = DefaultErrorDocument
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the storage context for one target. It is safe for concurrent use.
type Store struct {
	target Target
	drv    driver.Driver
	tr     *paths.Translator

	exists *cache.Cache[bool]
	meta   *cache.Cache[DirectoryEntry]

	uploads *chunk.Assembler

	opts   Options
	logger *slog.Logger
}

// New builds a Store over an already opened driver.
func New(target Target, drv driver.Driver, opts Options) (*Store, error) {
	if drv == nil {
		return nil, fserr.ErrConfiguration.WithMessage("no driver for target %s", target)
	}
	opts.applyDefaults()
	tr, err := paths.NewTranslator(target.Root)
	if err != nil {
		return nil, fserr.ErrConfiguration.WithMessage("invalid root %q", target.Root).WithCause(err)
	}
	logger := logging.For(opts.Logger, "storage")
	reg := chunk.NewRegistry(opts.Clock, opts.SessionIdleTimeout, logging.For(opts.Logger, "uploads"))
	return &Store{
		target:  target,
		drv:     drv,
		tr:      tr,
		exists:  cache.New[bool]("exists", opts.CacheTTL, opts.Clock),
		meta:    cache.New[DirectoryEntry]("metadata", opts.CacheTTL, opts.Clock),
		uploads: chunk.NewAssembler(reg),
		opts:    opts,
		logger:  logger,
	}, nil
}

// Open resolves descriptor, connects to the backend it names and returns a
// Store over it.
func Open(ctx context.Context, descriptor string, opts Options) (*Store, error) {
	target, err := Resolve(descriptor)
	if err != nil {
		return nil, err
	}
	drv, err := OpenDriver(ctx, target)
	if err != nil {
		return nil, err
	}
	s, err := New(target, drv, opts)
	if err != nil {
		return nil, err
	}
	s.logger.Info("storage opened", "target", target.String())
	return s, nil
}

// OpenDriver connects the SDK client for target.
func OpenDriver(ctx context.Context, t Target) (driver.Driver, error) {
	switch t.Kind {
	case driver.KindFlatBlob:
		return driver.NewAzureDriver(ctx, driver.AzureConfig{
			ServiceURL:  t.BlobEndpoint,
			AccountName: t.AccountName,
			AccountKey:  t.AccountKey,
			Container:   t.Container,
		})
	case driver.KindS3Compatible:
		return driver.NewS3Driver(ctx, driver.S3Config{
			Bucket:          t.Container,
			Region:          t.Region,
			Endpoint:        t.Endpoint,
			UsePathStyle:    t.ForcePathStyle,
			AccessKeyID:     t.AccessKeyID,
			SecretAccessKey: t.SecretAccessKey,
		})
	case driver.KindMemory:
		// Contents live only as long as the process.
		return driver.NewMemoryDriver(nil, 0), nil
	}
	return nil, fserr.ErrConfiguration.WithMessage("no driver for backend kind %q", t.Kind)
}

// Target returns the resolved target.
func (s *Store) Target() Target { return s.target }

// Uploads exposes the upload session registry.
func (s *Store) Uploads() *chunk.Registry { return s.uploads.Registry() }

// withTimeout runs fn under the operation timeout. A deadline hit while the
// caller's context is still live is reported as a transient backend error.
func (s *Store) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	err := fn(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && !fserr.IsRetryable(err) {
		return fserr.ErrBackendTransient.
			WithMessage("backend call exceeded %s", s.opts.OperationTimeout).
			WithCause(err)
	}
	return err
}

// invalidate drops cached answers for p and every ancestor, whose synthetic
// folder entries may appear or vanish with p.
func (s *Store) invalidate(ps ...string) {
	var keys []string
	for _, p := range ps {
		for {
			keys = append(keys, p)
			if p == "" {
				break
			}
			p = paths.Parent(p)
		}
	}
	s.exists.Invalidate(keys...)
	s.meta.Invalidate(keys...)
}

// invalidateTree drops cached answers for dir, everything below it, and its
// ancestors.
func (s *Store) invalidateTree(dir string) {
	below := func(k string) bool { return paths.Within(k, dir) }
	s.exists.InvalidateMatching(below)
	s.meta.InvalidateMatching(below)
	s.invalidate(dir)
}

func normalizeFile(p string) (string, error) {
	n, err := paths.Normalize(p)
	if err != nil {
		return "", err
	}
	if n == "" {
		return "", fserr.ErrInvalidPath.WithMessage("the root folder is not a file")
	}
	return n, nil
}

// folderExists reports whether any key lies under the folder prefix of p.
func (s *Store) folderExists(ctx context.Context, p string) (bool, error) {
	prefix, err := s.tr.Prefix(p)
	if err != nil {
		return false, err
	}
	var objs []driver.ObjectInfo
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var lerr error
		objs, lerr = s.drv.ListObjects(ctx, prefix)
		return lerr
	})
	if err != nil {
		return false, err
	}
	return len(objs) > 0, nil
}

// Exists reports whether a file or folder is stored at p. The root always
// exists.
func (s *Store) Exists(ctx context.Context, p string) (ok bool, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("exists", start, err) }(time.Now())

	n, err := paths.Normalize(p)
	if err != nil {
		return false, err
	}
	if n == "" {
		return true, nil
	}
	return s.exists.GetOrLoad(ctx, n, func(ctx context.Context) (bool, error) {
		key, err := s.tr.ToKey(n)
		if err != nil {
			return false, err
		}
		var found bool
		err = s.withTimeout(ctx, func(ctx context.Context) error {
			var eerr error
			found, eerr = s.drv.ObjectExists(ctx, key)
			return eerr
		})
		if err != nil || found {
			return found, err
		}
		return s.folderExists(ctx, n)
	})
}

// GetMetadata returns the entry for the file or folder at p.
func (s *Store) GetMetadata(ctx context.Context, p string) (e DirectoryEntry, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("get_metadata", start, err) }(time.Now())

	n, err := paths.Normalize(p)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if n == "" {
		return dirEntry("", nil), nil
	}
	return s.meta.GetOrLoad(ctx, n, func(ctx context.Context) (DirectoryEntry, error) {
		return s.loadMetadata(ctx, n)
	})
}

func (s *Store) loadMetadata(ctx context.Context, n string) (DirectoryEntry, error) {
	key, err := s.tr.ToKey(n)
	if err != nil {
		return DirectoryEntry{}, err
	}
	var info driver.ObjectInfo
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var serr error
		info, serr = s.drv.StatObject(ctx, key)
		return serr
	})
	if err == nil {
		return fileEntry(n, info), nil
	}
	if !errors.Is(err, fserr.ErrNotFound) {
		return DirectoryEntry{}, err
	}

	prefix, err := s.tr.Prefix(n)
	if err != nil {
		return DirectoryEntry{}, err
	}
	var objs []driver.ObjectInfo
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var lerr error
		objs, lerr = s.drv.ListObjects(ctx, prefix)
		return lerr
	})
	if err != nil {
		return DirectoryEntry{}, err
	}
	if len(objs) == 0 {
		return DirectoryEntry{}, fserr.ErrNotFound.WithPath(n)
	}
	for i := range objs {
		if objs[i].Key == prefix {
			return dirEntry(n, &objs[i]), nil
		}
	}
	return dirEntry(n, nil), nil
}

// List returns the entries below folder p, sorted by path. A folder with no
// keys lists as empty.
func (s *Store) List(ctx context.Context, p string, recursive bool) (entries []DirectoryEntry, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("list", start, err) }(time.Now())

	n, err := paths.Normalize(p)
	if err != nil {
		return nil, err
	}
	prefix, err := s.tr.Prefix(n)
	if err != nil {
		return nil, err
	}
	var objs []driver.ObjectInfo
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var lerr error
		objs, lerr = s.drv.ListObjects(ctx, prefix)
		return lerr
	})
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*driver.ObjectInfo, len(objs))
	keys := make([]string, 0, len(objs))
	for i := range objs {
		byKey[objs[i].Key] = &objs[i]
		keys = append(keys, objs[i].Key)
	}
	children, err := s.tr.Children(n, keys, recursive)
	if err != nil {
		return nil, err
	}

	entries = make([]DirectoryEntry, 0, len(children))
	for _, c := range children {
		if c.IsDir {
			marker, _ := s.tr.MarkerKey(c.Path)
			entries = append(entries, dirEntry(c.Path, byKey[marker]))
			continue
		}
		entries = append(entries, fileEntry(c.Path, *byKey[c.Key]))
	}
	return entries, nil
}

// Entries is the lazy form of List. Each iteration takes a fresh listing, so
// the sequence can be ranged over more than once.
func (s *Store) Entries(ctx context.Context, p string, recursive bool) iter.Seq2[DirectoryEntry, error] {
	return func(yield func(DirectoryEntry, error) bool) {
		entries, err := s.List(ctx, p, recursive)
		if err != nil {
			yield(DirectoryEntry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Read opens the file at p. The caller closes the reader.
func (s *Store) Read(ctx context.Context, p string) (rc io.ReadCloser, e DirectoryEntry, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("read", start, err) }(time.Now())

	n, err := normalizeFile(p)
	if err != nil {
		return nil, DirectoryEntry{}, err
	}
	key, err := s.tr.ToKey(n)
	if err != nil {
		return nil, DirectoryEntry{}, err
	}

	// The timeout covers the body too, so it is released on Close.
	tctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	body, info, err := s.drv.GetObject(tctx, key)
	if err != nil {
		cancel()
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err = fserr.ErrBackendTransient.WithMessage("backend call exceeded %s", s.opts.OperationTimeout).WithCause(err)
		}
		return nil, DirectoryEntry{}, err
	}
	return &cancelOnClose{ReadCloser: body, cancel: cancel}, fileEntry(n, info), nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Write stores data at p, replacing any existing file.
func (s *Store) Write(ctx context.Context, p string, data []byte, contentType string) (e DirectoryEntry, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("write", start, err) }(time.Now())

	n, err := normalizeFile(p)
	if err != nil {
		return DirectoryEntry{}, err
	}
	e, err = s.put(ctx, n, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		return DirectoryEntry{}, err
	}
	s.logger.Debug("file written", "path", n, "size", e.SizeBytes)
	return e, nil
}

// put writes one object and invalidates the cache for its path.
func (s *Store) put(ctx context.Context, n string, r io.Reader, size int64, contentType string) (DirectoryEntry, error) {
	key, err := s.tr.ToKey(n)
	if err != nil {
		return DirectoryEntry{}, err
	}
	ct := contentTypeFor(n, contentType)
	var info driver.ObjectInfo
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var perr error
		info, perr = s.drv.PutObject(ctx, key, r, size, ct)
		return perr
	})
	// A failed put may still have landed.
	s.invalidate(n)
	if err != nil {
		return DirectoryEntry{}, fmt.Errorf("writing %s: %w", n, err)
	}
	metrics.BytesReceivedTotal.Add(float64(info.Size))
	return fileEntry(n, info), nil
}

// CreateFolder writes the zero-byte marker that makes p a folder even when it
// holds no files. Creating an existing folder succeeds.
func (s *Store) CreateFolder(ctx context.Context, p string) (e DirectoryEntry, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("create_folder", start, err) }(time.Now())

	n, err := paths.Normalize(p)
	if err != nil {
		return DirectoryEntry{}, err
	}
	marker, err := s.tr.MarkerKey(n)
	if err != nil {
		return DirectoryEntry{}, err
	}
	key, _ := s.tr.ToKey(n)
	var isFile bool
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var eerr error
		isFile, eerr = s.drv.ObjectExists(ctx, key)
		return eerr
	})
	if err != nil {
		return DirectoryEntry{}, err
	}
	if isFile {
		return DirectoryEntry{}, fserr.ErrInvalidPath.WithPath(n).WithMessage("a file already exists at this path")
	}

	var info driver.ObjectInfo
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var perr error
		info, perr = s.drv.PutObject(ctx, marker, bytes.NewReader(nil), 0, markerContentType)
		return perr
	})
	s.invalidate(n)
	if err != nil {
		return DirectoryEntry{}, err
	}
	s.logger.Debug("folder created", "path", n)
	return dirEntry(n, &info), nil
}

// Delete removes the file at p.
func (s *Store) Delete(ctx context.Context, p string) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation("delete", start, err) }(time.Now())

	n, err := normalizeFile(p)
	if err != nil {
		return err
	}
	key, err := s.tr.ToKey(n)
	if err != nil {
		return err
	}
	var found bool
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var eerr error
		found, eerr = s.drv.ObjectExists(ctx, key)
		return eerr
	})
	if err != nil {
		return err
	}
	if !found {
		return fserr.ErrNotFound.WithPath(n)
	}
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.drv.DeleteObject(ctx, key)
	})
	s.invalidate(n)
	if err != nil {
		return err
	}
	s.logger.Debug("file deleted", "path", n)
	return nil
}

// HealthCheck verifies the backend is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.withTimeout(ctx, s.drv.HealthCheck)
}

// RunMaintenance reaps idle uploads and prunes expired cache entries every
// interval until ctx is cancelled.
func (s *Store) RunMaintenance(ctx context.Context, interval time.Duration) {
	done := make(chan struct{})
	go func() {
		s.uploads.Registry().Run(ctx, interval)
		close(done)
	}()
	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-s.opts.Clock.After(interval):
			if n := s.exists.Prune() + s.meta.Prune(); n > 0 {
				s.logger.Debug("cache pruned", "entries", n)
			}
		}
	}
}
