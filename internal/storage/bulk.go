package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/juju/retry"

	"github.com/bleepstore/bleepfs/internal/driver"
	fserr "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/paths"
)

// Folder copy, move and delete expand to the key list at listing time and
// then process each key on its own. They are not atomic: a failure or
// cancellation leaves the objects already processed in their new state and
// is reported as a *errors.PartialBulkFailure.

// retryObject runs fn, retrying transient backend failures with a doubling
// delay. It returns fn's last error, or the context error when ctx ends
// during a wait.
func (s *Store) retryObject(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = s.withTimeout(ctx, fn)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !fserr.IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			s.logger.Debug("retrying object", "operation", op, "key", key, "attempt", attempt, "error", err)
		},
		Attempts:    s.opts.RetryAttempts,
		Delay:       s.opts.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.opts.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsRetryStopped(err) && ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// bulkRun processes items in order, recording each outcome by its logical
// path. The context is checked before every item.
type bulkRun struct {
	op     string
	report fserr.PartialBulkFailure
}

func newBulkRun(op string) *bulkRun {
	return &bulkRun{
		op:     op,
		report: fserr.PartialBulkFailure{Operation: op, Failed: make(map[string]error)},
	}
}

func (b *bulkRun) succeed(p string) {
	b.report.Succeeded = append(b.report.Succeeded, p)
	metrics.BulkObjectsTotal.WithLabelValues(b.op, "success").Inc()
}

func (b *bulkRun) fail(p string, err error) {
	b.report.Failed[p] = err
	metrics.BulkObjectsTotal.WithLabelValues(b.op, "error").Inc()
}

func (b *bulkRun) stop(pending []string, cause error) {
	b.report.Pending = append(b.report.Pending, pending...)
	b.report.Cause = cause
}

// result returns nil when every item succeeded.
func (b *bulkRun) result() error {
	if len(b.report.Failed) == 0 && len(b.report.Pending) == 0 && b.report.Cause == nil {
		return nil
	}
	r := b.report
	return &r
}

// treeKeys lists every key under the folder prefix, ordered so that files
// come before folder markers and deeper markers before shallower ones. A
// partially processed tree therefore never has a marker removed while files
// below it remain.
func (s *Store) treeKeys(ctx context.Context, dir string) (string, []driver.ObjectInfo, error) {
	prefix, err := s.tr.Prefix(dir)
	if err != nil {
		return "", nil, err
	}
	var objs []driver.ObjectInfo
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var lerr error
		objs, lerr = s.drv.ListObjects(ctx, prefix)
		return lerr
	})
	if err != nil {
		return "", nil, err
	}
	sort.SliceStable(objs, func(i, j int) bool {
		mi, mj := paths.IsMarkerKey(objs[i].Key), paths.IsMarkerKey(objs[j].Key)
		if mi != mj {
			return !mi
		}
		if mi {
			return len(objs[i].Key) > len(objs[j].Key)
		}
		return objs[i].Key < objs[j].Key
	})
	return prefix, objs, nil
}

// logicalPath maps a key back to a path for reports. Keys the translator
// rejects are reported as-is.
func (s *Store) logicalPath(key string) string {
	p, err := s.tr.FromKey(key)
	if err != nil {
		return key
	}
	return p
}

// pendingPaths returns the logical paths of objs.
func (s *Store) pendingPaths(objs []driver.ObjectInfo) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = s.logicalPath(o.Key)
	}
	return out
}

// DeleteFolder removes the folder at p and everything below it.
func (s *Store) DeleteFolder(ctx context.Context, p string) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation("delete_folder", start, err) }(time.Now())

	n, err := paths.Normalize(p)
	if err != nil {
		return err
	}
	if n == "" {
		return fserr.ErrInvalidPath.WithMessage("the root folder cannot be deleted")
	}
	_, objs, err := s.treeKeys(ctx, n)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fserr.ErrNotFound.WithPath(n)
	}
	defer s.invalidateTree(n)

	run := newBulkRun("delete_folder")
	for i, o := range objs {
		if cerr := ctx.Err(); cerr != nil {
			run.stop(s.pendingPaths(objs[i:]), cerr)
			break
		}
		key := o.Key
		derr := s.retryObject(ctx, "delete_folder", key, func(ctx context.Context) error {
			return s.drv.DeleteObject(ctx, key)
		})
		switch {
		case derr == nil:
			run.succeed(s.logicalPath(key))
		case ctx.Err() != nil:
			run.stop(s.pendingPaths(objs[i:]), ctx.Err())
		default:
			s.logger.Warn("delete failed", "key", key, "error", derr)
			run.fail(s.logicalPath(key), derr)
		}
		if run.report.Cause != nil {
			break
		}
	}
	s.logger.Info("folder deleted", "path", n, "objects", len(run.report.Succeeded),
		"failed", len(run.report.Failed), "pending", len(run.report.Pending))
	return run.result()
}

// Copy copies the file or folder at src to dst.
func (s *Store) Copy(ctx context.Context, src, dst string) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation("copy", start, err) }(time.Now())
	return s.transfer(ctx, "copy", src, dst, false)
}

// Move moves the file or folder at src to dst. Each object is copied before
// its source is deleted, so an interrupted move never loses data.
func (s *Store) Move(ctx context.Context, src, dst string) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation("move", start, err) }(time.Now())
	return s.transfer(ctx, "move", src, dst, true)
}

func (s *Store) transfer(ctx context.Context, op, src, dst string, move bool) error {
	from, err := normalizeFile(src)
	if err != nil {
		return err
	}
	to, err := normalizeFile(dst)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}

	srcKey, _ := s.tr.ToKey(from)
	var isFile bool
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var eerr error
		isFile, eerr = s.drv.ObjectExists(ctx, srcKey)
		return eerr
	})
	if err != nil {
		return err
	}
	if isFile {
		return s.transferFile(ctx, from, to, move)
	}

	if paths.Within(to, from) {
		return fserr.ErrInvalidPath.WithPath(to).WithMessage("cannot %s %q into itself", op, from)
	}
	srcPrefix, objs, err := s.treeKeys(ctx, from)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fserr.ErrNotFound.WithPath(from)
	}
	dstPrefix, err := s.tr.Prefix(to)
	if err != nil {
		return err
	}
	defer func() {
		s.invalidateTree(to)
		if move {
			s.invalidateTree(from)
		}
	}()

	run := newBulkRun(op)
	for i, o := range objs {
		if cerr := ctx.Err(); cerr != nil {
			run.stop(s.pendingPaths(objs[i:]), cerr)
			break
		}
		srcK, dstK := o.Key, dstPrefix+strings.TrimPrefix(o.Key, srcPrefix)
		terr := s.retryObject(ctx, op, srcK, func(ctx context.Context) error {
			return s.drv.CopyObject(ctx, srcK, dstK)
		})
		if terr == nil && move {
			terr = s.retryObject(ctx, op, srcK, func(ctx context.Context) error {
				return s.drv.DeleteObject(ctx, srcK)
			})
		}
		switch {
		case terr == nil:
			run.succeed(s.logicalPath(srcK))
		case ctx.Err() != nil && errors.Is(terr, ctx.Err()):
			run.stop(s.pendingPaths(objs[i:]), ctx.Err())
		default:
			s.logger.Warn(op+" failed", "key", srcK, "destination", dstK, "error", terr)
			run.fail(s.logicalPath(srcK), terr)
		}
		if run.report.Cause != nil {
			break
		}
	}
	s.logger.Info("folder "+op+" complete", "from", from, "to", to, "objects", len(run.report.Succeeded),
		"failed", len(run.report.Failed), "pending", len(run.report.Pending))
	return run.result()
}

func (s *Store) transferFile(ctx context.Context, from, to string, move bool) error {
	srcKey, _ := s.tr.ToKey(from)
	dstKey, _ := s.tr.ToKey(to)
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.drv.CopyObject(ctx, srcKey, dstKey)
	})
	s.invalidate(to)
	if err != nil {
		return err
	}
	if move {
		err = s.withTimeout(ctx, func(ctx context.Context) error {
			return s.drv.DeleteObject(ctx, srcKey)
		})
		s.invalidate(from)
		if err != nil {
			return err
		}
	}
	s.logger.Debug("file transferred", "from", from, "to", to, "move", move)
	return nil
}
