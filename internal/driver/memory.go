package driver

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// memObject holds the raw data and metadata of an in-memory object.
type memObject struct {
	Data        []byte
	ContentType string
	ETag        string
	Created     time.Time
	Modified    time.Time
}

// MemoryDriver implements Driver using an in-memory map. It behaves like a
// flat key store with no folder semantics, which makes it a faithful stand-in
// for the cloud drivers in tests.
type MemoryDriver struct {
	mu           sync.RWMutex
	objects      map[string]memObject
	currentSize  int64
	maxSizeBytes int64
	clock        clock.Clock
}

// NewMemoryDriver creates an empty MemoryDriver. A positive maxSizeBytes caps
// the total stored bytes.
func NewMemoryDriver(clk clock.Clock, maxSizeBytes int64) *MemoryDriver {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryDriver{
		objects:      make(map[string]memObject),
		maxSizeBytes: maxSizeBytes,
		clock:        clk,
	}
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// Kind reports KindMemory.
func (d *MemoryDriver) Kind() Kind { return KindMemory }

func (o memObject) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:         key,
		Size:        int64(len(o.Data)),
		ContentType: o.ContentType,
		Created:     o.Created,
		Modified:    o.Modified,
		ETag:        o.ETag,
	}
}

// store places obj at key, enforcing the size cap. d.mu must be held.
func (d *MemoryDriver) store(key string, obj memObject) error {
	delta := int64(len(obj.Data))
	if existing, found := d.objects[key]; found {
		delta -= int64(len(existing.Data))
		obj.Created = existing.Created
	}
	if d.maxSizeBytes > 0 && d.currentSize+delta > d.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", d.currentSize, delta, d.maxSizeBytes)
	}
	d.objects[key] = obj
	d.currentSize += delta
	return nil
}

// PutObject reads all data from r and stores it.
func (d *MemoryDriver) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("reading object data: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return ObjectInfo{}, fmt.Errorf("object data is %d bytes, expected %d", len(data), size)
	}
	now := d.clock.Now()
	obj := memObject{
		Data:        data,
		ContentType: contentType,
		ETag:        computeETag(data),
		Created:     now,
		Modified:    now,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store(key, obj); err != nil {
		return ObjectInfo{}, err
	}
	return d.objects[key].info(key), nil
}

// GetObject returns a reader over a copy of the stored data.
func (d *MemoryDriver) GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	obj, found := d.objects[key]
	if !found {
		return nil, ObjectInfo{}, fserr.ErrNotFound.WithPath(key)
	}
	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)
	return io.NopCloser(bytes.NewReader(dataCopy)), obj.info(key), nil
}

// StatObject returns the object's metadata.
func (d *MemoryDriver) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	obj, found := d.objects[key]
	if !found {
		return ObjectInfo{}, fserr.ErrNotFound.WithPath(key)
	}
	return obj.info(key), nil
}

// ObjectExists reports whether key is stored.
func (d *MemoryDriver) ObjectExists(ctx context.Context, key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, found := d.objects[key]
	return found, nil
}

// ListObjects returns every object under prefix in key order.
func (d *MemoryDriver) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []ObjectInfo
	for k, obj := range d.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, obj.info(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteObject removes key. Idempotent.
func (d *MemoryDriver) DeleteObject(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if obj, found := d.objects[key]; found {
		d.currentSize -= int64(len(obj.Data))
		delete(d.objects, key)
	}
	return nil
}

// CopyObject copies srcKey to dstKey with independent data.
func (d *MemoryDriver) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, found := d.objects[srcKey]
	if !found {
		return fserr.ErrNotFound.WithPath(srcKey)
	}
	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)
	now := d.clock.Now()
	return d.store(dstKey, memObject{
		Data:        dataCopy,
		ContentType: obj.ContentType,
		ETag:        obj.ETag,
		Created:     now,
		Modified:    now,
	})
}

// HealthCheck always succeeds.
func (d *MemoryDriver) HealthCheck(ctx context.Context) error { return nil }

// Len returns the number of stored objects.
func (d *MemoryDriver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objects)
}

// Ensure MemoryDriver implements Driver at compile time.
var _ Driver = (*MemoryDriver)(nil)
