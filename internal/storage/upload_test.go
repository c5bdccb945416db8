package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/bleepstore/bleepfs/internal/chunk"
	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

func chunkDesc(id string, idx, total int, size int64) chunk.Descriptor {
	return chunk.Descriptor{
		UploadID:      id,
		RelativePath:  "/media//clip.mp4",
		ContentType:   "video/mp4",
		ChunkIndex:    idx,
		TotalChunks:   total,
		TotalFileSize: size,
	}
}

func TestChunkedUploadAppearsOnlyWhenComplete(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	parts := []string{"AAAA", "BBBB", "CC"}

	for i, idx := range []int{0, 2, 1} {
		res, err := env.store.WriteChunk(ctx, chunkDesc("u1", idx, 3, 10), []byte(parts[idx]))
		if err != nil {
			t.Fatalf("WriteChunk(%d): %v", idx, err)
		}
		if i < 2 {
			if res.Done || res.Entry != nil || res.Received != i+1 {
				t.Fatalf("after chunk %d: %+v", idx, res)
			}
			if _, err := env.store.GetMetadata(ctx, "media/clip.mp4"); !errors.Is(err, fserr.ErrNotFound) {
				t.Fatalf("file visible before the last chunk: %v", err)
			}
			continue
		}
		if !res.Done || res.Entry == nil || res.Entry.SizeBytes != 10 {
			t.Fatalf("final result = %+v", res)
		}
	}

	e, err := env.store.GetMetadata(ctx, "media/clip.mp4")
	if err != nil || e.SizeBytes != 10 || e.ContentType != "video/mp4" {
		t.Fatalf("GetMetadata = %+v, %v", e, err)
	}
	rc, _, err := env.store.Read(ctx, "media/clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "AAAABBBBCC" {
		t.Errorf("content = %q", data)
	}
	if env.store.Uploads().Len() != 0 {
		t.Error("session not released after commit")
	}
}

func TestChunkedUploadRetryAfterFailedCommit(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	env.fault.permanent["media/clip.mp4"] = true

	env.store.WriteChunk(ctx, chunkDesc("u2", 0, 2, 0), []byte("he"))
	res, err := env.store.WriteChunk(ctx, chunkDesc("u2", 1, 2, 0), []byte("llo"))
	if err == nil || res.Done || res.Received != 2 {
		t.Fatalf("WriteChunk with failing backend = %+v, %v", res, err)
	}

	env.fault.mu.Lock()
	delete(env.fault.permanent, "media/clip.mp4")
	env.fault.mu.Unlock()

	res, err = env.store.RetryUpload(ctx, "u2")
	if err != nil || !res.Done || res.Entry == nil || res.Entry.Path != "media/clip.mp4" {
		t.Fatalf("RetryUpload = %+v, %v", res, err)
	}
	res, err = env.store.RetryUpload(ctx, "u2")
	if err != nil || !res.Done || res.Entry == nil || res.Entry.SizeBytes != 5 {
		t.Errorf("RetryUpload after commit = %+v, %v", res, err)
	}
	if _, err := env.store.RetryUpload(ctx, "never"); !errors.Is(err, fserr.ErrUploadNotFound) {
		t.Errorf("RetryUpload of unknown id = %v", err)
	}
}

func TestResentFinalChunkAfterCommit(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()

	env.store.WriteChunk(ctx, chunkDesc("u4", 0, 2, 5), []byte("he"))
	if res, err := env.store.WriteChunk(ctx, chunkDesc("u4", 1, 2, 5), []byte("llo")); err != nil || !res.Done {
		t.Fatalf("final chunk = %+v, %v", res, err)
	}
	env.fault.mu.Lock()
	puts := env.fault.putCalls
	env.fault.mu.Unlock()

	// The client lost the response and sends the last chunk again.
	res, err := env.store.WriteChunk(ctx, chunkDesc("u4", 1, 2, 5), []byte("llo"))
	if err != nil || !res.Done || res.Received != 2 || res.Total != 2 {
		t.Fatalf("resent final chunk = %+v, %v", res, err)
	}
	if res.Entry == nil || res.Entry.Path != "media/clip.mp4" || res.Entry.SizeBytes != 5 {
		t.Errorf("resent final chunk entry = %+v", res.Entry)
	}
	env.fault.mu.Lock()
	defer env.fault.mu.Unlock()
	if env.fault.putCalls != puts {
		t.Errorf("put calls = %d, want %d: the file was written again", env.fault.putCalls, puts)
	}
	if env.store.Uploads().Len() != 0 {
		t.Error("resent chunk opened a new session")
	}
}

func TestSingleChunkUploadIsWrittenOnce(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := env.store.WriteChunk(ctx, chunkDesc("u5", 0, 1, 0), []byte("solo"))
		if err != nil || !res.Done {
			t.Fatalf("send %d = %+v, %v", i, res, err)
		}
	}
	env.fault.mu.Lock()
	defer env.fault.mu.Unlock()
	if env.fault.putCalls != 1 {
		t.Errorf("put calls = %d, want 1", env.fault.putCalls)
	}
}

func TestChunkValidationAndAbandon(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()

	bad := chunkDesc("u3", 0, 2, 0)
	bad.RelativePath = "../outside.bin"
	if _, err := env.store.WriteChunk(ctx, bad, []byte("x")); !errors.Is(err, fserr.ErrInvalidPath) {
		t.Errorf("traversal chunk = %v", err)
	}
	if _, err := env.store.WriteChunk(ctx, chunkDesc("u3", 2, 2, 0), []byte("x")); !errors.Is(err, fserr.ErrInvalidChunk) {
		t.Errorf("index out of range = %v", err)
	}

	if _, err := env.store.WriteChunk(ctx, chunkDesc("u3", 0, 2, 0), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := env.store.AbandonUpload("u3"); err != nil {
		t.Fatalf("AbandonUpload: %v", err)
	}
	if err := env.store.AbandonUpload("u3"); !errors.Is(err, fserr.ErrUploadNotFound) {
		t.Errorf("second AbandonUpload = %v", err)
	}
	if ok, _ := env.store.Exists(ctx, "media/clip.mp4"); ok {
		t.Error("abandoned upload left a file behind")
	}
}
