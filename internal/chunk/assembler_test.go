package chunk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestAssembler() (*Assembler, *testclock.Clock) {
	clk := testclock.NewClock(t0)
	reg := NewRegistry(clk, 15*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewAssembler(reg), clk
}

// recorder is a CommitFunc that captures committed uploads.
type recorder struct {
	mu      sync.Mutex
	calls   int
	uploads map[string][]byte
	fail    error
}

func newRecorder() *recorder { return &recorder{uploads: make(map[string][]byte)} }

func (r *recorder) commit(ctx context.Context, u Upload) error {
	data, err := io.ReadAll(u.Body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return r.fail
	}
	if int64(len(data)) != u.Size {
		return errors.New("size mismatch in upload")
	}
	r.uploads[u.RelativePath] = data
	return nil
}

func desc(id string, idx, total int) Descriptor {
	return Descriptor{
		UploadID:     id,
		RelativePath: "videos/clip.mp4",
		ContentType:  "video/mp4",
		ChunkIndex:   idx,
		TotalChunks:  total,
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"valid", desc("u", 0, 1), true},
		{"last index", desc("u", 4, 5), true},
		{"missing id", desc("", 0, 1), false},
		{"zero total", desc("u", 0, 0), false},
		{"index past end", desc("u", 5, 5), false},
		{"negative index", desc("u", -1, 5), false},
		{"too many chunks", desc("u", 0, MaxChunks+1), false},
		{"negative size", Descriptor{UploadID: "u", TotalChunks: 1, TotalFileSize: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v", err)
			}
			if !tt.ok && !errors.Is(err, fserr.ErrInvalidChunk) {
				t.Errorf("Validate() = %v, want ErrInvalidChunk", err)
			}
		})
	}
}

func TestOutOfOrderChunksCommitInIndexOrder(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	payloads := map[int]string{0: "AAAA", 1: "BBBB", 2: "CC"}
	for _, idx := range []int{2, 0, 1} {
		st, err := a.Accept(ctx, desc("up-1", idx, 3), []byte(payloads[idx]), rec.commit)
		if err != nil {
			t.Fatalf("Accept(%d): %v", idx, err)
		}
		if idx != 1 && st.Done {
			t.Fatalf("upload reported done after chunk %d", idx)
		}
		if idx == 1 && !st.Done {
			t.Fatal("upload not done after final chunk")
		}
	}
	if got := string(rec.uploads["videos/clip.mp4"]); got != "AAAABBBBCC" {
		t.Errorf("committed %q, want AAAABBBBCC", got)
	}
	if rec.calls != 1 {
		t.Errorf("commit calls = %d, want 1", rec.calls)
	}
	if a.Registry().Len() != 0 {
		t.Error("committed session should not count as live")
	}
}

func TestDuplicateChunkOverwrites(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	a.Accept(ctx, desc("u", 0, 2), []byte("old"), rec.commit)
	st, err := a.Accept(ctx, desc("u", 0, 2), []byte("new"), rec.commit)
	if err != nil || st.Received != 1 {
		t.Fatalf("duplicate Accept = %+v, %v", st, err)
	}
	a.Accept(ctx, desc("u", 1, 2), []byte("!"), rec.commit)
	if got := string(rec.uploads["videos/clip.mp4"]); got != "new!" {
		t.Errorf("committed %q, want new!", got)
	}
}

func TestMismatchedChunkRejected(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	a.Accept(ctx, desc("u", 0, 3), []byte("x"), rec.commit)
	bad := desc("u", 1, 4)
	if _, err := a.Accept(ctx, bad, []byte("y"), rec.commit); !errors.Is(err, fserr.ErrInvalidChunk) {
		t.Errorf("Accept with other total = %v", err)
	}
	bad = desc("u", 1, 3)
	bad.RelativePath = "elsewhere.bin"
	if _, err := a.Accept(ctx, bad, []byte("y"), rec.commit); !errors.Is(err, fserr.ErrInvalidChunk) {
		t.Errorf("Accept with other path = %v", err)
	}
}

func TestDeclaredSizeMismatchKeepsSession(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	d0, d1 := desc("u", 0, 2), desc("u", 1, 2)
	d0.TotalFileSize, d1.TotalFileSize = 6, 6
	a.Accept(ctx, d0, []byte("abc"), rec.commit)
	if _, err := a.Accept(ctx, d1, []byte("de"), rec.commit); !errors.Is(err, fserr.ErrInvalidChunk) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if rec.calls != 0 {
		t.Fatal("commit must not run on size mismatch")
	}
	st, err := a.Accept(ctx, d1, []byte("def"), rec.commit)
	if err != nil || !st.Done {
		t.Fatalf("corrected chunk: %+v, %v", st, err)
	}
}

func TestCommitFailureAllowsRetryWithoutResend(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	rec.fail = fserr.ErrBackendTransient
	ctx := context.Background()

	a.Accept(ctx, desc("u", 0, 2), []byte("he"), rec.commit)
	st, err := a.Accept(ctx, desc("u", 1, 2), []byte("llo"), rec.commit)
	if !errors.Is(err, fserr.ErrBackendTransient) || st.Done {
		t.Fatalf("Accept = %+v, %v; want transient failure", st, err)
	}
	info, ok := a.Registry().Lookup("u")
	if !ok || info.State != StateReceiving || info.Received != 2 {
		t.Fatalf("session after failed commit = %+v, %v", info, ok)
	}

	rec.fail = nil
	st, err = a.Retry(ctx, "u", rec.commit)
	if err != nil || !st.Done {
		t.Fatalf("Retry = %+v, %v", st, err)
	}
	if got := string(rec.uploads["videos/clip.mp4"]); got != "hello" {
		t.Errorf("committed %q", got)
	}
	st, err = a.Retry(ctx, "u", rec.commit)
	if err != nil || !st.Done || st.Path != "videos/clip.mp4" {
		t.Errorf("Retry after commit = %+v, %v", st, err)
	}
	if rec.calls != 2 {
		t.Errorf("commit calls = %d, want 2", rec.calls)
	}
	if _, err := a.Retry(ctx, "other", rec.commit); !errors.Is(err, fserr.ErrUploadNotFound) {
		t.Errorf("Retry of unknown upload = %v", err)
	}
}

func TestLateDuplicateFinalChunk(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	a.Accept(ctx, desc("u", 0, 2), []byte("ab"), rec.commit)
	if st, err := a.Accept(ctx, desc("u", 1, 2), []byte("cd"), rec.commit); err != nil || !st.Done {
		t.Fatalf("final chunk = %+v, %v", st, err)
	}

	st, err := a.Accept(ctx, desc("u", 1, 2), []byte("cd"), rec.commit)
	if err != nil {
		t.Fatalf("resent final chunk: %v", err)
	}
	if !st.Done || st.Received != 2 || st.Total != 2 || st.Path != "videos/clip.mp4" {
		t.Errorf("resent final chunk = %+v", st)
	}
	if rec.calls != 1 {
		t.Errorf("commit calls = %d, want 1", rec.calls)
	}
	if a.Registry().Len() != 0 {
		t.Error("resent chunk opened a new session")
	}
	info, ok := a.Registry().Lookup("u")
	if !ok || info.State != StateCommitted || info.Received != 2 {
		t.Errorf("Lookup after commit = %+v, %v", info, ok)
	}
}

func TestSingleChunkResendCommitsOnce(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := a.Accept(ctx, desc("one", 0, 1), []byte("x"), rec.commit)
		if err != nil || !st.Done {
			t.Fatalf("send %d = %+v, %v", i, st, err)
		}
	}
	if rec.calls != 1 {
		t.Errorf("commit calls = %d, want 1", rec.calls)
	}
}

func TestReusedIDAfterCommitStartsNewUpload(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	a.Accept(ctx, desc("u", 0, 1), []byte("first"), rec.commit)

	next := desc("u", 0, 2)
	next.RelativePath = "videos/second.mp4"
	st, err := a.Accept(ctx, next, []byte("se"), rec.commit)
	if err != nil || st.Done || st.Received != 1 {
		t.Fatalf("Accept with new descriptor = %+v, %v", st, err)
	}
	next.ChunkIndex = 1
	if st, err = a.Accept(ctx, next, []byte("cond"), rec.commit); err != nil || !st.Done {
		t.Fatalf("final chunk of reused id = %+v, %v", st, err)
	}
	if got := string(rec.uploads["videos/second.mp4"]); got != "second" {
		t.Errorf("committed %q, want second", got)
	}
}

func TestRetryIncompleteUpload(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	a.Accept(context.Background(), desc("u", 0, 2), []byte("x"), rec.commit)
	st, err := a.Retry(context.Background(), "u", rec.commit)
	if !errors.Is(err, fserr.ErrInvalidChunk) || st.Received != 1 {
		t.Errorf("Retry = %+v, %v", st, err)
	}
}

func TestConcurrentFinalChunksCommitOnce(t *testing.T) {
	a, _ := newTestAssembler()
	ctx := context.Background()

	var commits atomic.Int32
	commit := func(ctx context.Context, u Upload) error {
		commits.Add(1)
		_, err := io.Copy(io.Discard, u.Body)
		time.Sleep(5 * time.Millisecond)
		return err
	}

	const total = 16
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		// Each index is sent twice to race duplicates against completion.
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, err := a.Accept(ctx, desc("race", idx, total), []byte{byte(idx)}, commit)
				if err != nil && !errors.Is(err, fserr.ErrUploadInProgress) {
					t.Errorf("Accept(%d): %v", idx, err)
				}
			}(i)
		}
	}
	wg.Wait()

	if got := commits.Load(); got != 1 {
		t.Errorf("commits = %d, want exactly 1", got)
	}
}

func TestAbandon(t *testing.T) {
	a, _ := newTestAssembler()
	rec := newRecorder()
	ctx := context.Background()

	a.Accept(ctx, desc("u", 0, 2), []byte("x"), rec.commit)
	if err := a.Registry().Abandon("u"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if err := a.Registry().Abandon("u"); !errors.Is(err, fserr.ErrUploadNotFound) {
		t.Errorf("second Abandon = %v", err)
	}

	// A new chunk with the same id starts over.
	st, err := a.Accept(ctx, desc("u", 1, 2), []byte("y"), rec.commit)
	if err != nil || st.Received != 1 || st.Done {
		t.Errorf("Accept after abandon = %+v, %v", st, err)
	}
}
