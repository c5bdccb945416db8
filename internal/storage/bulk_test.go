package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

func seedTree(t *testing.T, s *Store, dir string, n int) []string {
	t.Helper()
	var ps []string
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("%s/sub%d/file%02d.txt", dir, i%3, i)
		mustWrite(t, s, p, p)
		ps = append(ps, p)
	}
	return ps
}

func TestDeleteFolderRemovesEverything(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	seedTree(t, env.store, "x", 7)
	if _, err := env.store.CreateFolder(ctx, "x/empty"); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, env.store, "xylophone.txt", "sibling with a shared prefix")

	if ok, _ := env.store.Exists(ctx, "x"); !ok {
		t.Fatal("x should exist")
	}
	if err := env.store.DeleteFolder(ctx, "x"); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	entries, err := env.store.List(ctx, "x", true)
	if err != nil || len(entries) != 0 {
		t.Errorf("List after delete = %v, %v", entries, err)
	}
	if ok, _ := env.store.Exists(ctx, "x"); ok {
		t.Error("cached existence of x survived DeleteFolder")
	}
	if ok, _ := env.store.Exists(ctx, "xylophone.txt"); !ok {
		t.Error("sibling outside the folder was deleted")
	}

	if err := env.store.DeleteFolder(ctx, "x"); !errors.Is(err, fserr.ErrNotFound) {
		t.Errorf("DeleteFolder(missing) = %v", err)
	}
	if err := env.store.DeleteFolder(ctx, "/"); !errors.Is(err, fserr.ErrInvalidPath) {
		t.Errorf("DeleteFolder(root) = %v", err)
	}
}

func TestDeleteFolderCancelledMidway(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	original := seedTree(t, env.store, "x", 10)

	deletes := 0
	env.fault.beforeDelete = func(string) {
		deletes++
		if deletes == 4 {
			cancel()
		}
	}

	err := env.store.DeleteFolder(ctx, "x")
	var pb *fserr.PartialBulkFailure
	if !errors.As(err, &pb) {
		t.Fatalf("DeleteFolder = %v, want PartialBulkFailure", err)
	}
	if !errors.Is(err, context.Canceled) || !errors.Is(err, fserr.ErrPartialBulk) {
		t.Errorf("error does not expose cause and kind: %v", err)
	}

	seen := make(map[string]bool)
	for _, p := range append(append([]string{}, pb.Succeeded...), pb.Pending...) {
		if seen[p] {
			t.Errorf("path %s reported twice", p)
		}
		seen[p] = true
	}
	if len(pb.Succeeded) == 0 || len(pb.Succeeded) >= len(original) {
		t.Fatalf("succeeded %d of %d, want a strict subset", len(pb.Succeeded), len(original))
	}
	if len(pb.Succeeded)+len(pb.Pending) != len(original) {
		t.Errorf("succeeded %d + pending %d != %d", len(pb.Succeeded), len(pb.Pending), len(original))
	}

	remaining, _ := env.store.List(context.Background(), "x", true)
	var files []string
	for _, e := range remaining {
		if !e.IsDirectory {
			files = append(files, e.Path)
		}
	}
	sort.Strings(files)
	pending := append([]string{}, pb.Pending...)
	sort.Strings(pending)
	if !equal(files, pending) {
		t.Errorf("remaining %v, pending %v", files, pending)
	}
}

func TestDeleteFolderRetriesTransientAndReportsFailures(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	seedTree(t, env.store, "logs", 4)

	env.fault.transient["logs/sub1/file01.txt"] = 2
	env.fault.transient["logs/sub2/file02.txt"] = 5
	env.fault.permanent["logs/sub0/file03.txt"] = true

	err := env.store.DeleteFolder(ctx, "logs")
	var pb *fserr.PartialBulkFailure
	if !errors.As(err, &pb) {
		t.Fatalf("DeleteFolder = %v, want PartialBulkFailure", err)
	}
	if got := pb.FailedPaths(); !equal(got, []string{"logs/sub0/file03.txt", "logs/sub2/file02.txt"}) {
		t.Errorf("failed = %v", got)
	}
	if !fserr.IsRetryable(pb.Failed["logs/sub2/file02.txt"]) {
		t.Errorf("exhausted retries should keep the transient error, got %v", pb.Failed["logs/sub2/file02.txt"])
	}
	if len(pb.Succeeded) != 2 || len(pb.Pending) != 0 || pb.Cause != nil {
		t.Errorf("report = %+v", pb)
	}
	if ok, _ := env.store.Exists(ctx, "logs/sub1/file01.txt"); ok {
		t.Error("file that recovered after retries was not deleted")
	}
	if env.fault.transient["logs/sub2/file02.txt"] != 2 {
		t.Errorf("attempts on exhausted key = %d, want 3", 5-env.fault.transient["logs/sub2/file02.txt"])
	}
}

func TestCopyAndMoveFile(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	mustWrite(t, env.store, "in/a.txt", "alpha")

	if ok, _ := env.store.Exists(ctx, "out/a.txt"); ok {
		t.Fatal("destination exists before copy")
	}
	if err := env.store.Copy(ctx, "in/a.txt", "out/a.txt"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if ok, _ := env.store.Exists(ctx, "out/a.txt"); !ok {
		t.Error("copy destination missing (stale cache?)")
	}
	if err := env.store.Move(ctx, "in/a.txt", "moved/a.txt"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if ok, _ := env.store.Exists(ctx, "in/a.txt"); ok {
		t.Error("move source still present")
	}
	e, err := env.store.GetMetadata(ctx, "moved/a.txt")
	if err != nil || e.SizeBytes != 5 {
		t.Errorf("moved entry = %+v, %v", e, err)
	}

	if err := env.store.Move(ctx, "moved/a.txt", "moved/a.txt"); err != nil {
		t.Errorf("Move onto itself = %v", err)
	}
	if ok, _ := env.store.Exists(ctx, "moved/a.txt"); !ok {
		t.Error("Move onto itself lost the file")
	}
	if err := env.store.Copy(ctx, "ghost.txt", "b.txt"); !errors.Is(err, fserr.ErrNotFound) {
		t.Errorf("Copy(missing) = %v", err)
	}
}

func TestMoveFolder(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	seedTree(t, env.store, "src", 5)
	if _, err := env.store.CreateFolder(ctx, "src/empty"); err != nil {
		t.Fatal(err)
	}
	before, _ := env.store.List(ctx, "src", true)

	if err := env.store.Move(ctx, "src", "dst/nested"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	after, _ := env.store.List(ctx, "dst/nested", true)
	if len(after) != len(before) {
		t.Fatalf("moved %d entries, want %d", len(after), len(before))
	}
	for i := range before {
		want := "dst/nested" + before[i].Path[len("src"):]
		if after[i].Path != want || after[i].IsDirectory != before[i].IsDirectory {
			t.Errorf("entry %d = %s, want %s", i, after[i].Path, want)
		}
	}
	if ok, _ := env.store.Exists(ctx, "src"); ok {
		t.Error("source folder remains after move")
	}
	if ok, _ := env.store.Exists(ctx, "dst/nested/empty"); !ok {
		t.Error("empty folder marker not moved")
	}
}

func TestCopyFolderIntoItselfRejected(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	seedTree(t, env.store, "a", 2)

	for _, dst := range []string{"a/b", "a/b/c"} {
		if err := env.store.Copy(ctx, "a", dst); !errors.Is(err, fserr.ErrInvalidPath) {
			t.Errorf("Copy(a, %s) = %v", dst, err)
		}
		if err := env.store.Move(ctx, "a", dst); !errors.Is(err, fserr.ErrInvalidPath) {
			t.Errorf("Move(a, %s) = %v", dst, err)
		}
	}
	// A sibling sharing the name prefix is not a subtree.
	if err := env.store.Copy(ctx, "a", "ab"); err != nil {
		t.Errorf("Copy(a, ab) = %v", err)
	}
}

func TestCopyFolderPartialFailure(t *testing.T) {
	env := newTestStore(t, nil, nil)
	ctx := context.Background()
	seedTree(t, env.store, "p", 3)
	env.fault.permanent["p/sub1/file01.txt"] = true

	err := env.store.Copy(ctx, "p", "q")
	var pb *fserr.PartialBulkFailure
	if !errors.As(err, &pb) {
		t.Fatalf("Copy = %v", err)
	}
	if got := pb.FailedPaths(); !equal(got, []string{"p/sub1/file01.txt"}) {
		t.Errorf("failed = %v", got)
	}
	if fserr.HTTPStatus(err) != 207 {
		t.Errorf("status = %d", fserr.HTTPStatus(err))
	}
	if ok, _ := env.store.Exists(ctx, "q/sub0/file00.txt"); !ok {
		t.Error("successful copies are not rolled back")
	}
}
