package driver

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

func TestMemoryDriverRoundTrip(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	d := NewMemoryDriver(clk, 0)
	ctx := context.Background()

	if _, err := d.PutObject(ctx, "k", strings.NewReader("v1"), 2, "text/plain"); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	created := clk.Now()
	clk.Advance(time.Minute)
	info, err := d.PutObject(ctx, "k", strings.NewReader("v22"), 3, "text/plain")
	if err != nil {
		t.Fatalf("PutObject overwrite: %v", err)
	}
	if !info.Created.Equal(created) || !info.Modified.Equal(clk.Now()) {
		t.Errorf("overwrite should keep Created and bump Modified: %+v", info)
	}

	rc, _, err := d.GetObject(ctx, "k")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "v22" {
		t.Errorf("data = %q", data)
	}

	if err := d.CopyObject(ctx, "k", "k2"); err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if err := d.DeleteObject(ctx, "k"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, err := d.StatObject(ctx, "k"); !errors.Is(err, fserr.ErrNotFound) {
		t.Errorf("StatObject after delete = %v", err)
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestMemoryDriverSizeLimit(t *testing.T) {
	d := NewMemoryDriver(nil, 4)
	ctx := context.Background()
	if _, err := d.PutObject(ctx, "a", strings.NewReader("1234"), 4, ""); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if _, err := d.PutObject(ctx, "b", strings.NewReader("5"), 1, ""); err == nil {
		t.Fatal("expected memory limit error")
	}
	// Replacing shrinks the total and is allowed.
	if _, err := d.PutObject(ctx, "a", strings.NewReader("12"), 2, ""); err != nil {
		t.Fatalf("PutObject replace: %v", err)
	}
	if _, err := d.PutObject(ctx, "b", strings.NewReader("34"), 2, ""); err != nil {
		t.Fatalf("PutObject within limit: %v", err)
	}
}

func TestMemoryDriverListSorted(t *testing.T) {
	d := NewMemoryDriver(nil, 0)
	ctx := context.Background()
	for _, k := range []string{"x/c", "x/a", "y/z", "x/b/"} {
		if _, err := d.PutObject(ctx, k, strings.NewReader(""), 0, ""); err != nil {
			t.Fatal(err)
		}
	}
	objs, err := d.ListObjects(ctx, "x/")
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	if strings.Join(keys, ",") != "x/a,x/b/,x/c" {
		t.Errorf("keys = %v", keys)
	}
}
