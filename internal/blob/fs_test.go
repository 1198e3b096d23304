package blob

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestPutOpenRoundTrip(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	if err := sink.Put(ctx, "backups/db-1.sqlite", strings.NewReader("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}

	r, err := sink.Open(ctx, "backups/db-1.sqlite")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("got %q", data)
	}
}

func TestPutReplacesAtomically(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	if err := sink.Put(ctx, "obj", strings.NewReader("old")); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := sink.Put(ctx, "obj", strings.NewReader("new")); err != nil {
		t.Fatalf("second put: %v", err)
	}

	r, err := sink.Open(ctx, "obj")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "new" {
		t.Fatalf("got %q, want new", data)
	}

	// no temp files left behind
	objects, err := sink.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("got %d objects, want 1: %+v", len(objects), objects)
	}
}

func TestDeleteMissingIsNil(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Delete(context.Background(), "never-existed"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestListPrefixFilter(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	for _, name := range []string{"backups/a", "backups/b", "other/c"} {
		if err := sink.Put(ctx, name, strings.NewReader("x")); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}

	objects, err := sink.List(ctx, "backups/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("got %d objects, want 2", len(objects))
	}
	for _, o := range objects {
		if !strings.HasPrefix(o.Name, "backups/") {
			t.Fatalf("object %q escaped prefix", o.Name)
		}
	}
}

func TestRejectsEscapingNames(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	for _, name := range []string{"../escape", "/abs/path", "."} {
		if err := sink.Put(ctx, name, strings.NewReader("x")); err == nil {
			t.Fatalf("put %q accepted, want error", name)
		}
	}
}
