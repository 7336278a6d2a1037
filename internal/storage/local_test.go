package storage

import (
	"context"
	"errors"
	"testing"
)

func TestLocalStorage_PutGet(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	objectPath := "raw/20260115/watch-1/42"
	content := []byte("snappy payload bytes")

	if err := store.Put(ctx, objectPath, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := store.Get(ctx, objectPath)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

func TestLocalStorage_GetMissing(t *testing.T) {
	store, _ := NewLocalStorage(t.TempDir())

	_, err := store.Get(context.Background(), "raw/20260115/watch-1/1")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("got %v, want ErrObjectNotFound", err)
	}
}

func TestLocalStorage_PutIfAbsent(t *testing.T) {
	store, _ := NewLocalStorage(t.TempDir())
	ctx := context.Background()

	objectPath := "raw/20260115/watch-1/42"

	written, err := store.PutIfAbsent(ctx, objectPath, []byte("first"))
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if !written {
		t.Fatal("first write should succeed")
	}

	written, err = store.PutIfAbsent(ctx, objectPath, []byte("second"))
	if err != nil {
		t.Fatalf("second PutIfAbsent errored: %v", err)
	}
	if written {
		t.Fatal("second write should be a no-op")
	}

	got, _ := store.Get(ctx, objectPath)
	if string(got) != "first" {
		t.Errorf("content = %q, want the original write", got)
	}
}

func TestLocalStorage_DeleteIdempotent(t *testing.T) {
	store, _ := NewLocalStorage(t.TempDir())
	ctx := context.Background()

	objectPath := "validated/20260115/watch-1/1"
	store.Put(ctx, objectPath, []byte("x"))

	if err := store.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, objectPath); err != nil {
		t.Errorf("deleting a missing object should be a no-op, got %v", err)
	}

	exists, _ := store.Exists(ctx, objectPath)
	if exists {
		t.Error("object still exists after delete")
	}
}

func TestLocalStorage_List(t *testing.T) {
	store, _ := NewLocalStorage(t.TempDir())
	ctx := context.Background()

	store.Put(ctx, "raw/20260115/watch-1/1", []byte("a"))
	store.Put(ctx, "raw/20260115/watch-1/2", []byte("b"))
	store.Put(ctx, "raw/20260115/watch-2/1", []byte("c"))
	store.Put(ctx, "validated/20260115/watch-1/1", []byte("d"))

	paths, err := store.List(ctx, "raw/20260115/watch-1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("len = %d, want 2: %v", len(paths), paths)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len = %d, want 4: %v", len(all), all)
	}
}
