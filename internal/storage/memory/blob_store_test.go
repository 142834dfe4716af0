package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/askrelay/internal/storage"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	if err := store.Put(context.Background(), "abc", payload); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	payload[0] = 'C'
	stored := string(store.data["abc"])
	if stored != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(context.Background(), "k", []byte("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(context.Background(), "k", []byte("v2")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected overwritten value v2, got %q", got)
	}
	got[0] = 'x'
	again, _ := store.Get(context.Background(), "k")
	if string(again) != "v2" {
		t.Fatalf("expected returned slice to be a copy, got %q", again)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one blob, got %d", store.Len())
	}
}

func TestBlobStoreRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	if err := NewBlobStore().Put(context.Background(), " ", []byte("x")); err == nil {
		t.Fatal("expected error for empty key")
	}
}
