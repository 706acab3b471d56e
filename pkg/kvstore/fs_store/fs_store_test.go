package fs_store

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/getlockinnn/proven-sync/pkg/kvstore"
)

func TestFSStoreRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	// Keys carry namespace prefixes with separators.
	key := "proven_cache.v2:challenges:ch/1"
	if err := s.Set(ctx, key, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, key, "v2"); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if v != "v2" {
		t.Fatalf("want v2, got %s", v)
	}

	if err := s.Remove(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("want ErrNotFound after remove, got %v", err)
	}
	// Removing a missing key is not an error.
	if err := s.Remove(ctx, key); err != nil {
		t.Fatal(err)
	}
}

func TestFSStoreListKeys(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	want := []string{"a", "b:with:colons", "c"}
	for _, k := range want {
		if err := s.Set(ctx, k, "x"); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	if len(keys) != len(want) {
		t.Fatalf("want %d keys, got %v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("want %v, got %v", want, keys)
		}
	}

	if err := s.RemoveMany(ctx, want); err != nil {
		t.Fatal(err)
	}
	keys, err = s.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("want empty store, got %v", keys)
	}
}
