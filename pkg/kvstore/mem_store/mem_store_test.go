package mem_store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/getlockinnn/proven-sync/pkg/kvstore"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "k"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("want v, got %s (%v)", v, err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatal("store not empty")
	}
}

func TestMemStoreRace(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 128; j++ {
				key := fmt.Sprintf("k%d", j)
				_ = s.Set(ctx, key, "v")
				_, _ = s.Get(ctx, key)
				_, _ = s.ListKeys(ctx)
				if n%2 == 0 {
					_ = s.Remove(ctx, key)
				}
			}
		}(i)
	}
	wg.Wait()
}
