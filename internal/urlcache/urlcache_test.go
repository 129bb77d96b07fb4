package urlcache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// presignCounter is a minimal store exposing only what the cache calls.
type presignCounter struct {
	calls int
}

func (p *presignCounter) Put(context.Context, string, string, string) error { return nil }
func (p *presignCounter) Get(context.Context, string, string) (bool, error) { return false, nil }
func (p *presignCounter) Exists(context.Context, string) (bool, error)      { return false, nil }
func (p *presignCounter) Delete(context.Context, string) error              { return nil }

func (p *presignCounter) PresignedURL(_ context.Context, key string, _ int) (string, error) {
	p.calls++
	return fmt.Sprintf("https://signed.example/%s?n=%d", key, p.calls), nil
}

func TestURLIsCached(t *testing.T) {
	store := &presignCounter{}
	cache := New(store, 3600)
	ctx := context.Background()

	first, err := cache.URL(ctx, "results/a/mask.nii.gz")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	second, err := cache.URL(ctx, "results/a/mask.nii.gz")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if first != second {
		t.Errorf("cached URL changed: %q vs %q", first, second)
	}
	if store.calls != 1 {
		t.Errorf("presign calls = %d, want 1", store.calls)
	}

	// Distinct keys sign independently.
	if _, err := cache.URL(ctx, "results/b/mask.nii.gz"); err != nil {
		t.Fatalf("URL: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("presign calls = %d, want 2", store.calls)
	}
}

func TestExpiredEntryIsResigned(t *testing.T) {
	store := &presignCounter{}
	cache := New(store, 3600)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := cache.URL(ctx, "k"); err != nil {
		t.Fatalf("URL: %v", err)
	}

	// Jump past the TTL minus the safety margin.
	now = now.Add(time.Hour)
	if _, err := cache.URL(ctx, "k"); err != nil {
		t.Fatalf("URL: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("presign calls = %d, want 2 after expiry", store.calls)
	}
}

func TestInvalidateDropsEntry(t *testing.T) {
	store := &presignCounter{}
	cache := New(store, 3600)
	ctx := context.Background()

	if _, err := cache.URL(ctx, "k"); err != nil {
		t.Fatalf("URL: %v", err)
	}
	cache.Invalidate("k")
	if _, err := cache.URL(ctx, "k"); err != nil {
		t.Fatalf("URL: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("presign calls = %d, want 2 after invalidation", store.calls)
	}
}
