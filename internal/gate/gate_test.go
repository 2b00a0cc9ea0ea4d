// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		DedupeTTL:         time.Hour,
		CommerceDedupeTTL: 24 * time.Hour,
		RateLimit:         5,
		RateWindow:        time.Minute,
	}
}

func TestCheckDedupeFirstSeenThenDuplicate(t *testing.T) {
	t.Parallel()

	g := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	first, err := g.CheckDedupe(ctx, "p1", "evt-1", DedupeGeneric)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if !first {
		t.Fatal("first submission must pass")
	}

	second, err := g.CheckDedupe(ctx, "p1", "evt-1", DedupeGeneric)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if second {
		t.Error("second submission within TTL must be a duplicate")
	}

	// Same event id in another project is independent.
	other, err := g.CheckDedupe(ctx, "p2", "evt-1", DedupeGeneric)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if !other {
		t.Error("event ids are scoped per project")
	}
}

func TestCheckDedupeExpiry(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.SetNowFunc(func() time.Time { return now })

	g := New(store, testConfig())
	ctx := context.Background()

	if first, _ := g.CheckDedupe(ctx, "p1", "evt-1", DedupeGeneric); !first {
		t.Fatal("first submission must pass")
	}

	// Generic TTL elapsed: key is reusable again.
	now = now.Add(time.Hour + time.Second)
	if first, _ := g.CheckDedupe(ctx, "p1", "evt-1", DedupeGeneric); !first {
		t.Error("expired key must be first-seen again")
	}

	// Commerce keys survive the generic TTL.
	now = time.Unix(1700000000, 0)
	if first, _ := g.CheckDedupe(ctx, "p1", "O1", DedupeCommerce); !first {
		t.Fatal("first order must pass")
	}
	now = now.Add(2 * time.Hour)
	if first, _ := g.CheckDedupe(ctx, "p1", "O1", DedupeCommerce); first {
		t.Error("commerce key must still dedupe after the generic TTL")
	}
}

func TestCheckDedupeConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	g := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	const goroutines = 32
	var firstSeen atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			first, err := g.CheckDedupe(ctx, "p1", "evt-race", DedupeGeneric)
			if err != nil {
				t.Errorf("dedupe: %v", err)
				return
			}
			if first {
				firstSeen.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := firstSeen.Load(); got != 1 {
		t.Errorf("exactly one concurrent submission may pass dedup, got %d", got)
	}
}

func TestCheckRateLimitFixedWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.SetNowFunc(func() time.Time { return now })

	g := New(store, testConfig())
	g.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	// limit requests pass, limit+1 is rejected.
	for i := 0; i < 5; i++ {
		if err := g.CheckRateLimit(ctx, "p1", 5); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	if err := g.CheckRateLimit(ctx, "p1", 5); err != ErrRateLimited {
		t.Errorf("got %v, want ErrRateLimited", err)
	}

	// Next window succeeds again.
	now = now.Add(time.Minute)
	if err := g.CheckRateLimit(ctx, "p1", 5); err != nil {
		t.Errorf("next window rejected: %v", err)
	}
}

func TestCheckRateLimitPerProject(t *testing.T) {
	t.Parallel()

	g := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.CheckRateLimit(ctx, "p1", 5); err != nil {
			t.Fatalf("p1 request %d rejected: %v", i+1, err)
		}
	}
	if err := g.CheckRateLimit(ctx, "p2", 5); err != nil {
		t.Errorf("p2 must have its own budget: %v", err)
	}
}

func TestBadgerStoreSetNX(t *testing.T) {
	t.Parallel()

	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	ctx := context.Background()
	first, err := store.SetNX(ctx, "k1", time.Hour)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !first {
		t.Fatal("first SetNX must set")
	}
	again, err := store.SetNX(ctx, "k1", time.Hour)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if again {
		t.Error("second SetNX must report existing")
	}
}

func TestBadgerStoreIncrWindow(t *testing.T) {
	t.Parallel()

	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWindow(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestBadgerStoreConcurrentIncr(t *testing.T) {
	t.Parallel()

	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	ctx := context.Background()
	const goroutines = 16
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if _, err := store.IncrWindow(ctx, "hot", time.Minute); err != nil {
				t.Errorf("incr: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := store.IncrWindow(ctx, "hot", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if final != goroutines+1 {
		t.Errorf("got %d, want %d", final, goroutines+1)
	}
}

func TestClosedStores(t *testing.T) {
	t.Parallel()

	mem := NewMemoryStore()
	if err := mem.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := mem.SetNX(context.Background(), "k", time.Minute); err != ErrStoreClosed {
		t.Errorf("got %v, want ErrStoreClosed", err)
	}
	if _, err := mem.IncrWindow(context.Background(), "k", time.Minute); err != ErrStoreClosed {
		t.Errorf("got %v, want ErrStoreClosed", err)
	}
}

func TestReleaseDedupeAllowsReclaim(t *testing.T) {
	t.Parallel()

	g := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	first, err := g.CheckDedupe(ctx, "p1", "evt-9", DedupeGeneric)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if !first {
		t.Fatal("first submission must pass")
	}

	if err := g.ReleaseDedupe(ctx, "p1", "evt-9", DedupeGeneric); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := g.CheckDedupe(ctx, "p1", "evt-9", DedupeGeneric)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if !again {
		t.Error("released key must be claimable again")
	}

	// Releasing a generic key must not touch the commerce key for the
	// same id.
	if _, err := g.CheckDedupe(ctx, "p1", "ord-9", DedupeCommerce); err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if err := g.ReleaseDedupe(ctx, "p1", "ord-9", DedupeGeneric); err != nil {
		t.Fatalf("release: %v", err)
	}
	stillHeld, err := g.CheckDedupe(ctx, "p1", "ord-9", DedupeCommerce)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if stillHeld {
		t.Error("commerce key must survive a generic release")
	}
}

func TestCheckRateLimitClampsSubSecondWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateWindow = 100 * time.Millisecond
	g := New(NewMemoryStore(), cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.CheckRateLimit(ctx, "p1", 5); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	if err := g.CheckRateLimit(ctx, "p1", 5); err != ErrRateLimited {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestBadgerStoreDelete(t *testing.T) {
	t.Parallel()

	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if _, err := store.SetNX(ctx, "k1", time.Hour); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	first, err := store.SetNX(ctx, "k1", time.Hour)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !first {
		t.Error("deleted key must be settable again")
	}

	// Missing keys delete cleanly.
	if err := store.Delete(ctx, "never-set"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}
